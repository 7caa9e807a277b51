package backend

import (
	"context"

	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Handshake negotiates the protocol version and returns the backend descriptor.
func (r *jsonRPCRouter) Handshake(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToHandshakeParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	result, err := r.backend.Handshake(ctx, params)
	if err != nil {
		return reply(ctx, nil, err)
	}

	return reply(ctx, result, nil)
}

// Execute runs a code fragment. It is a notification, so malformed params are reported on the stderr stream.
func (r *jsonRPCRouter) Execute(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToExecuteParams(req)
	if err != nil {
		r.reportMalformed(ctx, entity.CommandExecute, err)
		return reply(ctx, nil, err)
	}

	if err := r.backend.Execute(ctx, params); err != nil {
		r.logger.Warnw("execute failed", "session", r.uuid, zap.Error(err))
		return reply(ctx, nil, err)
	}
	return reply(ctx, nil, nil)
}

// Complete returns completion candidates for the token ending at the cursor.
func (r *jsonRPCRouter) Complete(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToCompleteParams(req)
	if err != nil {
		r.reportMalformed(ctx, entity.CommandComplete, err)
		return reply(ctx, nil, err)
	}

	result, err := r.backend.Complete(ctx, params)
	if err != nil {
		return reply(ctx, nil, err)
	}

	return reply(ctx, result, nil)
}

// Disconnect ends the session.
func (r *jsonRPCRouter) Disconnect(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	err := r.backend.Disconnect(ctx)
	if err != nil {
		r.logger.Warnw("disconnect failed", "session", r.uuid, zap.Error(err))
	}
	return reply(ctx, nil, err)
}

func (r *jsonRPCRouter) reportMalformed(ctx context.Context, kind entity.CommandKind, err error) {
	if reportErr := r.backend.ReportMalformed(ctx, kind, err); reportErr != nil {
		r.logger.Warnw("reporting malformed command", "session", r.uuid, "kind", kind, zap.Error(reportErr))
	}
}
