package backend

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	controller "github.com/uber/bridge-kernel/src/bridge/controller/backend"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

type jsonRPCRouter struct {
	backend controller.Controller
	uuid    uuid.UUID
	stats   tally.Scope
	logger  *zap.SugaredLogger
}

// HandleReq handles routing for a single request.
func (r *jsonRPCRouter) HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	ctx = context.WithValue(ctx, entity.SessionContextKey, r.uuid)

	switch req.Method() {
	case entity.MethodHandshake:
		return r.Handshake(ctx, reply, req)

	case entity.MethodExecute:
		return r.Execute(ctx, reply, req)

	case entity.MethodComplete:
		return r.Complete(ctx, reply, req)

	case entity.MethodDisconnect:
		return r.Disconnect(ctx, reply, req)

	default:
		r.stats.Counter("unknown_method").Inc(1)
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (r *jsonRPCRouter) UUID() uuid.UUID {
	return r.uuid
}
