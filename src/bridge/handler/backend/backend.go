// Package backend routes front-end commands arriving over JSON-RPC to the backend controller.
package backend

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	controller "github.com/uber/bridge-kernel/src/bridge/controller/backend"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/internal/jsonrpcfx"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Handler accepts connections handed over by the execution server.
type Handler interface {
	jsonrpcfx.ConnectionManager
}

// New constructs a new backend Handler and registers it with the execution server.
func New(ctrl controller.Controller, jsonrpcmod jsonrpcfx.JSONRPCModule, logger *zap.SugaredLogger, stats tally.Scope) (Handler, error) {
	c := &jsonRPCConnectionManager{
		ctrl:   ctrl,
		logger: logger,
		stats:  stats.SubScope("json_rpc"),
	}
	if err := jsonrpcmod.RegisterConnectionManager(c); err != nil {
		return nil, fmt.Errorf("registering connection manager: %w", err)
	}
	return c, nil
}

type jsonRPCConnectionManager struct {
	ctrl   controller.Controller
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// NewConnection will store a new connection and return a router that includes its UUID.
func (c *jsonRPCConnectionManager) NewConnection(ctx context.Context, conn jsonrpc2.Conn) (router jsonrpcfx.Router, err error) {
	id, err := c.ctrl.InitSession(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}

	r := jsonRPCRouter{
		backend: c.ctrl,
		uuid:    id,
		stats:   c.stats,
		logger:  c.logger,
	}

	return &r, nil
}

// RemoveConnection cleans up a closed connection.
func (c *jsonRPCConnectionManager) RemoveConnection(ctx context.Context, id uuid.UUID) {
	// Ensure session is removed even if no disconnect command has been received.
	ctx = context.WithValue(ctx, entity.SessionContextKey, id)
	if err := c.ctrl.EndSession(ctx, id); err != nil {
		c.logger.Warnw("ending session", "session", id, zap.Error(err))
	}
}
