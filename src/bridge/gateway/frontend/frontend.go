// Package frontend sends outbound frames to the connected front-end.
package frontend

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

const _errSendToClient = "sending notification to front-end: %w"

// Gateway is used to send outbound notifications to the front-end.
// All calls to the gateway should include a context with a session UUID, which is used to route frames to the right connection.
type Gateway interface {
	// RegisterClient registers the connection of a new session.
	RegisterClient(ctx context.Context, id uuid.UUID, conn jsonrpc2.Conn) error
	// DeregisterClient removes a session's connection. Removing an unknown session is not an error.
	DeregisterClient(ctx context.Context, id uuid.UUID) error

	// Stream sends one chunk of stdout or stderr text.
	Stream(ctx context.Context, chunk *entity.StreamChunk) error
	// Display asks the front-end to construct and render an object.
	Display(ctx context.Context, req *entity.DisplayRequest) error
	// Disconnect tells the front-end that the backend is ending the session.
	Disconnect(ctx context.Context) error

	// GetStreamWriter returns an io.Writer whose writes are sent as stream chunks.
	// Do not store or use across commands, get a new one each time as needed.
	GetStreamWriter(ctx context.Context, name entity.StreamName) (io.Writer, error)
}

type gateway struct {
	connections map[uuid.UUID]jsonrpc2.Conn
	clientsMu   sync.Mutex
	logger      *zap.SugaredLogger
}

// New returns a Gateway for sending front-end notifications.
func New(logger *zap.SugaredLogger) Gateway {
	return &gateway{
		connections: make(map[uuid.UUID]jsonrpc2.Conn),
		logger:      logger,
	}
}

func (g *gateway) RegisterClient(ctx context.Context, id uuid.UUID, conn jsonrpc2.Conn) error {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	g.connections[id] = conn
	return nil
}

func (g *gateway) DeregisterClient(ctx context.Context, id uuid.UUID) error {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	delete(g.connections, id)
	return nil
}

func (g *gateway) Stream(ctx context.Context, chunk *entity.StreamChunk) error {
	conn, err := g.getConn(ctx)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	if err := conn.Notify(ctx, entity.MethodStream, chunk); err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	return nil
}

func (g *gateway) Display(ctx context.Context, req *entity.DisplayRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	conn, err := g.getConn(ctx)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	if err := conn.Notify(ctx, entity.MethodDisplay, req); err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	return nil
}

func (g *gateway) Disconnect(ctx context.Context) error {
	conn, err := g.getConn(ctx)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	if err := conn.Notify(ctx, entity.MethodDisconnect, struct{}{}); err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	return nil
}

func (g *gateway) getConn(ctx context.Context) (jsonrpc2.Conn, error) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	id, err := mapper.ContextToSessionUUID(ctx)
	if err != nil {
		return nil, err
	}

	conn, ok := g.connections[id]
	if !ok {
		return nil, fmt.Errorf("client with id %q not found", id)
	}
	return conn, nil
}

// streamWriter implements io.Writer so that interpreter output can be forwarded as it is produced.
type streamWriter struct {
	gateway *gateway
	ctx     context.Context
	name    entity.StreamName
}

func (g *gateway) GetStreamWriter(ctx context.Context, name entity.StreamName) (io.Writer, error) {
	if _, err := g.getConn(ctx); err != nil {
		return nil, fmt.Errorf("getting %s stream writer: %w", name, err)
	}
	return &streamWriter{
		gateway: g,
		ctx:     ctx,
		name:    name,
	}, nil
}

func (w *streamWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.gateway.Stream(w.ctx, &entity.StreamChunk{Name: w.name, Text: string(p)}); err != nil {
		return 0, fmt.Errorf("writing to %s stream: %w", w.name, err)
	}
	return len(p), nil
}
