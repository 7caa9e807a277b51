package mapper

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"github.com/uber/bridge-kernel/src/bridge/model"
	"go.lsp.dev/jsonrpc2"
)

// SessionToModel maps a Session entity to its model equivalent.
func SessionToModel(f *entity.Session) *model.Session {
	return &model.Session{
		UUID:           f.UUID,
		Conn:           f.Conn,
		ClientName:     f.ClientName,
		Protocol:       f.Protocol,
		ExecutionCount: f.ExecutionCount,
	}
}

// ModelToSession maps a model Session to its entity equivalent.
func ModelToSession(f *model.Session) (*entity.Session, error) {
	return &entity.Session{
		UUID:           f.UUID,
		Conn:           f.Conn,
		ClientName:     f.ClientName,
		Protocol:       f.Protocol,
		ExecutionCount: f.ExecutionCount,
	}, nil
}

// UUIDToSession initializes a new Session entity with the assigned uuid and connection.
func UUIDToSession(u uuid.UUID, c jsonrpc2.Conn) *entity.Session {
	return &entity.Session{
		UUID: u,
		Conn: c,
	}
}

// ContextToSessionUUID extracts the UUID from a context
func ContextToSessionUUID(c context.Context) (uuid.UUID, error) {
	s, ok := c.Value(entity.SessionContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, errors.ErrNoSessionInContext
	}
	return s, nil
}

// SessionUUIDToContext returns a child context carrying the session UUID.
func SessionUUIDToContext(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, entity.SessionContextKey, id)
}
