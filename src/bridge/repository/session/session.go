package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"github.com/uber/bridge-kernel/src/bridge/mapper"
	"github.com/uber/bridge-kernel/src/bridge/model"
)

// Repository holds the one session a backend serves at a time.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.Session, error)
	GetFromContext(ctx context.Context) (*entity.Session, error)
	// Active returns the current session, or ErrNoSession.
	Active(ctx context.Context) (*entity.Session, error)
	// Set stores s. Storing a different session while one is active fails with ErrBackendBusy.
	Set(ctx context.Context, s *entity.Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	// IncrementExecutionCount bumps the execution counter of the session in ctx and returns the new value.
	IncrementExecutionCount(ctx context.Context) (int, error)
}

type repository struct {
	mu      sync.Mutex
	current *model.Session
	stats   tally.Scope
}

// New returns an empty session Repository.
func New(stats tally.Scope) Repository {
	r := &repository{stats: stats}
	r.updateGauge()
	return r
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || r.current.UUID != id {
		return nil, &errors.StaleSessionError{UUID: id}
	}
	return mapper.ModelToSession(r.current)
}

func (r *repository) GetFromContext(ctx context.Context) (*entity.Session, error) {
	id, err := mapper.ContextToSessionUUID(ctx)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *repository) Active(ctx context.Context) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil, errors.ErrNoSession
	}
	return mapper.ModelToSession(r.current)
}

func (r *repository) Set(ctx context.Context, s *entity.Session) error {
	if s == nil {
		return errors.New("can't save nil session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.UUID != s.UUID {
		return fmt.Errorf("storing session %s: %w", s.UUID, errors.ErrBackendBusy)
	}
	r.current = mapper.SessionToModel(s)
	r.updateGauge()
	return nil
}

// Delete forgets the session with the given id. Deleting any other id is a no-op.
func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.UUID == id {
		r.current = nil
		r.updateGauge()
	}
	return nil
}

func (r *repository) IncrementExecutionCount(ctx context.Context) (int, error) {
	id, err := mapper.ContextToSessionUUID(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || r.current.UUID != id {
		return 0, &errors.StaleSessionError{UUID: id}
	}
	r.current.ExecutionCount++
	return r.current.ExecutionCount, nil
}

// updateGauge must be called with mu held.
func (r *repository) updateGauge() {
	active := 0.0
	if r.current != nil {
		active = 1
	}
	r.stats.Gauge("active_connections").Update(active)
}
