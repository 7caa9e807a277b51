// Package backend implements the execution backend business logic.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/factory"
	"github.com/uber/bridge-kernel/src/bridge/gateway/frontend"
	"github.com/uber/bridge-kernel/src/bridge/internal/collective"
	bridgeerrors "github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"github.com/uber/bridge-kernel/src/bridge/internal/namespace"
	"github.com/uber/bridge-kernel/src/bridge/internal/serverinfofile"
	"github.com/uber/bridge-kernel/src/bridge/mapper"
	"github.com/uber/bridge-kernel/src/bridge/repository/session"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyBackend = "backend"

	_coordinatorRank = 0
)

var _preload = []string{"fmt", "bridge"}

// Controller orchestrates the business logic for each command.
type Controller interface {
	// Commands, serialized by the connection that delivers them.
	Handshake(ctx context.Context, params *entity.HandshakeParams) (*entity.HandshakeResult, error)
	Execute(ctx context.Context, params *entity.ExecuteParams) error
	Complete(ctx context.Context, params *entity.CompleteParams) (*entity.CompletionResult, error)
	Disconnect(ctx context.Context) error
	// ReportMalformed tells the front-end on stderr that a command of the given kind could not be decoded.
	ReportMalformed(ctx context.Context, kind entity.CommandKind, cause error) error

	// InitSession creates a new session for conn and returns its UUID.
	InitSession(ctx context.Context, conn jsonrpc2.Conn) (uuid.UUID, error)
	// EndSession cleans up after the session's connection has closed.
	EndSession(ctx context.Context, id uuid.UUID) error

	// Follow runs the command loop of a non-coordinator rank until the controller is closed.
	Follow(ctx context.Context, rank int) error
	// Close announces the shutdown to the connected front-end and stops every worker. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Lifecycle      fx.Lifecycle
	Sessions       session.Repository
	Gateway        frontend.Gateway
	ServerInfoFile serverinfofile.ServerInfoFile
	Logger         *zap.SugaredLogger
	Config         config.Provider
	Stats          tally.Scope
}

type backendConfig struct {
	Protocol string `yaml:"protocol"`
	Workers  int    `yaml:"workers"`
	Startup  string `yaml:"startup"`
}

type controller struct {
	sessions       session.Repository
	gateway        frontend.Gateway
	serverInfoFile serverinfofile.ServerInfoFile
	logger         *zap.SugaredLogger
	stats          tally.Scope
	protocol       string

	group   *collective.Group
	workers []*worker

	// execMu serializes use of the coordinator rank.
	execMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// New constructs the backend controller and the namespace of every worker rank.
func New(p Params) (Controller, error) {
	var cfg backendConfig
	if err := p.Config.Get(_configKeyBackend).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("reading backend config: %w", err)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = entity.ProtocolVersion
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	group, err := collective.NewGroup(cfg.Workers)
	if err != nil {
		return nil, err
	}

	c := &controller{
		sessions:       p.Sessions,
		gateway:        p.Gateway,
		serverInfoFile: p.ServerInfoFile,
		logger:         p.Logger,
		stats:          p.Stats,
		protocol:       cfg.Protocol,
		group:          group,
	}

	for rank := 0; rank < cfg.Workers; rank++ {
		w := &worker{
			rank:    rank,
			comm:    group.Member(rank),
			gateway: p.Gateway,
		}
		ns, err := namespace.New(namespace.Options{
			Exports: w.exports(),
			Preload: _preload,
			Startup: cfg.Startup,
		})
		if err != nil {
			return nil, fmt.Errorf("creating namespace for rank %d: %w", rank, err)
		}
		w.ns = ns
		c.workers = append(c.workers, w)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: c.onStart,
		OnStop:  c.Close,
	})

	return c, nil
}

func (c *controller) onStart(ctx context.Context) error {
	for rank := 1; rank < len(c.workers); rank++ {
		c.wg.Add(1)
		go func(rank int) {
			defer c.wg.Done()
			if err := c.Follow(context.Background(), rank); err != nil {
				c.logger.Errorw("worker stopped", "rank", rank, zap.Error(err))
			}
		}(rank)
	}
	c.logger.Infow("backend workers started", "workers", len(c.workers), "protocol", c.protocol)
	return nil
}

// Handshake checks the front-end's protocol version and describes this backend.
func (c *controller) Handshake(ctx context.Context, params *entity.HandshakeParams) (*entity.HandshakeResult, error) {
	c.countCommand("handshake")

	if params.Protocol != c.protocol {
		return nil, fmt.Errorf("%w: backend speaks %q, front-end speaks %q", bridgeerrors.ErrProtocolMismatch, c.protocol, params.Protocol)
	}

	s, err := c.sessions.GetFromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	s.ClientName = params.ClientName
	s.Protocol = params.Protocol
	if err := c.sessions.Set(ctx, s); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	c.logger.Infow("front-end connected", "session", s.UUID, "client", params.ClientName)
	return &entity.HandshakeResult{
		Descriptor:  c.serverInfoFile.Descriptor(),
		SessionUUID: s.UUID,
	}, nil
}

// Execute runs code on every rank. Output is streamed to the front-end as it is produced and
// errors raised by the code are reported on stderr. Every rank has finished when Execute returns.
func (c *controller) Execute(ctx context.Context, params *entity.ExecuteParams) error {
	c.countCommand(entity.CommandExecute)
	defer c.stats.Timer("execute_latency").Start().Stop()

	id, err := mapper.ContextToSessionUUID(ctx)
	if err != nil {
		return err
	}
	count, err := c.sessions.IncrementExecutionCount(ctx)
	if err != nil {
		return fmt.Errorf("counting execution: %w", err)
	}

	stdout, err := c.gateway.GetStreamWriter(ctx, entity.StreamStdout)
	if err != nil {
		return err
	}
	stderr, err := c.gateway.GetStreamWriter(ctx, entity.StreamStderr)
	if err != nil {
		return err
	}

	c.execMu.Lock()
	defer c.execMu.Unlock()

	if err := c.broadcast(ctx, entity.WorkerCommand{Kind: entity.WorkerExecute, Code: params.Code, SessionUUID: id}); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return err
	}

	c.logger.Debugw("executing", "session", id, "count", count)
	return c.runCommand(ctx, c.workers[_coordinatorRank], params.Code, stdout, stderr)
}

// Complete returns the coordinator namespace's candidates for the token ending at the cursor.
func (c *controller) Complete(ctx context.Context, params *entity.CompleteParams) (*entity.CompletionResult, error) {
	c.countCommand(entity.CommandComplete)

	result := c.workers[_coordinatorRank].ns.Complete(params.Code, params.CursorPos)
	return &result, nil
}

// Disconnect closes the session's connection. The server returns to listening once the connection is released.
func (c *controller) Disconnect(ctx context.Context) error {
	c.countCommand(entity.CommandDisconnect)

	s, err := c.sessions.GetFromContext(ctx)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}

	c.logger.Infow("front-end disconnecting", "session", s.UUID, "executions", s.ExecutionCount)
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

func (c *controller) ReportMalformed(ctx context.Context, kind entity.CommandKind, cause error) error {
	c.countCommand(kind)
	perr := &bridgeerrors.ProtocolError{Reason: fmt.Sprintf("malformed %s command: %v", kind, cause)}
	c.logger.Warnw("malformed command", "kind", kind, zap.Error(cause))
	return c.gateway.Stream(ctx, &entity.StreamChunk{Name: entity.StreamStderr, Text: perr.Error() + "\n"})
}

func (c *controller) InitSession(ctx context.Context, conn jsonrpc2.Conn) (uuid.UUID, error) {
	id := factory.UUID()

	if err := c.gateway.RegisterClient(ctx, id, conn); err != nil {
		return uuid.Nil, err
	}
	if err := c.sessions.Set(ctx, mapper.UUIDToSession(id, conn)); err != nil {
		if deregErr := c.gateway.DeregisterClient(ctx, id); deregErr != nil {
			c.logger.Warnw("deregistering front-end", "session", id, zap.Error(deregErr))
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (c *controller) EndSession(ctx context.Context, id uuid.UUID) error {
	if err := c.gateway.DeregisterClient(ctx, id); err != nil {
		c.logger.Warnw("deregistering front-end", "session", id, zap.Error(err))
	}

	return c.sessions.Delete(ctx, id)
}

func (c *controller) Follow(ctx context.Context, rank int) error {
	if rank <= _coordinatorRank || rank >= len(c.workers) {
		return fmt.Errorf("rank %d cannot follow in a group of %d", rank, len(c.workers))
	}
	w := c.workers[rank]

	for {
		data, err := w.comm.Broadcast(ctx, _coordinatorRank, nil)
		if errors.Is(err, collective.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving command: %w", err)
		}

		var cmd entity.WorkerCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("decoding command: %w", err)
		}

		switch cmd.Kind {
		case entity.WorkerStop:
			return nil
		case entity.WorkerExecute:
			cmdCtx := mapper.SessionUUIDToContext(ctx, cmd.SessionUUID)
			stdout := c.followerStream(cmdCtx, rank, entity.StreamStdout)
			stderr := c.followerStream(cmdCtx, rank, entity.StreamStderr)
			if err := c.runCommand(cmdCtx, w, cmd.Code, stdout, stderr); err != nil {
				c.logger.Warnw("worker command failed", "rank", rank, zap.Error(err))
			}
		default:
			c.logger.Warnw("unknown worker command", "rank", rank, "kind", cmd.Kind)
		}
	}
}

func (c *controller) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *controller) close(ctx context.Context) error {
	var err error

	if active, activeErr := c.sessions.Active(ctx); activeErr == nil {
		if notifyErr := c.gateway.Disconnect(mapper.SessionUUIDToContext(ctx, active.UUID)); notifyErr != nil {
			c.logger.Warnw("announcing disconnect", "session", active.UUID, zap.Error(notifyErr))
		}
	}

	// A running command may never return, so followers are only told to stop when the coordinator is idle.
	if len(c.workers) > 1 && c.execMu.TryLock() {
		err = multierr.Append(err, c.broadcast(ctx, entity.WorkerCommand{Kind: entity.WorkerStop}))
		c.execMu.Unlock()
	}
	c.group.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

// broadcast sends cmd from the coordinator to every follower. It is a no-op with a single worker.
func (c *controller) broadcast(ctx context.Context, cmd entity.WorkerCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if _, err := c.workers[_coordinatorRank].comm.Broadcast(ctx, _coordinatorRank, data); err != nil {
		return fmt.Errorf("broadcasting %s command: %w", cmd.Kind, err)
	}
	return nil
}

// runCommand executes code on w, reports failures on stderr and waits for every rank to finish.
func (c *controller) runCommand(ctx context.Context, w *worker, code string, stdout io.Writer, stderr io.Writer) error {
	if err := w.run(ctx, code, stdout, stderr); err != nil {
		c.stats.Counter("execution_errors").Inc(1)
		fmt.Fprintln(stderr, err.Error())
		if !bridgeerrors.IsCommandLocal(err) {
			c.logger.Errorw("command failed outside user code", "rank", w.comm.Rank(), zap.Error(err))
		}
	}
	if err := w.comm.Barrier(ctx); err != nil {
		return fmt.Errorf("waiting for workers: %w", err)
	}
	return nil
}

func (c *controller) countCommand(kind entity.CommandKind) {
	c.stats.Tagged(map[string]string{"kind": string(kind)}).Counter("commands").Inc(1)
}

// followerStream forwards a follower's output to the session's front-end, or to the log once no front-end is attached.
func (c *controller) followerStream(ctx context.Context, rank int, name entity.StreamName) io.Writer {
	w, err := c.gateway.GetStreamWriter(ctx, name)
	if err != nil {
		c.logger.Debugw("no front-end for worker output", "rank", rank, "stream", name, zap.Error(err))
		return &logWriter{logger: c.logger, rank: rank, name: name}
	}
	return w
}

// logWriter sends follower output to the backend log.
type logWriter struct {
	logger *zap.SugaredLogger
	rank   int
	name   entity.StreamName
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Infow("worker output", "rank", w.rank, "stream", w.name, "text", string(p))
	return len(p), nil
}
