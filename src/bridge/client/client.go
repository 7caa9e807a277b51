// Package client is the front-end side of a bridge session: it connects to one backend at a time,
// forwards commands and dispatches the backend's stream, display and disconnect frames to callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	bridgeerrors "github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"github.com/uber/bridge-kernel/src/bridge/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/zap"
)

const (
	_configKeyClient = "client"

	_defaultConnectTimeout  = 5 * time.Second
	_defaultCompleteTimeout = 2 * time.Second

	// Upper bound for announcing a local disconnect to the backend.
	_disconnectNotifyTimeout = time.Second
)

// Callbacks receive inbound frames. They run on the connection's read goroutine and must not call Complete.
type Callbacks struct {
	Stream     func(chunk entity.StreamChunk)
	Display    func(req *entity.DisplayRequest)
	Disconnect func()
}

// Config is the client block of the configuration.
type Config struct {
	Name            string        `yaml:"name"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	CompleteTimeout time.Duration `yaml:"completeTimeout"`
}

// LoadConfig reads the client block from cfg.
func LoadConfig(cfg config.Provider) (Config, error) {
	var c Config
	if err := cfg.Get(_configKeyClient).Populate(&c); err != nil {
		return Config{}, fmt.Errorf("reading client config: %w", err)
	}
	return c, nil
}

// Params configure a new Client.
type Params struct {
	Logger          *zap.SugaredLogger
	Stats           tally.Scope
	Callbacks       Callbacks
	ConnectTimeout  time.Duration
	CompleteTimeout time.Duration
	ClientName      string
}

// Client holds at most one session with a backend.
type Client interface {
	// Connect tears down any current session, then dials desc and performs the handshake.
	// Failures are reported as *errors.ConnectionError and leave no session active.
	Connect(ctx context.Context, desc entity.BackendDescriptor) error
	// Disconnect ends the current session. It is a no-op without one and safe to call from the disconnect callback.
	Disconnect() error
	// Execute sends code to the backend and returns once the command is written.
	Execute(ctx context.Context, code string) error
	// Complete asks the backend for completion candidates. It returns nil on timeout, on error or without a session.
	Complete(ctx context.Context, code string, cursorPos int) *entity.CompletionResult

	IsConnected() bool
	// Descriptor returns the descriptor of the connected backend.
	Descriptor() (entity.BackendDescriptor, bool)
	// ExecutionCount returns the number of commands executed in the current session.
	ExecutionCount() int
}

type session struct {
	conn       jsonrpc2.Conn
	desc       entity.BackendDescriptor
	id         uuid.UUID
	executions int

	// signal carries a backend-initiated disconnect to the watcher.
	signal   chan struct{}
	done     chan struct{}
	teardown sync.Once
}

type client struct {
	logger          *zap.SugaredLogger
	stats           tally.Scope
	callbacks       Callbacks
	connectTimeout  time.Duration
	completeTimeout time.Duration
	name            string

	mu      sync.Mutex
	current *session
}

// New returns a Client with no session.
func New(p Params) Client {
	c := &client{
		logger:          p.Logger,
		stats:           p.Stats,
		callbacks:       p.Callbacks,
		connectTimeout:  p.ConnectTimeout,
		completeTimeout: p.CompleteTimeout,
		name:            p.ClientName,
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	if c.stats == nil {
		c.stats = tally.NoopScope
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = _defaultConnectTimeout
	}
	if c.completeTimeout <= 0 {
		c.completeTimeout = _defaultCompleteTimeout
	}
	if c.callbacks.Stream == nil {
		c.callbacks.Stream = func(entity.StreamChunk) {}
	}
	if c.callbacks.Display == nil {
		c.callbacks.Display = func(*entity.DisplayRequest) {}
	}
	if c.callbacks.Disconnect == nil {
		c.callbacks.Disconnect = func() {}
	}
	return c
}

func (c *client) Connect(ctx context.Context, desc entity.BackendDescriptor) error {
	if err := c.Disconnect(); err != nil {
		c.logger.Warnw("ending previous session", zap.Error(err))
	}

	network, address, err := desc.Endpoint()
	if err != nil {
		return &bridgeerrors.ConnectionError{Address: desc.ID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return &bridgeerrors.ConnectionError{Address: address, Err: err}
	}

	s := &session{
		conn:   jsonrpc2.NewConn(jsonrpc2.NewStream(netConn)),
		desc:   desc,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.conn.Go(context.Background(), c.handler(s))

	var result entity.HandshakeResult
	params := entity.HandshakeParams{Protocol: entity.ProtocolVersion, ClientName: c.name}
	if _, err := s.conn.Call(ctx, entity.MethodHandshake, params, &result); err != nil {
		s.conn.Close()
		return &bridgeerrors.ConnectionError{Address: address, Err: err}
	}
	if result.Descriptor.Protocol != "" && result.Descriptor.Protocol != entity.ProtocolVersion {
		s.conn.Close()
		return &bridgeerrors.ConnectionError{
			Address: address,
			Err:     fmt.Errorf("%w: backend speaks %q", bridgeerrors.ErrProtocolMismatch, result.Descriptor.Protocol),
		}
	}
	s.id = result.SessionUUID

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	go c.watch(s)

	c.logger.Infow("connected to backend", "backend", desc.ID, "address", address, "session", s.id)
	return nil
}

func (c *client) Disconnect() error {
	s := c.session()
	if s == nil {
		return nil
	}
	return c.end(s, true)
}

func (c *client) Execute(ctx context.Context, code string) error {
	s := c.session()
	if s == nil {
		return bridgeerrors.ErrNoSession
	}

	if err := s.conn.Notify(ctx, entity.MethodExecute, entity.ExecuteParams{Code: code}); err != nil {
		return fmt.Errorf("sending execute command: %w", err)
	}

	c.mu.Lock()
	s.executions++
	c.mu.Unlock()
	return nil
}

func (c *client) Complete(ctx context.Context, code string, cursorPos int) *entity.CompletionResult {
	s := c.session()
	if s == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.completeTimeout)
	defer cancel()

	var result entity.CompletionResult
	params := entity.CompleteParams{Code: code, CursorPos: cursorPos}
	if _, err := s.conn.Call(ctx, entity.MethodComplete, params, &result); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.stats.Counter("completion_timeouts").Inc(1)
			c.logger.Warnw("completion dropped", "session", s.id, "timeout", c.completeTimeout, zap.Error(bridgeerrors.ErrCompletionTimeout))
			return nil
		}
		c.logger.Warnw("completion failed", "session", s.id, zap.Error(err))
		return nil
	}
	if result.Matches == nil {
		result.Matches = []string{}
	}
	return &result
}

func (c *client) IsConnected() bool {
	return c.session() != nil
}

func (c *client) Descriptor() (entity.BackendDescriptor, bool) {
	s := c.session()
	if s == nil {
		return entity.BackendDescriptor{}, false
	}
	return s.desc, true
}

func (c *client) ExecutionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return 0
	}
	return c.current.executions
}

func (c *client) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// watch ends s when the backend asks to or the transport closes, unless it was ended locally first.
func (c *client) watch(s *session) {
	select {
	case <-s.signal:
		c.logger.Infow("backend ended the session", "session", s.id)
	case <-s.conn.Done():
		c.logger.Infow("backend connection closed", "session", s.id, zap.Error(s.conn.Err()))
	case <-s.done:
		return
	}
	c.end(s, false)
}

// end tears s down exactly once, whichever side initiated it, and fires the disconnect callback.
func (c *client) end(s *session, notify bool) error {
	var err error
	s.teardown.Do(func() {
		c.mu.Lock()
		if c.current == s {
			c.current = nil
		}
		c.mu.Unlock()

		if notify {
			ctx, cancel := context.WithTimeout(context.Background(), _disconnectNotifyTimeout)
			if notifyErr := s.conn.Notify(ctx, entity.MethodDisconnect, nil); notifyErr != nil {
				c.logger.Debugw("announcing disconnect", "session", s.id, zap.Error(notifyErr))
			}
			cancel()
		}
		err = s.conn.Close()
		close(s.done)

		c.callbacks.Disconnect()
	})
	return err
}

func (c *client) handler(s *session) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		switch req.Method() {
		case entity.MethodStream:
			chunk, err := mapper.RequestToStreamChunk(req)
			if err != nil {
				c.reportProtocolError(err)
				break
			}
			c.callbacks.Stream(*chunk)

		case entity.MethodDisplay:
			display, err := mapper.RequestToDisplayRequest(req)
			if err != nil {
				c.stats.Counter("display_errors").Inc(1)
				c.reportProtocolError(err)
				break
			}
			c.callbacks.Display(display)

		case entity.MethodDisconnect:
			select {
			case s.signal <- struct{}{}:
			default:
			}

		default:
			c.reportProtocolError(&bridgeerrors.ProtocolError{Reason: fmt.Sprintf("unexpected method %q", req.Method())})
			return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
		}
		return reply(ctx, nil, nil)
	}
}

// reportProtocolError surfaces a malformed frame on stderr without ending the session.
func (c *client) reportProtocolError(err error) {
	c.logger.Warnw("malformed frame from backend", zap.Error(err))
	c.callbacks.Stream(entity.StreamChunk{Name: entity.StreamStderr, Text: err.Error() + "\n"})
}
