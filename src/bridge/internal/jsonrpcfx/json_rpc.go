package jsonrpcfx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	bridgeerrors "github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"github.com/uber/bridge-kernel/src/bridge/internal/serverinfofile"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyAddress = "jsonrpc.address"
	_configKeySocket  = "jsonrpc.socket"

	// CodeBackendBusy is returned to connections that arrive while another front-end is being served.
	CodeBackendBusy jsonrpc2.Code = -32000

	_busyReplyTimeout = 5 * time.Second
)

// Module is an fx module to handle JSON-RPC requests.
var Module = fx.Provide(New)

// JSONRPCModule is the backend's execution server: it owns the listener and serves one front-end connection at a time.
//
// States move IDLE -> LISTENING on Serve, LISTENING -> SERVING when WaitForClient hands over a connection,
// and back to LISTENING once Loop returns. Stop moves any state to STOPPED.
type JSONRPCModule interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error

	// Serve binds the configured endpoint, starts accepting in the background and publishes the descriptor.
	Serve() error
	// WaitForClient blocks until a front-end connects. It returns false once the server is stopped or ctx ends.
	WaitForClient(ctx context.Context) bool
	// Loop services the current connection until it closes.
	Loop(ctx context.Context) error
	// Stop releases the listener and the active connection. It is safe to call more than once.
	Stop() error
	State() entity.ServerState
	Addr() net.Addr

	RegisterConnectionManager(connectionManager ConnectionManager) error
}

// Router serves as the interface through which handling of requests will be implemented.
type Router interface {
	HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error
	UUID() uuid.UUID
}

// ConnectionManager will manage each active connection and its corresponding Router throughout the lifecycle of a connection.
type ConnectionManager interface {
	NewConnection(ctx context.Context, conn jsonrpc2.Conn) (router Router, err error)
	RemoveConnection(ctx context.Context, id uuid.UUID)
}

type module struct {
	Address string `json:"address"`
	Socket  string `json:"socket"`

	connectionMgr  ConnectionManager
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile

	mu      sync.Mutex
	state   entity.ServerState
	ln      net.Listener
	claimed bool
	client  net.Conn
	active  jsonrpc2.Conn

	pending  chan net.Conn
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Params define values to be used by JsonRpcHandler.
type Params struct {
	fx.In

	Config         config.Provider
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
}

// New creates a new server to handle JSON-RPC requests on the configured address or socket.
func New(p Params) (JSONRPCModule, error) {
	if p.Lifecycle == nil || p.Config == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := newModule(p.Logger, p.ServerInfoFile)
	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop:  m.OnStop,
	})

	return m, nil
}

func newModule(logger *zap.SugaredLogger, info serverinfofile.ServerInfoFile) *module {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &module{
		logger:         logger,
		serverInfoFile: info,
		state:          entity.ServerIdle,
		pending:        make(chan net.Conn),
		stopped:        make(chan struct{}),
	}
}

// OnStart binds the listener and then begins handling incoming connections, one at a time.
func (m *module) OnStart(ctx context.Context) error {
	if err := m.Serve(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.start()
	return nil
}

// OnStop stops the server and waits for its goroutines to finish.
func (m *module) OnStop(ctx context.Context) error {
	err := m.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return multierr.Append(err, fmt.Errorf("waiting for connections to close: %w", ctx.Err()))
	}
}

func (m *module) Serve() error {
	ln, err := m.listen()
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go m.accept(ln)

	if m.serverInfoFile != nil {
		if _, err := m.serverInfoFile.Publish(ln.Addr().Network(), ln.Addr().String()); err != nil {
			return multierr.Append(fmt.Errorf("publishing descriptor: %w", err), m.Stop())
		}
	}

	m.logger.Infow("started JSON-RPC inbound", zap.String("network", ln.Addr().Network()), zap.String("address", ln.Addr().String()))
	return nil
}

// listen binds the configured endpoint and moves the server to LISTENING.
func (m *module) listen() (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == entity.ServerStopped {
		return nil, bridgeerrors.ErrServerStopped
	}
	if m.state != entity.ServerIdle {
		return nil, fmt.Errorf("serve called in state %q", m.state)
	}

	network, address := "tcp", m.Address
	if m.Socket != "" {
		network, address = "unix", m.Socket
		// A stale socket left by a crashed backend would make the bind fail.
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	m.ln = ln
	m.state = entity.ServerListening
	return ln, nil
}

func (m *module) WaitForClient(ctx context.Context) bool {
	select {
	case c := <-m.pending:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == entity.ServerStopped {
			c.Close()
			return false
		}
		m.client = c
		m.state = entity.ServerServing
		return true
	case <-m.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// Loop is called for each accepted connection. Requests received via the connection will be routed to the handler, and answered via the connection's replier.
func (m *module) Loop(ctx context.Context) error {
	m.mu.Lock()
	c := m.client
	state := m.state
	m.mu.Unlock()

	if c == nil || state != entity.ServerServing {
		return fmt.Errorf("loop called in state %q", state)
	}
	if m.connectionMgr == nil {
		m.logger.Errorf("cannot serve connection, no connection manager set")
		c.Close()
		m.release()
		return errors.New("cannot serve connection, no connection manager set")
	}

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(c))
	handler, err := m.connectionMgr.NewConnection(ctx, conn)
	if err != nil {
		c.Close()
		m.release()
		return err
	}

	m.mu.Lock()
	m.active = conn
	stopped := m.state == entity.ServerStopped
	m.mu.Unlock()
	if stopped {
		conn.Close()
	}

	m.logger.Infow("client connected", zap.Stringer("uuid", handler.UUID()))
	conn.Go(ctx, m.trackState(handler.HandleReq))

	// Block until the connection is closed by either side.
	<-conn.Done()

	// Cleanup after connection.
	m.connectionMgr.RemoveConnection(ctx, handler.UUID())
	m.logger.Infow("client disconnected", zap.Stringer("uuid", handler.UUID()))
	m.release()

	return ignoreClosed(conn.Err())
}

func (m *module) Stop() error {
	m.stopOnce.Do(func() { close(m.stopped) })

	m.mu.Lock()
	prev := m.state
	m.state = entity.ServerStopped
	ln, client, active := m.ln, m.client, m.active
	m.ln = nil
	m.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ignoreClosed(ln.Close()))
	}
	if active != nil {
		err = multierr.Append(err, ignoreClosed(active.Close()))
	} else if client != nil {
		err = multierr.Append(err, ignoreClosed(client.Close()))
	}

	if prev != entity.ServerStopped {
		m.logger.Infow("stopped JSON-RPC inbound", zap.String("previousState", string(prev)))
	}
	return err
}

func (m *module) State() entity.ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *module) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// RegisterConnectionManager sets the connection manager, which keeps track of current active connections and provides a Router implementation.
func (m *module) RegisterConnectionManager(connectionMgr ConnectionManager) error {
	if m.connectionMgr != nil {
		return errors.New("cannot register a duplicate connection manager")
	}
	m.connectionMgr = connectionMgr
	return nil
}

// start serves connections one after another until the server is stopped.
func (m *module) start() {
	defer m.wg.Done()

	ctx := context.Background()
	for m.WaitForClient(ctx) {
		if err := m.Loop(ctx); err != nil {
			m.logger.Warnw("connection ended with error", zap.Error(err))
		}
	}
}

// accept hands new connections to WaitForClient. Connections that arrive while one is already claimed are refused.
func (m *module) accept(ln net.Listener) {
	defer m.wg.Done()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-m.stopped:
			default:
				m.logger.Errorw("accepting connections", zap.Error(err))
			}
			return
		}

		m.mu.Lock()
		busy := m.claimed
		m.claimed = true
		m.mu.Unlock()

		if busy {
			m.rejectBusy(c)
			continue
		}

		select {
		case m.pending <- c:
		case <-m.stopped:
			c.Close()
			return
		}
	}
}

// rejectBusy answers the first request on c with a busy error and then closes it.
func (m *module) rejectBusy(c net.Conn) {
	m.logger.Warnw("rejecting connection", zap.String("remote", c.RemoteAddr().String()), zap.Error(bridgeerrors.ErrBackendBusy))

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(c))
	conn.Go(context.Background(), func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		err := reply(ctx, nil, jsonrpc2.NewError(CodeBackendBusy, bridgeerrors.ErrBackendBusy.Error()))
		conn.Close()
		return err
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-conn.Done():
			return
		case <-time.After(_busyReplyTimeout):
		case <-m.stopped:
		}
		conn.Close()
		<-conn.Done()
	}()
}

// release returns the server to LISTENING after a connection ends.
func (m *module) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = nil
	m.active = nil
	m.claimed = false
	if m.state != entity.ServerStopped {
		m.state = entity.ServerListening
	}
}

// trackState reports EXECUTING and COMPLETING while the matching command is handled.
func (m *module) trackState(handler jsonrpc2.Handler) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		var busy entity.ServerState
		switch req.Method() {
		case entity.MethodExecute:
			busy = entity.ServerExecuting
		case entity.MethodComplete:
			busy = entity.ServerCompleting
		default:
			return handler(ctx, reply, req)
		}

		m.setServingState(busy)
		defer m.setServingState(entity.ServerServing)
		return handler(ctx, reply, req)
	}
}

func (m *module) setServingState(state entity.ServerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != entity.ServerStopped && m.state != entity.ServerListening {
		m.state = state
	}
}

// processConfig will parse the configuration for any values required by this module.
func (m *module) processConfig(cfg config.Provider) error {
	if err := cfg.Get(_configKeySocket).Populate(&m.Socket); err != nil {
		return fmt.Errorf("getting config field %q: %w", _configKeySocket, err)
	}

	val := cfg.Get(_configKeyAddress)
	if err := val.Populate(&m.Address); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyAddress, err)
	}

	if m.Address == "" && m.Socket == "" {
		// yaml is missing either the key or value
		return fmt.Errorf("missing field %q in config", _configKeyAddress)
	}

	return nil
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
