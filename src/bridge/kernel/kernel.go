// Package kernel is the front-end glue between a user-facing console and the session client.
// It owns the magics, the execution counter and the rendering of display requests.
package kernel

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/src/bridge/client"
	"github.com/uber/bridge-kernel/src/bridge/display"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	bridgeerrors "github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"github.com/uber/bridge-kernel/src/bridge/registry"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_magicConnect    = "%connect"
	_magicDisconnect = "%disconnect"
	_magicBackends   = "%backends"
)

// Module provides the kernel and the backend registry it picks from.
var Module = fx.Options(
	registry.Module,
	fx.Provide(New),
)

// Kernel handles one line of user input at a time.
type Kernel interface {
	// Execute runs a magic or forwards code to the connected backend. Diagnostics go to the stderr stream.
	Execute(ctx context.Context, code string) error
	// Complete returns magic names or, when connected, the backend's candidates. It never returns nil.
	Complete(ctx context.Context, code string, cursorPos int) *entity.CompletionResult
	// ExecutionCount is the number of commands forwarded to any backend.
	ExecutionCount() int
	// Shutdown ends the current session.
	Shutdown(ctx context.Context) error
}

// Streams are where the kernel writes stream chunks and its own messages.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Params define values to be used by Kernel.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Provider
	Registry  registry.Registry
	Renderer  display.Renderer
	Streams   Streams
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Displays  *display.Registry `optional:"true"`
}

type kernel struct {
	client   client.Client
	backends registry.Registry
	displays *display.Registry
	renderer display.Renderer
	streams  Streams
	logger   *zap.SugaredLogger
	stats    tally.Scope
	magics   map[string]func(ctx context.Context, args []string)

	// Guards the streams, which are written from the client's read goroutine too.
	outMu sync.Mutex

	mu             sync.Mutex
	executionCount int

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// New creates a Kernel with no backend connected.
func New(p Params) (Kernel, error) {
	cfg, err := client.LoadConfig(p.Config)
	if err != nil {
		return nil, err
	}

	k := &kernel{
		backends: p.Registry,
		displays: p.Displays,
		renderer: p.Renderer,
		streams:  p.Streams,
		logger:   p.Logger,
		stats:    p.Stats,
	}
	if k.displays == nil {
		k.displays = display.NewDefaultRegistry()
	}
	k.magics = map[string]func(context.Context, []string){
		_magicConnect:    k.connect,
		_magicDisconnect: k.disconnect,
		_magicBackends:   k.listBackends,
	}

	k.client = client.New(client.Params{
		Logger: p.Logger,
		Stats:  p.Stats.SubScope("client"),
		Callbacks: client.Callbacks{
			Stream:     k.stream,
			Display:    k.display,
			Disconnect: k.disconnected,
		},
		ConnectTimeout:  cfg.ConnectTimeout,
		CompleteTimeout: cfg.CompleteTimeout,
		ClientName:      cfg.Name,
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: k.OnStart,
		OnStop:  k.Shutdown,
	})
	return k, nil
}

// OnStart watches the registry so that backend availability shows up in the log.
func (k *kernel) OnStart(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	changed, err := k.backends.Watch(watchCtx)
	if err != nil {
		cancel()
		k.logger.Warnw("backend registry is not watched", zap.String("dir", k.backends.Dir()), zap.Error(err))
		return nil
	}

	k.stopWatch = cancel
	k.watchDone = make(chan struct{})
	go func() {
		defer close(k.watchDone)
		for range changed {
			k.logger.Infow("available backends changed", zap.Strings("backends", registry.SortedIDs(k.backends.List(watchCtx))))
		}
	}()
	return nil
}

func (k *kernel) Shutdown(ctx context.Context) error {
	err := k.client.Disconnect()
	if k.stopWatch != nil {
		k.stopWatch()
		select {
		case <-k.watchDone:
		case <-ctx.Done():
		}
	}
	return err
}

func (k *kernel) Execute(ctx context.Context, code string) error {
	if fields := strings.Fields(code); len(fields) > 0 {
		if magic, ok := k.magics[fields[0]]; ok {
			k.stats.Tagged(map[string]string{"magic": strings.TrimPrefix(fields[0], "%")}).Counter("magics").Inc(1)
			magic(ctx, fields[1:])
			return nil
		}
	}

	if !k.client.IsConnected() {
		k.write(entity.StreamStdout, "no backend - use %connect\n")
		return nil
	}
	if err := k.client.Execute(ctx, code); err != nil {
		k.write(entity.StreamStderr, err.Error()+"\n")
		return err
	}

	k.mu.Lock()
	k.executionCount++
	k.mu.Unlock()
	return nil
}

func (k *kernel) Complete(ctx context.Context, code string, cursorPos int) *entity.CompletionResult {
	first := strings.SplitN(code, " ", 2)[0]
	if first != "" {
		var matches []string
		for name := range k.magics {
			if strings.HasPrefix(name, first) {
				matches = append(matches, name)
			}
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return &entity.CompletionResult{Matches: matches, CursorStart: 0, CursorEnd: cursorPos}
		}
	}

	if result := k.client.Complete(ctx, code, cursorPos); result != nil {
		return result
	}
	return &entity.CompletionResult{Matches: []string{}}
}

func (k *kernel) ExecutionCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executionCount
}

func (k *kernel) connect(ctx context.Context, args []string) {
	if desc, ok := k.client.Descriptor(); ok {
		k.write(entity.StreamStdout, fmt.Sprintf("already connected to backend %s\n", desc.ID))
		return
	}

	backends := k.backends.List(ctx)
	if len(backends) == 0 {
		k.write(entity.StreamStdout, "no backends available\n")
		return
	}

	desc, ok := registry.Latest(backends)
	if len(args) > 0 {
		desc, ok = backends[args[0]]
		if !ok {
			k.write(entity.StreamStderr, fmt.Sprintf("unknown backend %q, see %s\n", args[0], _magicBackends))
			return
		}
	}

	if err := k.client.Connect(ctx, desc); err != nil {
		k.logger.Warnw("connecting to backend", zap.String("backend", desc.ID), zap.Error(err))
		if bridgeerrors.IsConnectionError(err) {
			k.write(entity.StreamStderr, fmt.Sprintf("unable to connect: %v\n", err))
			return
		}
		k.write(entity.StreamStderr, "unable to connect\n")
		return
	}
	k.write(entity.StreamStdout, fmt.Sprintf("connected to backend %s\nto disconnect: %s\n", desc.ID, _magicDisconnect))
}

func (k *kernel) disconnect(ctx context.Context, args []string) {
	if err := k.client.Disconnect(); err != nil {
		k.logger.Warnw("disconnecting from backend", zap.Error(err))
	}
}

func (k *kernel) listBackends(ctx context.Context, args []string) {
	backends := k.backends.List(ctx)
	if len(backends) == 0 {
		k.write(entity.StreamStdout, "no backends available\n")
		return
	}

	latest, _ := registry.Latest(backends)
	var b strings.Builder
	for _, id := range registry.SortedIDs(backends) {
		desc := backends[id]
		marker := " "
		if id == latest.ID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s\n", marker, id)
		fmt.Fprintf(&b, "    date     : %s\n", desc.Date.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "    protocol : %s\n", desc.Protocol)
		fmt.Fprintf(&b, "    argv     : %s\n", strings.Join(desc.Argv, " "))
		if desc.Workers > 1 {
			fmt.Fprintf(&b, "    workers  : %d\n", desc.Workers)
		}
	}
	k.write(entity.StreamStdout, b.String())
}

func (k *kernel) stream(chunk entity.StreamChunk) {
	k.write(chunk.Name, chunk.Text)
}

func (k *kernel) display(req *entity.DisplayRequest) {
	obj, err := k.displays.Construct(req)
	if err == nil {
		k.outMu.Lock()
		err = k.renderer.Render(obj)
		k.outMu.Unlock()
	}
	if err != nil {
		k.stats.Counter("display_errors").Inc(1)
		k.write(entity.StreamStderr, fmt.Sprintf("display error: %v\n", err))
	}
}

func (k *kernel) disconnected() {
	k.logger.Infow("session ended")
	k.write(entity.StreamStdout, "disconnected from backend\n")
}

func (k *kernel) write(name entity.StreamName, text string) {
	k.outMu.Lock()
	defer k.outMu.Unlock()

	w := k.streams.Stdout
	if name == entity.StreamStderr {
		w = k.streams.Stderr
	}
	if _, err := io.WriteString(w, text); err != nil {
		k.logger.Warnw("writing stream", zap.String("stream", string(name)), zap.Error(err))
	}
}
