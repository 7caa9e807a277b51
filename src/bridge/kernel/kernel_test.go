package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/src/bridge/display"
	"github.com/uber/bridge-kernel/src/bridge/display/displaymock"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/factory"
	"github.com/uber/bridge-kernel/src/bridge/handler"
	"github.com/uber/bridge-kernel/src/bridge/internal/jsonrpcfx"
	"github.com/uber/bridge-kernel/src/bridge/internal/serverinfofile"
	"github.com/uber/bridge-kernel/src/bridge/registry/registrymock"
	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

const _waitFor = 5 * time.Second

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	k        *kernel
	registry *registrymock.MockRegistry
	renderer *displaymock.MockRenderer
	scope    tally.TestScope
	stdout   *lockedBuffer
	stderr   *lockedBuffer
}

func newTestEnv(t *testing.T) *testEnv {
	ctrl := gomock.NewController(t)
	cfg, err := config.NewStaticProvider(map[string]interface{}{
		"client": map[string]interface{}{
			"name":            "kernel-test",
			"connectTimeout":  "1s",
			"completeTimeout": "1s",
		},
	})
	require.NoError(t, err)

	env := &testEnv{
		registry: registrymock.NewMockRegistry(ctrl),
		renderer: displaymock.NewMockRenderer(ctrl),
		scope:    tally.NewTestScope("testing", nil),
		stdout:   &lockedBuffer{},
		stderr:   &lockedBuffer{},
	}
	k, err := New(Params{
		Lifecycle: fxtest.NewLifecycle(t),
		Config:    cfg,
		Registry:  env.registry,
		Renderer:  env.renderer,
		Streams:   Streams{Stdout: env.stdout, Stderr: env.stderr},
		Logger:    zap.NewNop().Sugar(),
		Stats:     env.scope,
	})
	require.NoError(t, err)
	env.k = k.(*kernel)
	t.Cleanup(func() { env.k.Shutdown(context.Background()) })
	return env
}

// startBackend runs the complete backend application and returns the descriptor it published.
func startBackend(t *testing.T) entity.BackendDescriptor {
	cfg, err := config.NewStaticProvider(map[string]interface{}{
		"jsonrpc": map[string]interface{}{"address": "127.0.0.1:0"},
		"backend": map[string]interface{}{
			"id":          "kernel-e2e",
			"registryDir": t.TempDir(),
			"startup":     "greeting := \"hi there\"\nfoo := 4",
		},
	})
	require.NoError(t, err)

	var info serverinfofile.ServerInfoFile
	app := fxtest.New(t,
		handler.Module,
		jsonrpcfx.Module,
		fs.Module,
		serverinfofile.Module,
		fx.Provide(func() config.Provider { return cfg }),
		fx.Supply(zap.NewNop().Sugar()),
		fx.Provide(func() tally.Scope { return tally.NoopScope }),
		fx.Populate(&info),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)
	return info.Descriptor()
}

func TestNewInvalidConfig(t *testing.T) {
	cfg, err := config.NewStaticProvider(map[string]interface{}{
		"client": map[string]interface{}{"connectTimeout": "soon"},
	})
	require.NoError(t, err)

	_, err = New(Params{Lifecycle: fxtest.NewLifecycle(t), Config: cfg, Stats: tally.NoopScope})
	assert.ErrorContains(t, err, "reading client config")
}

func TestExecuteWithoutBackend(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.k.Execute(context.Background(), "fmt.Println(1)"))
	assert.Equal(t, "no backend - use %connect\n", env.stdout.String())
	assert.Equal(t, 0, env.k.ExecutionCount())

	require.NoError(t, env.k.Execute(context.Background(), "%disconnect"))
	assert.Equal(t, "no backend - use %connect\n", env.stdout.String())
}

func TestConnectMagicFailures(t *testing.T) {
	refused, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	unreachable := factory.BackendDescriptor("gone", refused.Addr().String())
	require.NoError(t, refused.Close())

	tests := []struct {
		name       string
		input      string
		backends   map[string]entity.BackendDescriptor
		wantStdout string
		wantStderr string
		// stderr only has to start with wantStderr
		stderrPrefix bool
	}{
		{
			name:       "no backends",
			input:      "%connect",
			wantStdout: "no backends available\n",
		},
		{
			name:       "unknown backend",
			input:      "%connect missing",
			backends:   map[string]entity.BackendDescriptor{"gone": unreachable},
			wantStderr: "unknown backend \"missing\", see %backends\n",
		},
		{
			name:         "unreachable backend",
			input:        "  %connect gone  ",
			backends:     map[string]entity.BackendDescriptor{"gone": unreachable},
			wantStderr:   fmt.Sprintf("unable to connect: connecting to %q: ", refused.Addr().String()),
			stderrPrefix: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.registry.EXPECT().List(gomock.Any()).Return(tt.backends)

			require.NoError(t, env.k.Execute(context.Background(), tt.input))
			assert.Equal(t, tt.wantStdout, env.stdout.String())
			if tt.stderrPrefix {
				assert.True(t, strings.HasPrefix(env.stderr.String(), tt.wantStderr), "got %q", env.stderr.String())
			} else {
				assert.Equal(t, tt.wantStderr, env.stderr.String())
			}
			assert.False(t, env.k.client.IsConnected())

			counter, ok := env.scope.Snapshot().Counters()["testing.magics+magic=connect"]
			require.True(t, ok)
			assert.Equal(t, int64(1), counter.Value())
		})
	}
}

func TestBackendsMagic(t *testing.T) {
	env := newTestEnv(t)
	older := factory.BackendDescriptor("a-backend", "127.0.0.1:1")
	newer := factory.BackendDescriptor("b-backend", "127.0.0.1:2")
	newer.Workers = 4
	env.registry.EXPECT().List(gomock.Any()).Return(map[string]entity.BackendDescriptor{
		older.ID: older,
		newer.ID: newer,
	})

	require.NoError(t, env.k.Execute(context.Background(), "%backends"))
	assert.Equal(t, `  a-backend
    date     : 2024-01-01 00:00:00
    protocol : 1
    argv     : bridge
* b-backend
    date     : 2024-01-01 00:00:00
    protocol : 1
    argv     : bridge
    workers  : 4
`, env.stdout.String())
}

func TestSession(t *testing.T) {
	desc := startBackend(t)
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.EXPECT().List(gomock.Any()).Return(map[string]entity.BackendDescriptor{desc.ID: desc})
	require.NoError(t, env.k.Execute(ctx, "%connect"))
	assert.Equal(t, "connected to backend kernel-e2e\nto disconnect: %disconnect\n", env.stdout.String())

	require.NoError(t, env.k.Execute(ctx, "%connect"))
	assert.Contains(t, env.stdout.String(), "already connected to backend kernel-e2e\n")

	rendered := make(chan any, 1)
	env.renderer.EXPECT().Render(gomock.Any()).DoAndReturn(func(obj any) error {
		rendered <- obj
		return nil
	})

	require.NoError(t, env.k.Execute(ctx, `fmt.Println(greeting)`))
	require.NoError(t, env.k.Execute(ctx, `bridge.Markdown("# hi")`))
	result := env.k.Complete(ctx, "fo", 2)
	assert.Contains(t, result.Matches, "foo")
	assert.Equal(t, 0, result.CursorStart)
	assert.Equal(t, 2, result.CursorEnd)

	assert.Contains(t, env.stdout.String(), "hi there\n")
	select {
	case obj := <-rendered:
		assert.Equal(t, &display.Markdown{Text: "# hi"}, obj)
	case <-time.After(_waitFor):
		t.Fatal("display request was not rendered")
	}
	assert.Equal(t, 2, env.k.ExecutionCount())

	require.NoError(t, env.k.Execute(ctx, "%disconnect"))
	assert.True(t, strings.HasSuffix(env.stdout.String(), "disconnected from backend\n"))
	assert.False(t, env.k.client.IsConnected())
	assert.Equal(t, 2, env.k.ExecutionCount())
}

func TestComplete(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name      string
		code      string
		cursorPos int
		want      *entity.CompletionResult
	}{
		{
			name:      "magic prefix",
			code:      "%co",
			cursorPos: 3,
			want:      &entity.CompletionResult{Matches: []string{"%connect"}, CursorEnd: 3},
		},
		{
			name:      "every magic",
			code:      "%",
			cursorPos: 1,
			want:      &entity.CompletionResult{Matches: []string{"%backends", "%connect", "%disconnect"}, CursorEnd: 1},
		},
		{
			name:      "no backend",
			code:      "fo",
			cursorPos: 2,
			want:      &entity.CompletionResult{Matches: []string{}},
		},
		{
			name: "empty input",
			want: &entity.CompletionResult{Matches: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.k.Complete(context.Background(), tt.code, tt.cursorPos))
		})
	}
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		name       string
		req        *entity.DisplayRequest
		renderErr  error
		wantRender any
		wantStderr string
	}{
		{
			name: "image with binary data",
			req: &entity.DisplayRequest{
				Module:      display.Module,
				Attr:        "image",
				Args:        entity.KeywordArgs(map[string]any{"data": "iVBORw==", "format": "png"}),
				DecodeBytes: []string{"data"},
			},
			wantRender: &display.Image{Data: []byte{0x89, 0x50, 0x4E, 0x47}, Format: "png"},
		},
		{
			name:       "unknown constructor",
			req:        &entity.DisplayRequest{Module: "plots", Attr: "scatter", Args: entity.PositionalArgs()},
			wantStderr: "display error: plots.scatter: no such display constructor\n",
		},
		{
			name:       "render failure",
			req:        &entity.DisplayRequest{Module: display.Module, Attr: "text", Args: entity.PositionalArgs("hi")},
			renderErr:  errors.New("terminal too narrow"),
			wantRender: &display.Text{Text: "hi"},
			wantStderr: "display error: terminal too narrow\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.wantRender != nil {
				env.renderer.EXPECT().Render(tt.wantRender).Return(tt.renderErr)
			}

			env.k.display(tt.req)
			assert.Equal(t, tt.wantStderr, env.stderr.String())
		})
	}
}

func TestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	changed := make(chan struct{}, 1)
	var watchCtx context.Context

	env.registry.EXPECT().Watch(gomock.Any()).DoAndReturn(func(ctx context.Context) (<-chan struct{}, error) {
		watchCtx = ctx
		go func() {
			<-ctx.Done()
			close(changed)
		}()
		return changed, nil
	})
	env.registry.EXPECT().List(gomock.Any()).Return(map[string]entity.BackendDescriptor{}).AnyTimes()

	require.NoError(t, env.k.OnStart(context.Background()))
	changed <- struct{}{}
	require.NoError(t, env.k.Shutdown(context.Background()))
	assert.Error(t, watchCtx.Err())
}

func TestLifecycleWatchError(t *testing.T) {
	env := newTestEnv(t)
	env.registry.EXPECT().Watch(gomock.Any()).Return(nil, errors.New("too many open files"))
	env.registry.EXPECT().Dir().Return("/backends")

	require.NoError(t, env.k.OnStart(context.Background()))
	require.NoError(t, env.k.Shutdown(context.Background()))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
