package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/src/bridge/display"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/handler"
	"github.com/uber/bridge-kernel/src/bridge/internal/jsonrpcfx"
	"github.com/uber/bridge-kernel/src/bridge/internal/serverinfofile"
	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// startBackend runs the complete backend application and returns the descriptor it published.
func startBackend(t *testing.T) (*fxtest.App, entity.BackendDescriptor) {
	cfg, err := config.NewStaticProvider(map[string]interface{}{
		"jsonrpc": map[string]interface{}{
			"address": "127.0.0.1:0",
		},
		"backend": map[string]interface{}{
			"id":          "e2e",
			"registryDir": t.TempDir(),
			"workers":     1,
			"startup":     "greeting := \"hi there\"\nfoo := 4\nfoobar := 5",
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
		fx.Provide(func() tally.Scope { return tally.NewTestScope("backend", nil) }),
		fx.Populate(&info),
	)
	app.RequireStart()
	return app, info.Descriptor()
}

func stdout(chunks []entity.StreamChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Name == entity.StreamStdout {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func stderr(chunks []entity.StreamChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Name == entity.StreamStderr {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func TestEndToEnd(t *testing.T) {
	app, desc := startBackend(t)
	defer app.RequireStop()

	rec := &recorder{}
	c := newTestClient(t, rec, tally.NoopScope)
	require.NoError(t, c.Connect(context.Background(), desc))
	ctx := context.Background()

	t.Run("stream output precedes the completion response", func(t *testing.T) {
		require.NoError(t, c.Execute(ctx, `fmt.Println(greeting)`))
		result := c.Complete(ctx, "fo", 2)
		require.NotNil(t, result)

		assert.Equal(t, "hi there\n", stdout(rec.Chunks()))
		assert.Equal(t, []string{"foo", "foobar"}, result.Matches)
		assert.Equal(t, 0, result.CursorStart)
		assert.Equal(t, 2, result.CursorEnd)
	})

	t.Run("a failing command leaves the session usable", func(t *testing.T) {
		require.NoError(t, c.Execute(ctx, `undefinedName + 1`))
		require.NoError(t, c.Execute(ctx, `panic("boom")`))
		require.NoError(t, c.Execute(ctx, `foo = foo + 1; fmt.Println(foo)`))
		require.NotNil(t, c.Complete(ctx, "", 0))

		assert.NotEmpty(t, stderr(rec.Chunks()))
		assert.Contains(t, stderr(rec.Chunks()), "boom")
		assert.True(t, strings.HasSuffix(stdout(rec.Chunks()), "5\n"))
		assert.True(t, c.IsConnected())
	})

	t.Run("binary display payloads survive the round trip", func(t *testing.T) {
		require.NoError(t, c.Execute(ctx, `bridge.Image([]byte{0x89, 0x50, 0x4E, 0x47}, "png")`))
		require.NotNil(t, c.Complete(ctx, "", 0))

		displays := rec.Displays()
		require.Len(t, displays, 1)
		assert.Equal(t, []string{"data"}, displays[0].DecodeBytes)
		assert.Equal(t, "iVBORw==", displays[0].Args.Keyword["data"])

		obj, err := display.NewDefaultRegistry().Construct(displays[0])
		require.NoError(t, err)
		assert.Equal(t, &display.Image{Data: []byte{0x89, 0x50, 0x4E, 0x47}, Format: "png"}, obj)
	})

	assert.Equal(t, 5, c.ExecutionCount())
}

func TestEndToEndReconnect(t *testing.T) {
	app, desc := startBackend(t)
	defer app.RequireStop()

	rec := &recorder{}
	c := newTestClient(t, rec, tally.NoopScope)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, desc))
	require.NoError(t, c.Execute(ctx, `kept := "still here"`))
	require.NoError(t, c.Disconnect())
	assert.Equal(t, 1, rec.Disconnects())

	// The backend accepts a new front-end once the previous one is gone, with the namespace intact.
	assert.Eventually(t, func() bool {
		return c.Connect(ctx, desc) == nil
	}, _waitFor, 20*time.Millisecond)
	require.NoError(t, c.Execute(ctx, `fmt.Println(kept)`))
	require.NotNil(t, c.Complete(ctx, "", 0))
	assert.Equal(t, "still here\n", stdout(rec.Chunks()))
}

func TestEndToEndBackendStop(t *testing.T) {
	app, desc := startBackend(t)

	rec := &recorder{}
	c := newTestClient(t, rec, tally.NoopScope)
	require.NoError(t, c.Connect(context.Background(), desc))

	app.RequireStop()

	assert.Eventually(t, func() bool { return !c.IsConnected() }, _waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return rec.Disconnects() == 1 }, _waitFor, 10*time.Millisecond)
	assert.Never(t, func() bool { return rec.Disconnects() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}
