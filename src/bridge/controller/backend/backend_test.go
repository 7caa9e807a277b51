package backend

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/idl/mock/jsonrpc2mock"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/gateway/frontend/frontendmock"
	bridgeerrors "github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"github.com/uber/bridge-kernel/src/bridge/internal/serverinfofile/serverinfofilemock"
	"github.com/uber/bridge-kernel/src/bridge/mapper"
	"github.com/uber/bridge-kernel/src/bridge/repository/session"
	"github.com/uber/bridge-kernel/src/bridge/repository/session/repositorymock"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const _startup = `greeting := "hi there"
foo := 4`

type testEnv struct {
	c        *controller
	lc       *fxtest.Lifecycle
	gateway  *frontendmock.MockGateway
	info     *serverinfofilemock.MockServerInfoFile
	sessions session.Repository
	scope    tally.TestScope
	logs     *observer.ObservedLogs
	stdout   *lockedBuffer
	stderr   *lockedBuffer
}

// lockedBuffer collects stream output written concurrently by every rank.
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

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func newTestEnv(t *testing.T, workers int) *testEnv {
	ctrl := gomock.NewController(t)
	core, logs := observer.New(zap.InfoLevel)

	env := &testEnv{
		lc:      fxtest.NewLifecycle(t),
		gateway: frontendmock.NewMockGateway(ctrl),
		info:    serverinfofilemock.NewMockServerInfoFile(ctrl),
		scope:   tally.NewTestScope("testing", nil),
		logs:    logs,
		stdout:  &lockedBuffer{},
		stderr:  &lockedBuffer{},
	}
	env.sessions = session.New(env.scope)

	env.gateway.EXPECT().GetStreamWriter(gomock.Any(), entity.StreamStdout).Return(env.stdout, nil).AnyTimes()
	env.gateway.EXPECT().GetStreamWriter(gomock.Any(), entity.StreamStderr).Return(env.stderr, nil).AnyTimes()

	cfg, err := config.NewStaticProvider(map[string]interface{}{
		"backend": map[string]interface{}{
			"workers": workers,
			"startup": _startup,
		},
	})
	require.NoError(t, err)

	c, err := New(Params{
		Lifecycle:      env.lc,
		Sessions:       env.sessions,
		Gateway:        env.gateway,
		ServerInfoFile: env.info,
		Logger:         zap.New(core).Sugar(),
		Config:         cfg,
		Stats:          env.scope,
	})
	require.NoError(t, err)
	env.c = c.(*controller)
	return env
}

// connect registers a session the way the connection manager does and returns its context.
func (e *testEnv) connect(t *testing.T) context.Context {
	e.gateway.EXPECT().RegisterClient(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	id, err := e.c.InitSession(context.Background(), nil)
	require.NoError(t, err)
	return mapper.SessionUUIDToContext(context.Background(), id)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend interface{}
		wantErr bool
	}{
		{
			name:    "defaults",
			backend: map[string]interface{}{},
		},
		{
			name:    "startup code fails",
			backend: map[string]interface{}{"startup": "this is not go"},
			wantErr: true,
		},
		{
			name:    "backend block is not a mapping",
			backend: "nope",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.NewStaticProvider(map[string]interface{}{"backend": tt.backend})
			require.NoError(t, err)

			c, err := New(Params{
				Lifecycle: fxtest.NewLifecycle(t),
				Logger:    zap.NewNop().Sugar(),
				Config:    cfg,
				Stats:     tally.NoopScope,
			})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, entity.ProtocolVersion, c.(*controller).protocol)
			assert.Len(t, c.(*controller).workers, 1)
		})
	}
}

func TestHandshake(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := env.connect(t)
	id, err := mapper.ContextToSessionUUID(ctx)
	require.NoError(t, err)

	t.Run("matching protocol", func(t *testing.T) {
		desc := entity.BackendDescriptor{ID: "backend-a", Address: "127.0.0.1:5000", Protocol: entity.ProtocolVersion}
		env.info.EXPECT().Descriptor().Return(desc)

		result, err := env.c.Handshake(ctx, &entity.HandshakeParams{Protocol: entity.ProtocolVersion, ClientName: "console"})
		require.NoError(t, err)
		assert.Equal(t, desc, result.Descriptor)
		assert.Equal(t, id, result.SessionUUID)

		s, err := env.sessions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "console", s.ClientName)
	})

	t.Run("protocol mismatch", func(t *testing.T) {
		_, err := env.c.Handshake(ctx, &entity.HandshakeParams{Protocol: "0"})
		assert.ErrorIs(t, err, bridgeerrors.ErrProtocolMismatch)
	})

	t.Run("no session", func(t *testing.T) {
		_, err := env.c.Handshake(context.Background(), &entity.HandshakeParams{Protocol: entity.ProtocolVersion})
		assert.Error(t, err)
	})

	assert.Equal(t, int64(3), env.scope.Snapshot().Counters()["testing.commands+kind=handshake"].Value())
}

func TestExecute(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := env.connect(t)

	t.Run("startup code is visible", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `fmt.Println(greeting, foo)`}))
		assert.Equal(t, "hi there 4\n", env.stdout.String())
		env.stdout.Reset()
	})

	t.Run("state persists across commands", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `x := 41`}))
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `fmt.Println(x + 1)`}))
		assert.Equal(t, "42\n", env.stdout.String())
		env.stdout.Reset()
	})

	t.Run("errors are reported on stderr", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `fmt.Println(notDefined)`}))
		assert.Contains(t, env.stderr.String(), "undefined")
		assert.Empty(t, env.stdout.String())
		env.stderr.Reset()
	})

	t.Run("panics are reported on stderr", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `panic("boom")`}))
		assert.Contains(t, env.stderr.String(), "boom")
		env.stderr.Reset()
	})

	t.Run("namespace survives faults", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `fmt.Println(x)`}))
		assert.Equal(t, "41\n", env.stdout.String())
		env.stdout.Reset()
	})

	s, err := env.sessions.GetFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, s.ExecutionCount)

	snapshot := env.scope.Snapshot()
	assert.Equal(t, int64(6), snapshot.Counters()["testing.commands+kind=execute"].Value())
	assert.Equal(t, int64(2), snapshot.Counters()["testing.execution_errors+"].Value())
}

func TestExecuteWithoutSession(t *testing.T) {
	env := newTestEnv(t, 1)

	err := env.c.Execute(context.Background(), &entity.ExecuteParams{Code: `x := 1`})
	assert.Error(t, err)

	err = env.c.Execute(mapper.SessionUUIDToContext(context.Background(), uuid.Must(uuid.NewV4())), &entity.ExecuteParams{Code: `x := 1`})
	_, ok := bridgeerrors.StaleSession(err)
	assert.True(t, ok)
	assert.ErrorIs(t, err, bridgeerrors.ErrNoSession)
}

func TestExecuteImage(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := env.connect(t)

	var got *entity.DisplayRequest
	env.gateway.EXPECT().Display(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, req *entity.DisplayRequest) error {
		got = req
		return nil
	})

	require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `bridge.Image([]byte{0x89, 0x50, 0x4E, 0x47}, "png")`}))
	assert.Empty(t, env.stderr.String())
	require.NotNil(t, got)
	assert.Equal(t, "bridge", got.Module)
	assert.Equal(t, "image", got.Attr)
	assert.Equal(t, []string{"data"}, got.DecodeBytes)
	assert.Equal(t, "iVBORw==", got.Args.Keyword["data"])
	assert.Equal(t, "png", got.Args.Keyword["format"])
}

func TestExecuteDisplayError(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := env.connect(t)

	env.gateway.EXPECT().Display(gomock.Any(), gomock.Any()).Return(errors.New("connection closed"))

	require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `if err := bridge.Markdown("# hi"); err != nil { fmt.Println("failed:", err) }`}))
	assert.Equal(t, "failed: connection closed\n", env.stdout.String())
}

func TestComplete(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := env.connect(t)
	require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `foobar := 1`}))

	tests := []struct {
		name   string
		params entity.CompleteParams
		want   entity.CompletionResult
	}{
		{
			name:   "globals",
			params: entity.CompleteParams{Code: "fo", CursorPos: 2},
			want:   entity.CompletionResult{Matches: []string{"foo", "foobar"}, CursorStart: 0, CursorEnd: 2},
		},
		{
			name:   "injected package members",
			params: entity.CompleteParams{Code: "x := bridge.Ra", CursorPos: 14},
			want:   entity.CompletionResult{Matches: []string{"bridge.Rank"}, CursorStart: 5, CursorEnd: 14},
		},
		{
			name:   "nothing at cursor",
			params: entity.CompleteParams{Code: "foo ", CursorPos: 4},
			want:   entity.CompletionResult{Matches: []string{}, CursorStart: 4, CursorEnd: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.c.Complete(ctx, &tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestMultipleWorkers(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := env.connect(t)
	env.gateway.EXPECT().Disconnect(gomock.Any()).Return(nil)
	env.lc.RequireStart()

	t.Run("print from every rank", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `bridge.PrintAll("hello from", bridge.Rank())`}))
		assert.Equal(t, "hello from 0\nhello from 1\nhello from 2\n", env.stdout.String())
		env.stdout.Reset()
	})

	t.Run("reduce across ranks", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `sum, _ := bridge.AllReduceSum(float64(bridge.Rank() + 1))
if bridge.Rank() == 0 {
	fmt.Println(sum, bridge.Size())
}`}))
		assert.Equal(t, "6 3\n", env.stdout.String())
		env.stdout.Reset()
	})

	t.Run("every rank streams to the front-end", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `fmt.Println("rank", bridge.Rank())`}))
		lines := strings.Split(strings.TrimSuffix(env.stdout.String(), "\n"), "\n")
		assert.ElementsMatch(t, []string{"rank 0", "rank 1", "rank 2"}, lines)
		env.stdout.Reset()
	})

	t.Run("a follower panic reaches stderr", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `if bridge.Rank() == 2 {
	panic("only two")
}`}))
		assert.Empty(t, env.stdout.String())
		assert.Contains(t, env.stderr.String(), "panic: only two")
		env.stderr.Reset()
	})

	t.Run("session survives a follower failure", func(t *testing.T) {
		require.NoError(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `bridge.PrintAll("ok", bridge.Rank())`}))
		assert.Equal(t, "ok 0\nok 1\nok 2\n", env.stdout.String())
		env.stdout.Reset()
	})

	env.lc.RequireStop()
}

func TestReportMalformed(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := env.connect(t)

	env.gateway.EXPECT().Stream(ctx, &entity.StreamChunk{
		Name: entity.StreamStderr,
		Text: "protocol error: malformed execute command: parse error: missing params\n",
	}).Return(nil)

	assert.NoError(t, env.c.ReportMalformed(ctx, entity.CommandExecute, errors.New("parse error: missing params")))
	assert.Equal(t, int64(1), env.scope.Snapshot().Counters()["testing.commands+kind=execute"].Value())
}

func TestDisconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, 1)

	conn := jsonrpc2mock.NewMockConn(ctrl)
	env.gateway.EXPECT().RegisterClient(gomock.Any(), gomock.Any(), conn).Return(nil)
	id, err := env.c.InitSession(context.Background(), conn)
	require.NoError(t, err)
	ctx := mapper.SessionUUIDToContext(context.Background(), id)

	conn.EXPECT().Close().Return(nil)
	assert.NoError(t, env.c.Disconnect(ctx))

	assert.Error(t, env.c.Disconnect(context.Background()))
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := env.connect(t)
	id, err := mapper.ContextToSessionUUID(ctx)
	require.NoError(t, err)

	active, err := env.sessions.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, active.UUID)

	env.gateway.EXPECT().DeregisterClient(gomock.Any(), id).Return(errors.New("already gone"))
	assert.NoError(t, env.c.EndSession(ctx, id))

	_, err = env.sessions.Active(ctx)
	assert.ErrorIs(t, err, bridgeerrors.ErrNoSession)
}

func TestInitSessionBusy(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, 1)
	sessions := repositorymock.NewMockRepository(ctrl)
	env.c.sessions = sessions

	env.gateway.EXPECT().RegisterClient(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	sessions.EXPECT().Set(gomock.Any(), gomock.Any()).Return(bridgeerrors.ErrBackendBusy)
	env.gateway.EXPECT().DeregisterClient(gomock.Any(), gomock.Any()).Return(nil)

	id, err := env.c.InitSession(context.Background(), nil)
	assert.ErrorIs(t, err, bridgeerrors.ErrBackendBusy)
	assert.Equal(t, uuid.Nil, id)
}

func TestClose(t *testing.T) {
	t.Run("announces disconnect to the active session once", func(t *testing.T) {
		env := newTestEnv(t, 2)
		env.connect(t)
		env.gateway.EXPECT().Disconnect(gomock.Any()).Return(errors.New("broken pipe"))
		env.lc.RequireStart()

		assert.NoError(t, env.c.Close(context.Background()))
		assert.NoError(t, env.c.Close(context.Background()))
		env.lc.RequireStop()
	})

	t.Run("commands fail after close", func(t *testing.T) {
		env := newTestEnv(t, 2)
		ctx := env.connect(t)
		env.gateway.EXPECT().Disconnect(gomock.Any()).Return(nil)
		env.lc.RequireStart()
		env.lc.RequireStop()

		assert.Error(t, env.c.Execute(ctx, &entity.ExecuteParams{Code: `x := 1`}))
	})
}

func TestFollowerStreamWithoutFrontEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := frontendmock.NewMockGateway(ctrl)
	core, logs := observer.New(zap.InfoLevel)
	c := &controller{gateway: gateway, logger: zap.New(core).Sugar()}

	ctx := mapper.SessionUUIDToContext(context.Background(), uuid.Must(uuid.NewV4()))
	gateway.EXPECT().GetStreamWriter(ctx, entity.StreamStderr).Return(nil, errors.New("client not found"))

	w := c.followerStream(ctx, 1, entity.StreamStderr)
	_, err := w.Write([]byte("late output\n"))
	require.NoError(t, err)

	entries := logs.FilterMessage("worker output").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "late output\n", entries[0].ContextMap()["text"])
	assert.Equal(t, int64(1), entries[0].ContextMap()["rank"])
}

func TestFollowInvalidRank(t *testing.T) {
	env := newTestEnv(t, 2)
	assert.Error(t, env.c.Follow(context.Background(), 0))
	assert.Error(t, env.c.Follow(context.Background(), 2))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
