package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embuer/embuer/internal/update"
	"github.com/embuer/embuer/internal/ws"
)

type gatedInstaller struct {
	gate chan struct{}
}

func (g *gatedInstaller) Preflight(ctx context.Context, src update.Source) error {
	if g.gate == nil {
		return nil
	}
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedInstaller) Open(ctx context.Context, src update.Source) (update.Package, error) {
	return testPackage{}, nil
}

type testPackage struct{}

func (testPackage) Version() string   { return "2.0" }
func (testPackage) Changelog() string { return "# 2.0\n\nfixes" }
func (testPackage) Close() error      { return nil }
func (testPackage) Apply(ctx context.Context, progress update.ProgressFunc) (string, error) {
	progress(100)
	return "2.0-abcd", nil
}

type testBoot struct{}

func (testBoot) BootDeployment() string    { return "1.0-aaaa" }
func (testBoot) CurrentDeployment() string { return "1.0-aaaa" }

type testEnv struct {
	svc         *update.Service
	broadcaster *ws.Broadcaster
	srv         *httptest.Server
	client      *Client
}

func newTestEnv(t *testing.T, inst update.Installer, autoInstall bool) *testEnv {
	t.Helper()
	svc := update.NewService(update.NewMachine(nil), inst, autoInstall)
	b := ws.NewBroadcaster(svc, 0)
	mux := http.NewServeMux()
	ws.NewServer(svc, testBoot{}, b).SetupRoutes(mux)
	srv := httptest.NewServer(mux)

	c, err := New("tcp://" + strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		b.Close()
		srv.Close()
		svc.Close()
	})
	return &testEnv{svc: svc, broadcaster: b, srv: srv, client: c}
}

func TestNewAddresses(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "unix", addr: "unix:///run/embuer/embuer.sock"},
		{name: "tcp", addr: "tcp://127.0.0.1:8080"},
		{name: "empty socket", addr: "unix://", wantErr: true},
		{name: "http scheme", addr: "http://localhost", wantErr: true},
		{name: "bare path", addr: "/run/embuer.sock", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.addr)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, InvalidArgument, KindOf(err))
				assert.Equal(t, ExitInvalidArgument, ExitCode(err))
				return
			}
			require.NoError(t, err)
			c.Close()
		})
	}
}

func TestStatusAndBootInfo(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)
	ctx := context.Background()

	st, err := env.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, update.Idle, st.Phase)
	assert.Equal(t, update.ProgressNA, st.Progress)

	info, err := env.client.BootInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0-aaaa", info.Deployment)
}

func TestErrorKinds(t *testing.T) {
	inst := &gatedInstaller{gate: make(chan struct{})}
	env := newTestEnv(t, inst, true)
	defer close(inst.gate)
	ctx := context.Background()

	msg, err := env.client.InstallFromFile(ctx, "/tmp/update.tar")
	require.NoError(t, err)
	assert.Contains(t, msg, "/tmp/update.tar")

	_, err = env.client.InstallFromURL(ctx, "http://example.com/update.tar")
	assert.Equal(t, Busy, KindOf(err))
	assert.Equal(t, ExitBusy, ExitCode(err))
	assert.ErrorIs(t, err, update.ErrBusy)

	_, err = env.client.InstallFromURL(ctx, "  ")
	assert.Equal(t, InvalidArgument, KindOf(err))
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))
	assert.ErrorIs(t, err, update.ErrInvalidArgument)

	_, err = env.client.PendingUpdate(ctx)
	assert.Equal(t, NoPendingUpdate, KindOf(err))
	assert.ErrorIs(t, err, update.ErrNoPendingUpdate)

	_, err = env.client.Confirm(ctx, true)
	assert.Equal(t, ExitNoPendingUpdate, ExitCode(err))
}

func TestConfirmationRoundTrip(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, false)
	ctx := context.Background()

	_, err := env.client.InstallFromFile(ctx, "/tmp/update.tar")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.svc.Status().Phase == update.AwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)

	p, err := env.client.PendingUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.0", p.Version)
	assert.Equal(t, "/tmp/update.tar", p.Source)

	msg, err := env.client.Confirm(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Update rejected", msg)
	assert.Equal(t, update.Idle, env.svc.Status().Phase)
}

func TestEncodingErrors(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)

	_, err := env.client.InstallFromFile(context.Background(), "/tmp/\xff.tar")
	assert.Equal(t, Encoding, KindOf(err))
	assert.Equal(t, ExitEncoding, ExitCode(err))
	assert.Equal(t, update.Idle, env.svc.Status().Phase)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{\"phase\":\"\xfe\"}"))
	}))
	defer bad.Close()

	c, err := New("tcp://" + strings.TrimPrefix(bad.URL, "http://"))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Status(context.Background())
	assert.Equal(t, Encoding, KindOf(err))
}

func TestServiceFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New("tcp://" + strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Status(context.Background())
	assert.Equal(t, ServiceFault, KindOf(err))
	assert.Equal(t, ExitServiceFault, ExitCode(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c, err := New("tcp://" + addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Status(context.Background())
	assert.Equal(t, Connection, KindOf(err))
	assert.Equal(t, ExitConnection, ExitCode(err))

	err = c.Watch(context.Background(), func(update.Status) {})
	assert.Equal(t, Connection, KindOf(err))
}

func TestCancelledContextIsRuntime(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.client.Status(ctx)
	assert.Equal(t, Runtime, KindOf(err))
	assert.Equal(t, ExitRuntime, ExitCode(err))
}

func TestUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "embuer")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	addr := "unix://" + filepath.Join(dir, "api.sock")

	svc := update.NewService(update.NewMachine(nil), &gatedInstaller{}, true)
	defer svc.Close()
	mux := http.NewServeMux()
	ws.NewServer(svc, testBoot{}, ws.NewBroadcaster(svc, 0)).SetupRoutes(mux)

	ln, err := ws.Listen(addr)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Serve(ctx, ln, mux) }()
	defer func() {
		cancel()
		<-done
	}()

	c, err := New(addr)
	require.NoError(t, err)
	defer c.Close()

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, update.Idle, st.Phase)
}

// collector gathers statuses delivered by Watch.
type collector struct {
	mu   sync.Mutex
	seen []update.Status
}

func (c *collector) add(st update.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, st)
}

func (c *collector) phases() []update.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]update.Phase, 0, len(c.seen))
	for _, st := range c.seen {
		out = append(out, st.Phase)
	}
	return out
}

func (c *collector) last() (update.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seen) == 0 {
		return update.Status{}, false
	}
	return c.seen[len(c.seen)-1], true
}

func startWatch(t *testing.T, ctx context.Context, c *Client, col *collector) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, col.add) }()
	require.Eventually(t, func() bool {
		_, ok := col.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return done
}

func TestWatchDeliversBaselineAndTransitions(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, false)
	ctx, cancel := context.WithCancel(context.Background())
	col := &collector{}
	done := startWatch(t, ctx, env.client, col)

	_, err := env.client.InstallFromFile(ctx, "/tmp/update.tar")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := col.last()
		return st.Phase == update.AwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := col.last()
	require.NotNil(t, st.Pending)
	assert.Equal(t, "2.0", st.Pending.Version)

	_, err = env.client.Confirm(ctx, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := col.last()
		return st.Phase == update.Completed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []update.Phase{
		update.Idle,
		update.Clearing,
		update.Installing,
		update.AwaitingConfirmation,
		update.Installing,
		update.Installing,
		update.Completed,
	}, col.phases())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestCloseEndsWatch(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)
	col := &collector{}
	done := startWatch(t, context.Background(), env.client, col)

	env.client.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchConnectionLost(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)
	col := &collector{}
	done := startWatch(t, context.Background(), env.client, col)

	env.broadcaster.Close()
	select {
	case err := <-done:
		assert.Equal(t, Connection, KindOf(err))
		assert.NotErrorIs(t, err, update.ErrWatcherTooSlow)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		tooSlow bool
	}{
		{
			name:    "evicted watcher",
			err:     &websocket.CloseError{Code: websocket.CloseTryAgainLater, Text: update.ErrWatcherTooSlow.Error()},
			tooSlow: true,
		},
		{
			name: "connection limit",
			err:  &websocket.CloseError{Code: websocket.CloseTryAgainLater, Text: ws.ErrTooManyConnections.Error()},
		},
		{
			name: "normal close",
			err:  &websocket.CloseError{Code: websocket.CloseNormalClosure},
		},
		{
			name: "reset",
			err:  errors.New("connection reset by peer"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := watchError(tt.err)
			assert.Equal(t, Connection, KindOf(err))
			assert.Equal(t, tt.tooSlow, errors.Is(err, update.ErrWatcherTooSlow))
		})
	}
}

func TestWatchWithRetryStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	col := &collector{}

	done := make(chan error, 1)
	go func() { done <- env.client.WatchWithRetry(ctx, col.add, nil) }()
	require.Eventually(t, func() bool {
		_, ok := col.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchWithRetryReconnects(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := &collector{}
	retries := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- env.client.WatchWithRetry(ctx, col.add, func(err error, _ time.Duration) {
			retries <- err
		})
	}()
	require.Eventually(t, func() bool {
		_, ok := col.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// Dropping every hub subscriber forces a reconnect.
	env.broadcaster.Close()

	select {
	case err := <-retries:
		assert.Equal(t, Connection, KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("no retry after connection loss")
	}
	cancel()
	<-done
}

func TestPoll(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	col := &collector{}

	done := make(chan error, 1)
	go func() { done <- env.client.Poll(ctx, 10*time.Millisecond, col.add) }()

	require.Eventually(t, func() bool {
		_, ok := col.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, col.phases(), 1, "unchanged status must be reported once")

	_, err := env.client.InstallFromFile(ctx, "/tmp/update.tar")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := col.last()
		return st.Phase == update.Completed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestEdgeDetector(t *testing.T) {
	awaiting := func(seq uint64) update.Status {
		return update.Status{Phase: update.AwaitingConfirmation, Seq: seq}
	}
	other := func(p update.Phase, seq uint64) update.Status {
		return update.Status{Phase: p, Seq: seq}
	}

	tests := []struct {
		name   string
		events []update.Status
		want   []bool
	}{
		{
			name:   "one episode",
			events: []update.Status{other(update.Installing, 3), awaiting(4), awaiting(4)},
			want:   []bool{false, true, false},
		},
		{
			name:   "baseline while awaiting",
			events: []update.Status{awaiting(7)},
			want:   []bool{true},
		},
		{
			name:   "two episodes",
			events: []update.Status{awaiting(4), other(update.Idle, 5), other(update.Clearing, 6), awaiting(8)},
			want:   []bool{true, false, false, true},
		},
		{
			name:   "back to back episodes",
			events: []update.Status{awaiting(4), awaiting(8), awaiting(8)},
			want:   []bool{true, true, false},
		},
		{
			name:   "service restart",
			events: []update.Status{awaiting(40), awaiting(4)},
			want:   []bool{true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d EdgeDetector
			var got []bool
			for _, ev := range tt.events {
				got = append(got, d.Observe(ev))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEdgeDetectorAcrossPolledEpisodes(t *testing.T) {
	env := newTestEnv(t, &gatedInstaller{}, false)
	ctx := context.Background()
	var d EdgeDetector

	awaitEpisode := func() update.Status {
		t.Helper()
		_, err := env.client.InstallFromFile(ctx, "/tmp/update.tar")
		require.NoError(t, err)
		var st update.Status
		require.Eventually(t, func() bool {
			st, err = env.client.Status(ctx)
			return err == nil && st.Phase == update.AwaitingConfirmation
		}, 2*time.Second, 5*time.Millisecond)
		return st
	}

	first := awaitEpisode()
	assert.True(t, d.Observe(first))
	assert.False(t, d.Observe(first))

	_, err := env.client.Confirm(ctx, false)
	require.NoError(t, err)
	second := awaitEpisode()
	assert.NotEqual(t, first.Seq, second.Seq)
	assert.True(t, d.Observe(second), "a new episode seen without an idle snapshot in between")
}

func TestMergeDone(t *testing.T) {
	t.Run("ends with other", func(t *testing.T) {
		other, cancel := context.WithCancel(context.Background())
		merged, release := mergeDone(context.Background(), other)
		defer release()

		cancel()
		select {
		case <-merged.Done():
		case <-time.After(time.Second):
			t.Fatal("merged context outlived other")
		}
	})

	t.Run("release detaches", func(t *testing.T) {
		other, cancel := context.WithCancel(context.Background())
		defer cancel()
		merged, release := mergeDone(context.Background(), other)

		release()
		assert.ErrorIs(t, merged.Err(), context.Canceled)
		assert.NoError(t, other.Err())
	})
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: Busy, Op: "install from url", Err: errors.New("an update is already in progress")}
	assert.Equal(t, "install from url: busy: an update is already in progress", err.Error())
	assert.Equal(t, "confirm: connection error", (&Error{Kind: Connection, Op: "confirm"}).Error())
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitRuntime, ExitCode(errors.New("other")))
}
