package services

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gamebattle-orchestrator/bridge"
	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/sandbox"
	"gamebattle-orchestrator/store"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// snake echoes input lines and wins on "quit".
func snake(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
	_, _ = io.WriteString(stdout, "snake ready\n")
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return 1
			}
			if line == "quit" {
				_, _ = io.WriteString(stdout, "you win\n")
				return 0
			}
			_, _ = io.WriteString(stdout, line+"\n")
		case <-ctx.Done():
			return 143
		}
	}
}

func idle(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
	<-ctx.Done()
	return 143
}

func exitWith(code int) sandbox.Program {
	return func(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
		_, _ = io.WriteString(stdout, "game over\n")
		return code
	}
}

var testGames = []models.GameArtifact{
	{ID: "snake", Name: "Snake", Author: "team-snake"},
	{ID: "idle", Name: "Idle"},
	{ID: "loser", Name: "Loser"},
	{ID: "crasher", Name: "Crasher"},
}

// flakyStore fails Set on keys under a prefix while one is configured.
type flakyStore struct {
	store.Store
	mu     sync.Mutex
	prefix string
}

func (f *flakyStore) failWrites(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix = prefix
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	failing := f.prefix != "" && strings.HasPrefix(key, f.prefix)
	f.mu.Unlock()
	if failing {
		return store.ErrUnavailable
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func testRetry() store.RetryPolicy {
	return store.RetryPolicy{MaxTries: 2, MaxElapsed: 200 * time.Millisecond, InitialInterval: 10 * time.Millisecond}
}

type harness struct {
	svc     *SessionService
	store   *store.MemoryStore
	flaky   *flakyStore
	games   *CatalogService
	archive *MemoryArchive
	comp    *CompetitionService
	hook    *hookRecorder
}

type harnessOptions struct {
	session     func(*SessionConfig)
	competition bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	rt := sandbox.NewPipeRuntime()
	rt.Register("snake", snake)
	rt.Register("idle", idle)
	rt.Register("loser", exitWith(1))
	rt.Register("crasher", exitWith(139))

	games := NewCatalogService(testGames...)
	controller := sandbox.NewController(rt, games, sandbox.Options{
		MaxLive:       16,
		StopGrace:     100 * time.Millisecond,
		LaunchTimeout: time.Second,
		KillWait:      200 * time.Millisecond,
	}, quietLogger())

	cfg := SessionConfig{
		InstanceID:         "test-1",
		MaxSessionsPerUser: 1,
		Limits:             sandbox.Limits{MaxLifetime: 5 * time.Second},
		StopGrace:          100 * time.Millisecond,
		Retention:          time.Minute,
		LockLease:          time.Second,
		OwnerLease:         10 * time.Second,
		Retry:              testRetry(),
		Bridge: bridge.Config{
			ReplayBytes:  4096,
			DropAfter:    50 * time.Millisecond,
			InputQueue:   16,
			DrainTimeout: 500 * time.Millisecond,
		},
	}
	if opts.session != nil {
		opts.session(&cfg)
	}

	h := &harness{store: store.NewMemoryStore(), games: games, archive: NewMemoryArchive(), hook: newHookRecorder(t)}
	h.flaky = &flakyStore{Store: h.store}
	notifier := NewWebhookNotifier(h.hook.srv.URL, "score", nil, 1, quietLogger())
	h.comp = NewCompetitionService(CompetitionConfig{
		Enabled:   opts.competition,
		LockLease: time.Second,
		Retry:     testRetry(),
	}, h.flaky, NewScoringRegistry(games), h.archive, notifier, quietLogger())
	h.svc = NewSessionService(cfg, controller, games, h.flaky, h.comp, h.archive, quietLogger())

	t.Cleanup(func() {
		h.store.SetUnavailable(false)
		h.flaky.failWrites("")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
		notifier.Wait()
	})
	return h
}

func user(id string) models.Identity  { return models.Identity{UserID: id} }
func admin(id string) models.Identity { return models.Identity{UserID: id, IsAdmin: true} }

func (h *harness) create(t *testing.T, who models.Identity, gameID string) models.Session {
	t.Helper()
	rec, err := h.svc.CreateOrAttach(context.Background(), who, gameID)
	if err != nil {
		t.Fatalf("create %s for %s: %v", gameID, who.UserID, err)
	}
	return rec
}

// terminated waits for a session to reach its terminal state.
func (h *harness) terminated(t *testing.T, id string) models.Session {
	t.Helper()
	var rec models.Session
	waitFor(t, func() bool {
		s, err := h.svc.Get(context.Background(), admin("root"), id)
		if err != nil {
			return false
		}
		rec = s
		return s.State == models.SessionTerminated
	})
	// the supervisor settles the store after publishing the local state
	h.svc.mu.Lock()
	ls := h.svc.sessions[id]
	h.svc.mu.Unlock()
	if ls != nil {
		select {
		case <-ls.done:
		case <-time.After(5 * time.Second):
			t.Fatal("session never settled")
		}
	}
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type testConn struct {
	in     chan bridge.Frame
	out    chan bridge.Frame
	closed chan struct{}
	once   sync.Once
}

func newTestConn() *testConn {
	return &testConn{
		in:     make(chan bridge.Frame, 16),
		out:    make(chan bridge.Frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *testConn) ReadFrame() (bridge.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return bridge.Frame{}, io.EOF
	}
}

func (c *testConn) WriteFrame(f bridge.Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *testConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *testConn) send(line string) {
	c.in <- bridge.Frame{Type: bridge.FrameStdin, Data: []byte(line)}
}

// readUntil collects stdout text until it contains want, returning the last
// frame seen.
func (c *testConn) readUntil(t *testing.T, stop func(bridge.Frame, string) bool) (string, bridge.Frame) {
	t.Helper()
	var text string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-c.out:
			if f.Type == bridge.FrameStdout {
				text += string(f.Data)
			}
			if stop(f, text) {
				return text, f
			}
		case <-timeout:
			t.Fatalf("timed out, output so far %q", text)
		}
	}
}

func (h *harness) attach(t *testing.T, who models.Identity, id string, offset uint64) (*testConn, chan error) {
	t.Helper()
	conn := newTestConn()
	done := make(chan error, 1)
	go func() { done <- h.svc.Attach(context.Background(), who, id, conn, offset) }()
	return conn, done
}

type hookRecorder struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies []json.RawMessage
}

func newHookRecorder(t *testing.T) *hookRecorder {
	r := &hookRecorder{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *hookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *hookRecorder) scoreEvents(t *testing.T) []ScoreEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScoreEvent, 0, len(r.bodies))
	for _, b := range r.bodies {
		var ev ScoreEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatalf("decode webhook body %s: %v", b, err)
		}
		out = append(out, ev)
	}
	return out
}
