package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gamebattle-orchestrator/bridge"
	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/sandbox"
	"gamebattle-orchestrator/store"
)

func TestCreateStartsRunningSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.create(t, user("alice"), "snake")

	if rec.State != models.SessionRunning {
		t.Fatalf("expected running, got %s", rec.State)
	}
	if rec.SandboxID == "" || rec.InstanceID != "test-1" {
		t.Fatalf("expected sandbox and instance to be recorded, got %+v", rec)
	}

	raw, err := h.store.Get(context.Background(), activeKey("alice"))
	if err != nil {
		t.Fatalf("active set: %v", err)
	}
	var ids []string
	_ = json.Unmarshal(raw, &ids)
	if len(ids) != 1 || ids[0] != rec.ID {
		t.Fatalf("expected active set [%s], got %v", rec.ID, ids)
	}
	if owner, err := h.store.Get(context.Background(), ownerKey(rec.ID)); err != nil || string(owner) != "test-1" {
		t.Fatalf("expected owner lease for test-1, got %q (%v)", owner, err)
	}
}

func TestCreateUnknownGameLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.svc.CreateOrAttach(context.Background(), user("alice"), "tetris")
	if !errors.Is(err, sandbox.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
	if _, err := h.store.Get(context.Background(), activeKey("alice")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no reservation, got %v", err)
	}
	if h.svc.Live() != 0 {
		t.Fatal("no session should be live")
	}
}

func TestConcurrentCreatesRespectLimit(t *testing.T) {
	const limit = 2
	h := newHarness(t, harnessOptions{session: func(c *SessionConfig) { c.MaxSessionsPerUser = limit }})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  []string
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.svc.CreateOrAttach(context.Background(), user("bob"), "idle")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created = append(created, rec.ID)
			case errors.Is(err, ErrConcurrencyLimitExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(created) != limit || rejected != 10-limit {
		t.Fatalf("expected %d created and %d rejected, got %d and %d", limit, 10-limit, len(created), rejected)
	}
	list, err := h.svc.ListActive(context.Background(), user("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != limit {
		t.Fatalf("expected %d live sessions, got %d", limit, len(list))
	}
}

func TestTerminateFreesSlot(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.create(t, user("alice"), "idle")

	if _, err := h.svc.CreateOrAttach(context.Background(), user("alice"), "snake"); !errors.Is(err, ErrConcurrencyLimitExceeded) {
		t.Fatalf("expected limit, got %v", err)
	}
	if err := h.svc.Terminate(context.Background(), user("alice"), first.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	h.create(t, user("alice"), "snake")

	// terminating again is a no-op
	if err := h.svc.Terminate(context.Background(), user("alice"), first.ID); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestTerminateByNonOwnerIsForbidden(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.create(t, user("dave"), "idle")

	err := h.svc.Terminate(context.Background(), user("carol"), rec.ID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, err := h.svc.Get(context.Background(), user("dave"), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.SessionRunning {
		t.Fatalf("state must be unchanged, got %s", got.State)
	}
	if err := h.svc.Terminate(context.Background(), user("carol"), "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestAdminForceTerminate(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.create(t, user("dave"), "idle")
	conn, done := h.attach(t, user("dave"), rec.ID, 0)

	if err := h.svc.Terminate(context.Background(), admin("root"), rec.ID); err != nil {
		t.Fatalf("admin terminate: %v", err)
	}
	_, bye := conn.readUntil(t, func(f bridge.Frame, _ string) bool { return f.Type == bridge.FrameBye })
	if bye.Reason != "admin" {
		t.Fatalf("expected admin bye, got %+v", bye)
	}
	<-done

	out, err := h.svc.Outcome(context.Background(), user("dave"), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeKilled || out.Reason != models.KillAdmin {
		t.Fatalf("expected killed by admin, got %+v", out)
	}
}

func TestListActiveVisibility(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	a := h.create(t, user("alice"), "idle")
	b := h.create(t, user("bob"), "idle")

	mine, _ := h.svc.ListActive(context.Background(), user("alice"))
	if len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("alice should only see her session, got %+v", mine)
	}
	all, _ := h.svc.ListActive(context.Background(), admin("root"))
	if len(all) != 2 {
		t.Fatalf("admin should see both, got %+v", all)
	}
	if _, err := h.svc.Get(context.Background(), user("alice"), b.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden reading bob's session, got %v", err)
	}
}

func TestReconnectKeepsSandbox(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.create(t, user("alice"), "snake")

	first, done := h.attach(t, user("alice"), rec.ID, 0)
	first.send("hello\n")
	_, last := first.readUntil(t, func(_ bridge.Frame, text string) bool { return strings.Contains(text, "hello\n") })
	_ = first.Close()
	<-done

	second, _ := h.attach(t, user("alice"), rec.ID, 0)
	text, _ := second.readUntil(t, func(_ bridge.Frame, text string) bool { return strings.Contains(text, "hello\n") })
	if !strings.HasPrefix(text, "snake ready\n") {
		t.Fatalf("expected full replay, got %q", text)
	}
	second.send("again\n")
	_, f := second.readUntil(t, func(_ bridge.Frame, text string) bool { return strings.Contains(text, "again\n") })
	if f.Offset <= last.Offset {
		t.Fatalf("offsets must keep increasing across reconnects: %d then %d", last.Offset, f.Offset)
	}

	got, _ := h.svc.Get(context.Background(), user("alice"), rec.ID)
	if got.SandboxID != rec.SandboxID || got.State != models.SessionRunning {
		t.Fatalf("reconnect must keep the same sandbox, got %+v", got)
	}
}

func TestAttachRequiresOwnership(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.create(t, user("alice"), "snake")
	err := h.svc.Attach(context.Background(), user("mallory"), rec.ID, newTestConn(), 0)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestTerminationOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		game   string
		cfg    func(*SessionConfig)
		stop   func(h *harness, rec models.Session) error
		kind   models.OutcomeKind
		reason models.KillReason
		signal string
		code   int
	}{
		{name: "declared exit", game: "loser", kind: models.OutcomeExited, signal: "exit", code: 1},
		{name: "crash", game: "crasher", kind: models.OutcomeCrashed, signal: "crash", code: 139},
		{
			name:   "limit",
			game:   "idle",
			cfg:    func(c *SessionConfig) { c.Limits.MaxLifetime = 100 * time.Millisecond },
			kind:   models.OutcomeKilled,
			reason: models.KillLimit,
			signal: "limit",
			code:   143,
		},
		{
			name: "owner stop",
			game: "idle",
			stop: func(h *harness, rec models.Session) error {
				return h.svc.Terminate(context.Background(), user(rec.UserID), rec.ID)
			},
			kind:   models.OutcomeKilled,
			reason: models.KillOwner,
			signal: "stopped",
			code:   143,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{session: tc.cfg})
			rec := h.create(t, user("erin"), tc.game)
			conn, done := h.attach(t, user("erin"), rec.ID, 0)
			if tc.stop != nil {
				if err := tc.stop(h, rec); err != nil {
					t.Fatal(err)
				}
			}

			_, bye := conn.readUntil(t, func(f bridge.Frame, _ string) bool { return f.Type == bridge.FrameBye })
			if bye.Reason != tc.signal || bye.Code == nil || *bye.Code != tc.code {
				t.Fatalf("expected bye %s/%d, got %+v", tc.signal, tc.code, bye)
			}
			<-done

			final := h.terminated(t, rec.ID)
			out := final.Outcome
			if out == nil || out.Kind != tc.kind || out.Reason != tc.reason || out.Code != tc.code {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if tc.reason == models.KillLimit && !out.KilledByLimit {
				t.Fatal("limit outcome must be flagged")
			}

			// the slot, the owner lease and the live record are all released
			if _, err := h.store.Get(context.Background(), activeKey("erin")); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected empty active set, got %v", err)
			}
			if _, err := h.store.Get(context.Background(), ownerKey(rec.ID)); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected owner lease dropped, got %v", err)
			}
			if _, ok := h.archive.Session(rec.ID); !ok {
				t.Fatal("terminated session should be archived")
			}
			if h.svc.Live() != 0 {
				t.Fatal("no session should be live")
			}
		})
	}
}

func TestReapIdleStopsDetachedSessionsThenEvicts(t *testing.T) {
	h := newHarness(t, harnessOptions{session: func(c *SessionConfig) { c.IdleGrace = time.Minute }})
	rec := h.create(t, user("frank"), "idle")

	if stopped, _ := h.svc.ReapIdle(time.Now()); stopped != 0 {
		t.Fatal("session within grace must not be reaped")
	}
	if stopped, _ := h.svc.ReapIdle(time.Now().Add(2 * time.Minute)); stopped != 1 {
		t.Fatalf("expected idle session to be stopped, got %d", stopped)
	}
	final := h.terminated(t, rec.ID)
	if final.Outcome.Reason != models.KillIdle {
		t.Fatalf("expected idle reason, got %+v", final.Outcome)
	}

	if _, evicted := h.svc.ReapIdle(time.Now().Add(2 * time.Hour)); evicted != 1 {
		t.Fatalf("expected eviction after retention, got %d", evicted)
	}
	// still readable from the store until its TTL lapses
	if got, err := h.svc.Get(context.Background(), user("frank"), rec.ID); err != nil || got.State != models.SessionTerminated {
		t.Fatalf("expected retained record, got %+v (%v)", got, err)
	}
}

func TestStoreOutageRejectsCreateButKeepsRunningSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.create(t, user("gina"), "snake")
	conn, _ := h.attach(t, user("gina"), rec.ID, 0)

	h.store.SetUnavailable(true)
	_, err := h.svc.CreateOrAttach(context.Background(), user("hank"), "idle")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}

	conn.send("still here\n")
	conn.readUntil(t, func(_ bridge.Frame, text string) bool { return strings.Contains(text, "still here\n") })

	if err := h.svc.Terminate(context.Background(), user("gina"), rec.ID); err != nil {
		t.Fatalf("terminate during outage: %v", err)
	}
	got, err := h.svc.Get(context.Background(), user("gina"), rec.ID)
	if err != nil || got.State != models.SessionTerminated {
		t.Fatalf("expected local termination, got %+v (%v)", got, err)
	}

	list, err := h.svc.ListActive(context.Background(), user("gina"))
	if err != nil || len(list) != 0 {
		t.Fatalf("expected local listing without the session, got %+v (%v)", list, err)
	}

	// the store missed the termination; the slot frees once it is back
	h.store.SetUnavailable(false)
	again := h.create(t, user("gina"), "idle")
	if again.ID == rec.ID {
		t.Fatal("expected a new session")
	}
	stored, err := h.svc.readRecord(context.Background(), rec.ID)
	if err != nil || stored.State != models.SessionTerminated {
		t.Fatalf("expected the terminal record written after recovery, got %+v (%v)", stored, err)
	}
}

func TestFailedReservationLeavesNoSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	h.flaky.failWrites("owner:")
	if _, err := h.svc.CreateOrAttach(ctx, user("olga"), "idle"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	h.flaky.failWrites("")

	list, err := h.svc.ListActive(ctx, admin("root"))
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no sessions, got %+v (%v)", list, err)
	}
	if raw, _ := h.store.Scan(ctx, sessionPrefix); len(raw) != 0 {
		t.Fatalf("expected no session records, got %d", len(raw))
	}
	h.create(t, user("olga"), "idle")
}

func TestHeartbeatRewritesUnsyncedRecord(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	rec := h.create(t, user("pia"), "idle")

	// the running record was never written and the reservation expired
	_ = h.store.Delete(ctx, sessionKey(rec.ID))
	h.svc.mu.Lock()
	ls := h.svc.sessions[rec.ID]
	h.svc.mu.Unlock()
	ls.mu.Lock()
	ls.unsynced = true
	ls.mu.Unlock()

	if err := h.svc.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	stored, err := h.svc.readRecord(ctx, rec.ID)
	if err != nil || stored.State != models.SessionRunning {
		t.Fatalf("expected the running record rewritten, got %+v (%v)", stored, err)
	}
}

func TestOrphanedReservationIsReclaimed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	stale := models.Session{ID: "stale-1", UserID: "ivan", GameID: "idle", InstanceID: "gone", State: models.SessionRunning, StartedAt: time.Now().Add(-time.Hour)}
	raw, _ := json.Marshal(stale)
	_ = h.store.Set(ctx, sessionKey(stale.ID), raw, 0)
	ids, _ := json.Marshal([]string{stale.ID})
	_ = h.store.Set(ctx, activeKey("ivan"), ids, 0)

	h.create(t, user("ivan"), "idle")

	got, err := h.svc.Get(ctx, user("ivan"), stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.SessionTerminated || got.Outcome.Reason != models.KillOrphaned {
		t.Fatalf("expected orphaned close-out, got %+v", got)
	}
}

func TestSessionOnAnotherInstanceIsNotFoundLocally(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	remote := models.Session{ID: "remote-1", UserID: "judy", GameID: "idle", InstanceID: "other", State: models.SessionRunning, StartedAt: time.Now()}
	raw, _ := json.Marshal(remote)
	_ = h.store.Set(ctx, sessionKey(remote.ID), raw, 0)
	_ = h.store.Set(ctx, ownerKey(remote.ID), []byte("other"), time.Minute)

	if err := h.svc.Terminate(ctx, user("judy"), remote.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := h.svc.Attach(ctx, user("judy"), remote.ID, newTestConn(), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, _ := h.svc.ListActive(ctx, user("judy"))
	if len(list) != 1 || list[0].InstanceID != "other" {
		t.Fatalf("remote session should still be listed, got %+v", list)
	}
}

func TestRestartReplacesSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	old := h.create(t, user("kate"), "idle")

	fresh, err := h.svc.Restart(context.Background(), user("kate"), old.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if fresh.ID == old.ID || fresh.GameID != "idle" || fresh.State != models.SessionRunning {
		t.Fatalf("expected a fresh running session, got %+v", fresh)
	}
	out, err := h.svc.Outcome(context.Background(), user("kate"), old.ID)
	if err != nil || out.Reason != models.KillRestart {
		t.Fatalf("expected restart outcome, got %+v (%v)", out, err)
	}
}

func TestHeartbeatRenewsOwnerLease(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.create(t, user("leo"), "idle")
	_ = h.store.Delete(context.Background(), ownerKey(rec.ID))

	if err := h.svc.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if owner, err := h.store.Get(context.Background(), ownerKey(rec.ID)); err != nil || string(owner) != "test-1" {
		t.Fatalf("expected renewed lease, got %q (%v)", owner, err)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	a := h.create(t, user("mia"), "idle")
	b := h.create(t, user("ned"), "snake")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{a.ID, b.ID} {
		out, err := h.svc.Outcome(ctx, admin("root"), id)
		if err != nil || out.Reason != models.KillShutdown {
			t.Fatalf("expected shutdown outcome for %s, got %+v (%v)", id, out, err)
		}
	}
	if _, err := h.svc.CreateOrAttach(ctx, user("mia"), "idle"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
