package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gamebattle-orchestrator/bridge"
	"gamebattle-orchestrator/config"
	"gamebattle-orchestrator/metrics"
	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/sandbox"
	"gamebattle-orchestrator/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type SessionConfig struct {
	InstanceID         string
	MaxSessionsPerUser int
	Limits             sandbox.Limits
	StopGrace          time.Duration
	// IdleGrace is how long a session may run with no client attached.
	IdleGrace time.Duration
	// Retention keeps terminated sessions visible for outcome reads.
	Retention time.Duration
	LockLease time.Duration
	// OwnerLease is the TTL of owner:<id>, renewed by Heartbeat.
	OwnerLease time.Duration
	Retry      store.RetryPolicy
	Bridge     bridge.Config
}

func SessionConfigFrom(cfg config.Config) SessionConfig {
	return SessionConfig{
		InstanceID:         cfg.InstanceID,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		Limits: sandbox.Limits{
			CPUFraction: cfg.SandboxCPUFraction,
			MemoryBytes: cfg.SandboxMemoryMB << 20,
			PidsLimit:   cfg.SandboxPidsLimit,
			MaxLifetime: cfg.SandboxMaxLifetime,
		},
		StopGrace:  cfg.SandboxStopGrace,
		IdleGrace:  cfg.ClientIdleGrace,
		Retention:  cfg.SessionRetention,
		LockLease:  cfg.LockLease,
		OwnerLease: 3 * cfg.ReaperInterval,
		Retry: store.RetryPolicy{
			MaxTries:   cfg.StoreRetryMaxTries,
			MaxElapsed: cfg.StoreRetryMaxElapsed,
		},
		Bridge: bridge.Config{
			ReplayBytes: cfg.BridgeReplayBytes,
			DropAfter:   cfg.BridgeDropAfter,
			InputQueue:  cfg.BridgeInputQueue,
		},
	}
}

// liveSession is a session held by this instance: its record plus the
// sandbox and bridge pair once started.
type liveSession struct {
	mu     sync.Mutex
	rec    models.Session
	reason models.KillReason
	handle *sandbox.Handle
	bridge *bridge.Bridge
	// unsynced is set while the running record could not be written; the
	// reservation record it replaces expires.
	unsynced bool

	ready chan struct{} // closed once running or failed to start
	done  chan struct{} // closed once terminated and settled
}

func (ls *liveSession) snapshot() models.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.rec
}

func (ls *liveSession) streams() (*sandbox.Handle, *bridge.Bridge) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.handle, ls.bridge
}

// SessionService is the session manager. It maps users and games to sandbox
// and bridge pairs, gates creation against the shared store, and drives each
// session to its terminal state exactly once.
type SessionService struct {
	cfg         SessionConfig
	controller  *sandbox.Controller
	games       sandbox.ArtifactResolver
	store       store.Store
	competition *CompetitionService
	archive     Archive
	log         logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*liveSession
	closing  atomic.Bool
}

// NewSessionService wires the manager. competition may be nil, in which
// case terminated sessions are never scored.
func NewSessionService(cfg SessionConfig, controller *sandbox.Controller, games sandbox.ArtifactResolver, st store.Store, competition *CompetitionService, archive Archive, log logrus.FieldLogger) *SessionService {
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 1
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 10 * time.Second
	}
	if cfg.OwnerLease <= 0 {
		cfg.OwnerLease = 45 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if !competition.Enabled() {
		competition = nil
	}
	if archive == nil {
		archive = NewMemoryArchive()
	}
	return &SessionService{
		cfg:         cfg,
		controller:  controller,
		games:       games,
		store:       st,
		competition: competition,
		archive:     archive,
		log:         log.WithField("component", "session.manager"),
		sessions:    make(map[string]*liveSession),
	}
}

func authorize(who models.Identity, rec models.Session) error {
	if who.IsAdmin || who.UserID == rec.UserID {
		return nil
	}
	return ErrForbidden
}

// CreateOrAttach starts a new session of gameID for the caller. Joining a
// session that is already running goes through Attach with its id.
func (s *SessionService) CreateOrAttach(ctx context.Context, who models.Identity, gameID string) (models.Session, error) {
	log := s.log.WithFields(logrus.Fields{"user_id": who.UserID, "game_id": gameID})
	if s.closing.Load() {
		return models.Session{}, ErrShuttingDown
	}
	if _, err := s.games.Resolve(gameID); err != nil {
		metrics.SessionsRejected.WithLabelValues("artifact").Inc()
		return models.Session{}, err
	}

	rec, err := s.reserve(ctx, who.UserID, gameID)
	if err != nil {
		switch {
		case errors.Is(err, ErrConcurrencyLimitExceeded):
			metrics.SessionsRejected.WithLabelValues("limit").Inc()
		default:
			metrics.SessionsRejected.WithLabelValues("store").Inc()
			log.WithError(err).Warn("Session reservation failed")
		}
		return models.Session{}, err
	}
	log = log.WithField("session_id", rec.ID)

	ls := &liveSession{rec: rec, ready: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.sessions[rec.ID] = ls
	s.mu.Unlock()

	h, err := s.controller.Start(ctx, gameID, s.cfg.Limits)
	if err == nil {
		var stdin io.WriteCloser
		var stdout io.ReadCloser
		if stdin, stdout, err = s.controller.AttachIO(h); err == nil {
			return s.run(ctx, ls, h, stdin, stdout), nil
		}
		s.controller.SignalStop(h, 0)
		<-h.Done()
	}

	switch {
	case errors.Is(err, sandbox.ErrQuotaExceeded):
		metrics.SessionsRejected.WithLabelValues("quota").Inc()
	case errors.Is(err, sandbox.ErrArtifactNotFound):
		metrics.SessionsRejected.WithLabelValues("artifact").Inc()
	default:
		metrics.SessionsRejected.WithLabelValues("launch").Inc()
	}
	s.mu.Lock()
	delete(s.sessions, rec.ID)
	s.mu.Unlock()
	close(ls.ready)
	close(ls.done)

	undoCtx, cancel := context.WithTimeout(context.Background(), s.settleTimeout())
	defer cancel()
	if uerr := s.unreserve(undoCtx, rec); uerr != nil {
		log.WithError(uerr).Warn("Could not undo session reservation")
	}
	return models.Session{}, err
}

// run moves a started session to running and hands it to its supervisor.
func (s *SessionService) run(ctx context.Context, ls *liveSession, h *sandbox.Handle, stdin io.WriteCloser, stdout io.ReadCloser) models.Session {
	rec := ls.snapshot()
	b := bridge.Open(bridge.Streams{
		Stdin:    stdin,
		Stdout:   stdout,
		OnResize: s.resizer(h),
	}, s.cfg.Bridge, s.log.WithFields(logrus.Fields{"component": "bridge", "session_id": rec.ID}))

	ls.mu.Lock()
	ls.handle = h
	ls.bridge = b
	ls.rec.SandboxID = h.ID
	ls.rec.LastActivity = time.Now()
	ls.rec.State = models.SessionRunning
	pending := ls.reason != ""
	if pending {
		ls.rec.State = models.SessionTerminating
	}
	rec = ls.rec
	ls.mu.Unlock()
	close(ls.ready)

	// written before the supervisor starts so a fast exit cannot be
	// overwritten by this record
	if err := s.writeRecord(ctx, rec, 0); err != nil {
		s.log.WithError(err).WithField("session_id", rec.ID).Warn("Could not record running session")
		ls.mu.Lock()
		ls.unsynced = true
		ls.mu.Unlock()
	}
	if pending {
		s.controller.SignalStop(h, s.cfg.StopGrace)
	}
	go s.supervise(ls)

	metrics.SessionsStarted.WithLabelValues(rec.GameID).Inc()
	s.log.WithFields(logrus.Fields{
		"session_id": rec.ID,
		"user_id":    rec.UserID,
		"game_id":    rec.GameID,
		"sandbox_id": h.ID,
	}).Info("Session running")
	return rec
}

func (s *SessionService) resizer(h *sandbox.Handle) func(rows, cols uint) {
	return func(rows, cols uint) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.controller.Resize(ctx, h, rows, cols); err != nil {
			s.log.WithError(err).WithField("sandbox_id", h.ID).Debug("Resize failed")
		}
	}
}

// reserve checks the user's live sessions against the limit and records the
// new session, all under the user's store lock.
func (s *SessionService) reserve(ctx context.Context, userID, gameID string) (models.Session, error) {
	lock, err := lockWithRetry(ctx, s.store, s.cfg.Retry, userLockKey(userID), s.cfg.LockLease)
	if err != nil {
		return models.Session{}, fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer release(lock, s.log)

	ids, raw, err := s.readActive(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	live := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		ok, err := s.stillLive(ctx, id)
		if err != nil {
			return models.Session{}, err
		}
		if ok {
			live = append(live, id)
		}
	}
	if len(live) >= s.cfg.MaxSessionsPerUser {
		return models.Session{}, ErrConcurrencyLimitExceeded
	}

	now := time.Now()
	rec := models.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		GameID:       gameID,
		InstanceID:   s.cfg.InstanceID,
		State:        models.SessionStarting,
		StartedAt:    now,
		LastActivity: now,
	}
	// expires unless run rewrites it, so a lost cleanup cannot leave a
	// starting session behind
	if err := s.writeRecord(ctx, rec, s.cfg.OwnerLease); err != nil {
		return models.Session{}, err
	}
	if err := s.claimOwner(ctx, rec.ID); err != nil {
		s.discard(rec)
		return models.Session{}, err
	}
	if err := s.swapActive(ctx, userID, raw, append(live, rec.ID)); err != nil {
		s.discard(rec)
		return models.Session{}, err
	}
	return rec, nil
}

// discard deletes a reservation that never made it into the user's active
// set.
func (s *SessionService) discard(rec models.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.settleTimeout())
	defer cancel()
	if err := s.dropRecord(ctx, rec.ID); err != nil {
		s.log.WithError(err).WithField("session_id", rec.ID).Warn("Could not discard session reservation")
	}
}

func (s *SessionService) dropRecord(ctx context.Context, id string) error {
	return errors.Join(
		retryStoreErr(ctx, s.cfg.Retry, "delete", func(ctx context.Context) error {
			return s.store.Delete(ctx, sessionKey(id))
		}),
		s.dropOwner(ctx, id),
	)
}

// stillLive reports whether an id in a user's active set still holds a
// sandbox. Records whose owner stopped renewing its lease are closed out as
// orphaned.
func (s *SessionService) stillLive(ctx context.Context, id string) (bool, error) {
	rec, err := s.readRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.State.Live() {
		return false, nil
	}
	if rec.InstanceID == s.cfg.InstanceID {
		s.mu.Lock()
		ls := s.sessions[id]
		s.mu.Unlock()
		if ls != nil {
			local := ls.snapshot()
			if local.State.Live() {
				return true, nil
			}
			// ended here while the store was unreachable
			return false, s.resettle(ctx, local)
		}
	} else {
		_, err := retryStore(ctx, s.cfg.Retry, "get", func(ctx context.Context) ([]byte, error) {
			return s.store.Get(ctx, ownerKey(id))
		})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	now := time.Now()
	rec.State = models.SessionTerminated
	rec.EndedAt = &now
	rec.Outcome = &models.ExitOutcome{
		Kind:     models.OutcomeKilled,
		Reason:   models.KillOrphaned,
		Result:   models.ResultIncomplete,
		Duration: now.Sub(rec.StartedAt),
	}
	if err := s.writeRecord(ctx, rec, s.cfg.Retention); err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"session_id": id, "instance_id": rec.InstanceID}).Warn("Closed out orphaned session")
	return false, nil
}

// resettle writes a locally terminated session's final record. The caller
// holds the user lock and drops the id from the active set itself.
func (s *SessionService) resettle(ctx context.Context, rec models.Session) error {
	err := errors.Join(
		s.writeRecord(ctx, rec, s.cfg.Retention),
		s.dropOwner(ctx, rec.ID),
	)
	if err == nil {
		s.log.WithField("session_id", rec.ID).Info("Recorded termination missed during store outage")
	}
	return err
}

// unreserve removes a session that never started.
func (s *SessionService) unreserve(ctx context.Context, rec models.Session) error {
	return errors.Join(
		s.removeActive(ctx, rec.UserID, rec.ID),
		s.dropRecord(ctx, rec.ID),
	)
}

// Attach connects conn to a session's bridge and blocks until the client
// leaves. Reattaching replays retained output from offset.
func (s *SessionService) Attach(ctx context.Context, who models.Identity, id string, conn bridge.ClientConn, offset uint64) error {
	ls, err := s.local(ctx, who, id)
	if err != nil {
		return err
	}
	select {
	case <-ls.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	_, b := ls.streams()
	if b == nil {
		return ErrNotFound
	}
	s.touch(ls)
	defer s.touch(ls)
	s.log.WithFields(logrus.Fields{"session_id": id, "user_id": who.UserID, "offset": offset}).Info("Client attached")
	return b.Attach(ctx, conn, offset)
}

// local returns a session held by this instance after the ownership check.
// Sessions held elsewhere, or already evicted, are not found.
func (s *SessionService) local(ctx context.Context, who models.Identity, id string) (*liveSession, error) {
	s.mu.Lock()
	ls := s.sessions[id]
	s.mu.Unlock()
	if ls == nil {
		rec, err := s.readRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := authorize(who, rec); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	if err := authorize(who, ls.snapshot()); err != nil {
		return nil, err
	}
	return ls, nil
}

func (s *SessionService) touch(ls *liveSession) {
	ls.mu.Lock()
	ls.rec.LastActivity = time.Now()
	ls.mu.Unlock()
}

// Terminate stops a session on behalf of its owner or an admin and waits for
// it to reach the terminated state. Terminating a terminated session is a
// no-op.
func (s *SessionService) Terminate(ctx context.Context, who models.Identity, id string) error {
	s.mu.Lock()
	ls := s.sessions[id]
	s.mu.Unlock()
	if ls == nil {
		rec, err := s.readRecord(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(who, rec); err != nil {
			return err
		}
		if !rec.State.Live() {
			return nil
		}
		// live on another instance
		return ErrNotFound
	}

	rec := ls.snapshot()
	if err := authorize(who, rec); err != nil {
		s.log.WithFields(logrus.Fields{"session_id": id, "user_id": who.UserID}).Warn("Terminate rejected: not the owner")
		return err
	}
	reason := models.KillOwner
	if who.UserID != rec.UserID {
		reason = models.KillAdmin
	}
	s.stop(ls, reason)
	select {
	case <-ls.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop marks the session terminating and signals its sandbox. Only the
// first reason sticks.
func (s *SessionService) stop(ls *liveSession, reason models.KillReason) {
	ls.mu.Lock()
	if ls.reason == "" && ls.rec.State.Live() {
		ls.reason = reason
		if ls.rec.State == models.SessionRunning {
			ls.rec.State = models.SessionTerminating
		}
	}
	h := ls.handle
	ls.mu.Unlock()
	if h != nil {
		s.controller.SignalStop(h, s.cfg.StopGrace)
	}
}

// supervise waits for the sandbox to exit and tears the session down: the
// bridge first, then store bookkeeping, then scoring.
func (s *SessionService) supervise(ls *liveSession) {
	defer close(ls.done)
	h, b := ls.streams()

	// bounded by the sandbox's lifetime ceiling
	exit, _ := s.controller.Wait(context.Background(), h)

	ls.mu.Lock()
	reason := ls.reason
	ls.mu.Unlock()
	outcome := classifyExit(exit, h.Artifact, reason)
	code := outcome.Code
	b.Close(bridge.End{Reason: outcome.EndSignal(), Code: &code})

	ls.mu.Lock()
	ended := exit.EndedAt
	ls.rec.State = models.SessionTerminated
	ls.rec.EndedAt = &ended
	ls.rec.Outcome = &outcome
	if last := b.LastInput(); last.After(ls.rec.LastActivity) {
		ls.rec.LastActivity = last
	}
	rec := ls.rec
	ls.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{
		"session_id": rec.ID,
		"user_id":    rec.UserID,
		"game_id":    rec.GameID,
		"outcome":    outcome.Kind,
		"code":       outcome.Code,
		"reason":     outcome.Reason,
	})
	metrics.SessionsTerminated.WithLabelValues(outcome.EndSignal()).Inc()
	log.Info("Session terminated")

	ctx, cancel := context.WithTimeout(context.Background(), s.settleTimeout())
	defer cancel()
	if err := s.settle(ctx, rec); err != nil {
		log.WithError(err).Error("State store unreachable, session terminated locally only")
	}
	if err := s.archive.SaveSession(ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to archive session")
	}
	if s.competition != nil && reason != models.KillRestart {
		if _, err := s.competition.OnSessionTerminated(ctx, rec, outcome); err != nil {
			log.WithError(err).Error("Scoring failed")
		}
	}
}

func (s *SessionService) settleTimeout() time.Duration {
	d := 3*s.cfg.Retry.MaxElapsed + 2*s.cfg.LockLease
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// settle records the terminal state and frees the user's slot.
func (s *SessionService) settle(ctx context.Context, rec models.Session) error {
	return errors.Join(
		s.writeRecord(ctx, rec, s.cfg.Retention),
		s.removeActive(ctx, rec.UserID, rec.ID),
		s.dropOwner(ctx, rec.ID),
	)
}

// ListActive returns the live sessions visible to who: all of them for an
// admin, their own otherwise. When the store is down only this instance's
// sessions are listed.
func (s *SessionService) ListActive(ctx context.Context, who models.Identity) ([]models.SessionSummary, error) {
	byID := make(map[string]models.SessionSummary)
	raw, err := retryStore(ctx, s.cfg.Retry, "scan", func(ctx context.Context) (map[string][]byte, error) {
		return s.store.Scan(ctx, sessionPrefix)
	})
	if err != nil {
		s.log.WithError(err).Warn("Listing from local sessions only")
	}
	for key, val := range raw {
		var rec models.Session
		if err := json.Unmarshal(val, &rec); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Skipping unreadable session record")
			continue
		}
		if rec.State.Live() && authorize(who, rec) == nil {
			byID[rec.ID] = rec.Summary()
		}
	}

	s.mu.Lock()
	locals := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		locals = append(locals, ls)
	}
	s.mu.Unlock()
	for _, ls := range locals {
		rec := ls.snapshot()
		if !rec.State.Live() || authorize(who, rec) != nil {
			delete(byID, rec.ID)
			continue
		}
		sum := rec.Summary()
		if _, b := ls.streams(); b != nil {
			sum.Attached = b.Attached()
		}
		byID[rec.ID] = sum
	}

	out := make([]models.SessionSummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns a session visible to who, live or retained.
func (s *SessionService) Get(ctx context.Context, who models.Identity, id string) (models.Session, error) {
	s.mu.Lock()
	ls := s.sessions[id]
	s.mu.Unlock()
	var rec models.Session
	if ls != nil {
		rec = ls.snapshot()
	} else {
		var err error
		if rec, err = s.readRecord(ctx, id); err != nil {
			return models.Session{}, err
		}
	}
	if err := authorize(who, rec); err != nil {
		return models.Session{}, err
	}
	return rec, nil
}

// Outcome returns how a terminated session ended.
func (s *SessionService) Outcome(ctx context.Context, who models.Identity, id string) (models.ExitOutcome, error) {
	rec, err := s.Get(ctx, who, id)
	if err != nil {
		return models.ExitOutcome{}, err
	}
	if rec.State != models.SessionTerminated || rec.Outcome == nil {
		return models.ExitOutcome{}, ErrSessionNotTerminated
	}
	return *rec.Outcome, nil
}

// Restart stops a session without scoring it and starts a fresh one of the
// same game for the same owner.
func (s *SessionService) Restart(ctx context.Context, who models.Identity, id string) (models.Session, error) {
	ls, err := s.local(ctx, who, id)
	if err != nil {
		return models.Session{}, err
	}
	rec := ls.snapshot()
	s.stop(ls, models.KillRestart)
	select {
	case <-ls.done:
	case <-ctx.Done():
		return models.Session{}, ctx.Err()
	}
	return s.CreateOrAttach(ctx, models.Identity{UserID: rec.UserID, IsAdmin: who.IsAdmin}, rec.GameID)
}

// Transcript returns the session's retained output. Only sessions held by
// this instance have one.
func (s *SessionService) Transcript(ctx context.Context, who models.Identity, id string) ([]byte, models.Session, error) {
	ls, err := s.local(ctx, who, id)
	if err != nil {
		return nil, models.Session{}, err
	}
	_, b := ls.streams()
	if b == nil {
		return nil, ls.snapshot(), nil
	}
	return b.Transcript(), ls.snapshot(), nil
}

// ReapIdle stops live sessions nobody has been attached to for the idle
// grace, and forgets terminated sessions past retention.
func (s *SessionService) ReapIdle(now time.Time) (stopped, evicted int) {
	s.mu.Lock()
	locals := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		locals = append(locals, ls)
	}
	s.mu.Unlock()

	for _, ls := range locals {
		rec := ls.snapshot()
		if rec.State == models.SessionRunning {
			_, b := ls.streams()
			if since, detached := b.DetachedSince(); detached && s.cfg.IdleGrace > 0 && now.Sub(since) >= s.cfg.IdleGrace {
				s.log.WithFields(logrus.Fields{"session_id": rec.ID, "detached_for": now.Sub(since).Round(time.Second)}).Info("Stopping idle session")
				s.stop(ls, models.KillIdle)
				stopped++
			}
			continue
		}
		if rec.State != models.SessionTerminated || rec.EndedAt == nil {
			continue
		}
		select {
		case <-ls.done:
		default:
			continue
		}
		if now.Sub(*rec.EndedAt) >= s.cfg.Retention {
			s.mu.Lock()
			delete(s.sessions, rec.ID)
			s.mu.Unlock()
			evicted++
		}
	}
	return stopped, evicted
}

// Heartbeat renews the owner lease of every live session on this instance.
func (s *SessionService) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id, ls := range s.sessions {
		if ls.snapshot().State.Live() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.store.Set(ctx, ownerKey(id), []byte(s.cfg.InstanceID), s.cfg.OwnerLease); err != nil {
			errs = append(errs, fmt.Errorf("renew %s: %w", id, err))
			continue
		}
		if err := s.resync(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// resync writes the running record of a session whose first write failed.
func (s *SessionService) resync(ctx context.Context, id string) error {
	s.mu.Lock()
	ls := s.sessions[id]
	s.mu.Unlock()
	if ls == nil {
		return nil
	}
	// held across the write so the supervisor's terminal record lands after it
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.unsynced || !ls.rec.State.Live() {
		return nil
	}
	if err := s.writeRecord(ctx, ls.rec, 0); err != nil {
		return err
	}
	ls.unsynced = false
	return nil
}

// Live returns the number of sessions on this instance that still hold a
// sandbox.
func (s *SessionService) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ls := range s.sessions {
		if ls.snapshot().State.Live() {
			n++
		}
	}
	return n
}

// Shutdown refuses new sessions, stops every live one with the shutdown
// reason, and waits for them to settle or ctx to end.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.mu.Lock()
	locals := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		locals = append(locals, ls)
	}
	s.mu.Unlock()

	for _, ls := range locals {
		s.stop(ls, models.KillShutdown)
	}
	for _, ls := range locals {
		select {
		case <-ls.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.WithField("sessions", len(locals)).Info("All sessions stopped")
	return nil
}

func (s *SessionService) readRecord(ctx context.Context, id string) (models.Session, error) {
	raw, err := retryStore(ctx, s.cfg.Retry, "get", func(ctx context.Context) ([]byte, error) {
		return s.store.Get(ctx, sessionKey(id))
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	var rec models.Session
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *SessionService) writeRecord(ctx context.Context, rec models.Session, ttl time.Duration) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return retryStoreErr(ctx, s.cfg.Retry, "set", func(ctx context.Context) error {
		return s.store.Set(ctx, sessionKey(rec.ID), val, ttl)
	})
}

func (s *SessionService) claimOwner(ctx context.Context, id string) error {
	return retryStoreErr(ctx, s.cfg.Retry, "set", func(ctx context.Context) error {
		return s.store.Set(ctx, ownerKey(id), []byte(s.cfg.InstanceID), s.cfg.OwnerLease)
	})
}

func (s *SessionService) dropOwner(ctx context.Context, id string) error {
	return retryStoreErr(ctx, s.cfg.Retry, "delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, ownerKey(id))
	})
}

// readActive returns the user's active session ids and the raw value for a
// later compare-and-swap.
func (s *SessionService) readActive(ctx context.Context, userID string) ([]string, []byte, error) {
	raw, err := retryStore(ctx, s.cfg.Retry, "get", func(ctx context.Context) ([]byte, error) {
		return s.store.Get(ctx, activeKey(userID))
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, nil, fmt.Errorf("decode active sessions of %s: %w", userID, err)
	}
	return ids, raw, nil
}

func (s *SessionService) swapActive(ctx context.Context, userID string, old []byte, ids []string) error {
	var val []byte
	if len(ids) > 0 {
		var err error
		if val, err = json.Marshal(ids); err != nil {
			return err
		}
	}
	swapped, err := retryStore(ctx, s.cfg.Retry, "cas", func(ctx context.Context) (bool, error) {
		return s.store.CompareAndSwap(ctx, activeKey(userID), old, val, 0)
	})
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("active sessions of %s changed under lock: %w", userID, store.ErrLockLost)
	}
	return nil
}

// removeActive drops id from the user's active set under the user lock.
func (s *SessionService) removeActive(ctx context.Context, userID, id string) error {
	lock, err := lockWithRetry(ctx, s.store, s.cfg.Retry, userLockKey(userID), s.cfg.LockLease)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer release(lock, s.log)

	ids, raw, err := s.readActive(ctx, userID)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(ids))
	for _, other := range ids {
		if other != id {
			kept = append(kept, other)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	return s.swapActive(ctx, userID, raw, kept)
}
