package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gamebattle-orchestrator/metrics"
	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/store"

	"github.com/sirupsen/logrus"
)

var ErrNoStanding = errors.New("no leaderboard entry")

// ScoreEvent is the payload posted to the score webhook.
type ScoreEvent struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	GameID    string    `json:"gameId"`
	Score     int64     `json:"score"`
	Timestamp time.Time `json:"timestamp"`
	// Delta is the change in leaderboard position, positive when moving up.
	Delta int   `json:"delta"`
	Total int64 `json:"total"`
}

type CompetitionConfig struct {
	Enabled   bool
	LockLease time.Duration
	Retry     store.RetryPolicy
}

// CompetitionService scores terminated sessions and keeps the leaderboard.
// Every leaderboard mutation for a user happens under that user's store lock
// and each session id is scored at most once.
type CompetitionService struct {
	cfg      CompetitionConfig
	store    store.Store
	scoring  *ScoringRegistry
	archive  Archive
	notifier *WebhookNotifier
	log      logrus.FieldLogger
}

func NewCompetitionService(cfg CompetitionConfig, st store.Store, scoring *ScoringRegistry, archive Archive, notifier *WebhookNotifier, log logrus.FieldLogger) *CompetitionService {
	if cfg.LockLease <= 0 {
		cfg.LockLease = 10 * time.Second
	}
	return &CompetitionService{
		cfg:      cfg,
		store:    st,
		scoring:  scoring,
		archive:  archive,
		notifier: notifier,
		log:      log.WithField("component", "competition"),
	}
}

func (s *CompetitionService) Enabled() bool { return s != nil && s.cfg.Enabled }

// OnSessionTerminated scores a terminated session. Calling it again for the
// same session id returns the stored record without touching the
// leaderboard.
func (s *CompetitionService) OnSessionTerminated(ctx context.Context, session models.Session, outcome models.ExitOutcome) (models.CompetitionRecord, error) {
	if !s.Enabled() {
		return models.CompetitionRecord{}, ErrCompetitionDisabled
	}
	if session.State != models.SessionTerminated {
		return models.CompetitionRecord{}, ErrSessionNotTerminated
	}
	log := s.log.WithFields(logrus.Fields{"session_id": session.ID, "user_id": session.UserID, "game_id": session.GameID})

	lock, err := lockWithRetry(ctx, s.store, s.cfg.Retry, leaderboardLockKey(session.UserID), s.cfg.LockLease)
	if err != nil {
		return models.CompetitionRecord{}, fmt.Errorf("lock leaderboard: %w", err)
	}
	defer release(lock, log)

	rec, err := s.claim(ctx, session, outcome)
	if err != nil {
		return models.CompetitionRecord{}, err
	}
	if rec.Applied {
		log.Debug("Session already scored")
		return rec, nil
	}

	board, err := s.Leaderboard(ctx)
	if err != nil {
		return models.CompetitionRecord{}, err
	}
	before := rankOf(board, session.UserID)

	entry, fresh, err := s.applyEntry(ctx, rec)
	if err != nil {
		return models.CompetitionRecord{}, err
	}
	if fresh {
		rec.RankDelta = before - rankOf(withEntry(board, entry), session.UserID)
	}
	rec.Applied = true
	if err := s.putRecord(ctx, rec); err != nil {
		// the entry keeps the session as unsettled, so a replay won't count it twice
		log.WithError(err).Warn("Could not mark competition record applied")
	} else if settled, err := s.settleEntry(ctx, rec); err != nil {
		log.WithError(err).Warn("Could not settle leaderboard entry")
	} else {
		entry = settled
	}

	if s.archive != nil {
		if err := s.archive.SaveCompetition(ctx, rec, entry); err != nil {
			log.WithError(err).Warn("Failed to archive competition record")
		}
	}
	if !fresh {
		log.Info("Completed a partially applied score")
		return rec, nil
	}

	metrics.CompetitionScored.WithLabelValues(rec.Result).Inc()
	log.WithFields(logrus.Fields{
		"score": rec.Score,
		"total": entry.Score,
		"delta": rec.RankDelta,
	}).Info("Session scored")

	s.notifier.Fire(ScoreEvent{
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		GameID:    rec.GameID,
		Score:     rec.Score,
		Timestamp: rec.EndedAt,
		Delta:     rec.RankDelta,
		Total:     entry.Score,
	})
	return rec, nil
}

// claim creates the competition record for a session, or returns the one a
// previous call created.
func (s *CompetitionService) claim(ctx context.Context, session models.Session, outcome models.ExitOutcome) (models.CompetitionRecord, error) {
	if rec, err := s.Record(ctx, session.ID); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrNotFound) {
		return models.CompetitionRecord{}, err
	}

	ended := time.Now()
	if session.EndedAt != nil {
		ended = *session.EndedAt
	}
	rec := models.CompetitionRecord{
		SessionID:   session.ID,
		UserID:      session.UserID,
		GameID:      session.GameID,
		Score:       s.scoring.Score(session.GameID, outcome),
		Result:      outcome.Result,
		DurationSec: int(outcome.Duration.Seconds()),
		EndedAt:     ended,
	}
	if rec.Result == "" {
		rec.Result = models.ResultIncomplete
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return models.CompetitionRecord{}, err
	}
	created, err := retryStore(ctx, s.cfg.Retry, "cas", func(ctx context.Context) (bool, error) {
		return s.store.CompareAndSwap(ctx, competitionKey(session.ID), nil, val, 0)
	})
	if err != nil {
		return models.CompetitionRecord{}, err
	}
	if !created {
		return s.Record(ctx, session.ID)
	}
	return rec, nil
}

// applyEntry folds rec into the user's entry unless the entry already
// counts it. fresh is false when nothing changed.
func (s *CompetitionService) applyEntry(ctx context.Context, rec models.CompetitionRecord) (entry models.LeaderboardEntry, fresh bool, err error) {
	entry, err = s.updateEntry(ctx, rec.UserID, func(e *models.LeaderboardEntry) bool {
		fresh = !e.Counted(rec.SessionID)
		if fresh {
			e.Apply(rec)
		}
		return fresh
	})
	return entry, fresh, err
}

// settleEntry drops rec from the entry's unsettled sessions once its record
// is marked applied.
func (s *CompetitionService) settleEntry(ctx context.Context, rec models.CompetitionRecord) (models.LeaderboardEntry, error) {
	return s.updateEntry(ctx, rec.UserID, func(e *models.LeaderboardEntry) bool {
		return e.Settle(rec.SessionID)
	})
}

// updateEntry applies change to the user's stored entry with
// compare-and-swap. change returns false to leave the entry as it is.
func (s *CompetitionService) updateEntry(ctx context.Context, userID string, change func(*models.LeaderboardEntry) bool) (models.LeaderboardEntry, error) {
	key := leaderboardKey(userID)
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := retryStore(ctx, s.cfg.Retry, "get", func(ctx context.Context) ([]byte, error) {
			return s.store.Get(ctx, key)
		})
		entry := models.LeaderboardEntry{UserID: userID}
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &entry); err != nil {
				return models.LeaderboardEntry{}, fmt.Errorf("decode leaderboard entry: %w", err)
			}
		case errors.Is(err, store.ErrNotFound):
			raw = nil
		default:
			return models.LeaderboardEntry{}, err
		}
		if !change(&entry) {
			return entry, nil
		}

		val, err := json.Marshal(entry)
		if err != nil {
			return models.LeaderboardEntry{}, err
		}
		swapped, err := retryStore(ctx, s.cfg.Retry, "cas", func(ctx context.Context) (bool, error) {
			return s.store.CompareAndSwap(ctx, key, raw, val, 0)
		})
		if err != nil {
			return models.LeaderboardEntry{}, err
		}
		if swapped {
			return entry, nil
		}
		s.log.WithField("user_id", userID).Warn("Leaderboard entry changed under lock, retrying")
	}
	return models.LeaderboardEntry{}, fmt.Errorf("update leaderboard for %s: %w", userID, store.ErrLockLost)
}

func (s *CompetitionService) putRecord(ctx context.Context, rec models.CompetitionRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return retryStoreErr(ctx, s.cfg.Retry, "set", func(ctx context.Context) error {
		return s.store.Set(ctx, competitionKey(rec.SessionID), val, 0)
	})
}

// Record returns the competition record of a session.
func (s *CompetitionService) Record(ctx context.Context, sessionID string) (models.CompetitionRecord, error) {
	raw, err := retryStore(ctx, s.cfg.Retry, "get", func(ctx context.Context) ([]byte, error) {
		return s.store.Get(ctx, competitionKey(sessionID))
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.CompetitionRecord{}, ErrNotFound
	}
	if err != nil {
		return models.CompetitionRecord{}, err
	}
	var rec models.CompetitionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.CompetitionRecord{}, fmt.Errorf("decode competition record: %w", err)
	}
	return rec, nil
}

// Leaderboard returns every entry, best first.
func (s *CompetitionService) Leaderboard(ctx context.Context) ([]models.LeaderboardEntry, error) {
	raw, err := retryStore(ctx, s.cfg.Retry, "scan", func(ctx context.Context) (map[string][]byte, error) {
		return s.store.Scan(ctx, leaderboardPrefix)
	})
	if err != nil {
		return nil, err
	}
	board := make([]models.LeaderboardEntry, 0, len(raw))
	for key, val := range raw {
		var e models.LeaderboardEntry
		if err := json.Unmarshal(val, &e); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Skipping unreadable leaderboard entry")
			continue
		}
		board = append(board, e)
	}
	rank(board)
	return board, nil
}

// LeaderboardEntry returns one user's standing.
func (s *CompetitionService) LeaderboardEntry(ctx context.Context, userID string) (models.LeaderboardEntry, error) {
	board, err := s.Leaderboard(ctx)
	if err != nil {
		return models.LeaderboardEntry{}, err
	}
	for _, e := range board {
		if e.UserID == userID {
			return e, nil
		}
	}
	return models.LeaderboardEntry{}, ErrNoStanding
}

// rank sorts by score, then by who got there first, and numbers the entries.
func rank(board []models.LeaderboardEntry) {
	sort.Slice(board, func(i, j int) bool {
		a, b := board[i], board[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.Before(b.LastUpdated)
		}
		return a.UserID < b.UserID
	})
	for i := range board {
		board[i].Rank = i + 1
	}
}

// rankOf returns the user's position, or one past the end when absent.
func rankOf(board []models.LeaderboardEntry, userID string) int {
	for _, e := range board {
		if e.UserID == userID {
			return e.Rank
		}
	}
	return len(board) + 1
}

func withEntry(board []models.LeaderboardEntry, entry models.LeaderboardEntry) []models.LeaderboardEntry {
	out := make([]models.LeaderboardEntry, 0, len(board)+1)
	for _, e := range board {
		if e.UserID != entry.UserID {
			out = append(out, e)
		}
	}
	out = append(out, entry)
	rank(out)
	return out
}
