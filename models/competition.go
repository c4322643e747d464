package models

import (
	"slices"
	"time"
)

// CompetitionRecord is the scoring result of one terminated session. It is
// written at most once per session id.
type CompetitionRecord struct {
	SessionID string `gorm:"primaryKey" json:"session_id"`
	UserID    string `gorm:"index;not null" json:"user_id"`
	GameID    string `gorm:"index;not null" json:"game_id"`

	Score       int64     `json:"score"`
	Result      string    `json:"result" gorm:"type:varchar(16);check:result IN ('win','loss','draw','incomplete')"`
	DurationSec int       `json:"duration_sec" gorm:"default:0"`
	EndedAt     time.Time `json:"ended_at"`
	RankDelta   int       `json:"rank_delta"`
	// Applied is set once the leaderboard increment has been stored.
	Applied bool `json:"applied"`

	Timestamps
}

// LeaderboardEntry is the aggregate standing of one user.
type LeaderboardEntry struct {
	UserID        string    `gorm:"primaryKey" json:"user_id"`
	Score         int64     `json:"score" gorm:"default:0"`
	Wins          int64     `json:"wins" gorm:"default:0"`
	Losses        int64     `json:"losses" gorm:"default:0"`
	Draws         int64     `json:"draws" gorm:"default:0"`
	TotalSessions int64     `json:"total_sessions" gorm:"default:0"`
	LastSessionID string    `json:"last_session_id"`
	LastUpdated   time.Time `json:"last_updated"`
	Rank          int       `json:"rank,omitempty" gorm:"-"`
	// Unsettled lists sessions counted here whose competition record is not
	// yet marked applied.
	Unsettled []string `json:"unsettled,omitempty" gorm:"-"`
}

// Apply folds one scored session into the entry.
func (e *LeaderboardEntry) Apply(rec CompetitionRecord) {
	e.Score += rec.Score
	e.TotalSessions++
	switch rec.Result {
	case ResultWin:
		e.Wins++
	case ResultLoss:
		e.Losses++
	case ResultDraw:
		e.Draws++
	}
	e.LastSessionID = rec.SessionID
	e.Unsettled = append(e.Unsettled, rec.SessionID)
	if rec.EndedAt.After(e.LastUpdated) {
		e.LastUpdated = rec.EndedAt
	}
}

// Counted reports whether the session is already part of the entry's totals
// without its record saying so.
func (e LeaderboardEntry) Counted(sessionID string) bool {
	return e.LastSessionID == sessionID || slices.Contains(e.Unsettled, sessionID)
}

// Settle forgets a session whose record is now marked applied. It returns
// false when there was nothing to forget.
func (e *LeaderboardEntry) Settle(sessionID string) bool {
	i := slices.Index(e.Unsettled, sessionID)
	if i < 0 {
		return false
	}
	e.Unsettled = slices.Delete(e.Unsettled, i, i+1)
	if len(e.Unsettled) == 0 {
		e.Unsettled = nil
	}
	return true
}
