package services

import (
	"context"
	"sort"
	"sync"

	"gamebattle-orchestrator/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Archive keeps terminated sessions, competition records and reports
// beyond the state store's retention window.
type Archive interface {
	SaveSession(ctx context.Context, s models.Session) error
	SaveCompetition(ctx context.Context, rec models.CompetitionRecord, entry models.LeaderboardEntry) error
	SaveReport(ctx context.Context, r models.Report) error
	ReportsForGame(ctx context.Context, gameID string) ([]models.Report, error)
	CountReports(ctx context.Context, gameID string) (int64, error)
	CountSessions(ctx context.Context, gameID string) (int64, error)
}

// GormArchive stores the archive in Postgres.
type GormArchive struct {
	DB *gorm.DB
}

func NewGormArchive(db *gorm.DB) *GormArchive {
	return &GormArchive{DB: db}
}

// Migrate creates or updates the archive tables.
func (a *GormArchive) Migrate() error {
	return a.DB.AutoMigrate(
		&models.Session{},
		&models.CompetitionRecord{},
		&models.LeaderboardEntry{},
		&models.Report{},
	)
}

func (a *GormArchive) SaveSession(ctx context.Context, s models.Session) error {
	return a.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "sandbox_id", "instance_id", "last_activity", "ended_at", "outcome", "updated_at",
		}),
	}).Create(&s).Error
}

// SaveCompetition records the scoring result and mirrors the user's
// leaderboard entry. The record is written once; replays leave it untouched.
func (a *GormArchive) SaveCompetition(ctx context.Context, rec models.CompetitionRecord, entry models.LeaderboardEntry) error {
	return a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"score", "wins", "losses", "draws", "total_sessions", "last_session_id", "last_updated",
			}),
		}).Create(&entry).Error
	})
}

func (a *GormArchive) SaveReport(ctx context.Context, r models.Report) error {
	return a.DB.WithContext(ctx).Create(&r).Error
}

func (a *GormArchive) ReportsForGame(ctx context.Context, gameID string) ([]models.Report, error) {
	var reports []models.Report
	err := a.DB.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("reported_at DESC").
		Find(&reports).Error
	return reports, err
}

func (a *GormArchive) CountReports(ctx context.Context, gameID string) (int64, error) {
	var n int64
	err := a.DB.WithContext(ctx).Model(&models.Report{}).Where("game_id = ?", gameID).Count(&n).Error
	return n, err
}

func (a *GormArchive) CountSessions(ctx context.Context, gameID string) (int64, error) {
	var n int64
	err := a.DB.WithContext(ctx).Model(&models.Session{}).Where("game_id = ?", gameID).Count(&n).Error
	return n, err
}

// MemoryArchive is the archive used when no database is configured.
type MemoryArchive struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	records  map[string]models.CompetitionRecord
	entries  map[string]models.LeaderboardEntry
	reports  []models.Report
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		sessions: make(map[string]models.Session),
		records:  make(map[string]models.CompetitionRecord),
		entries:  make(map[string]models.LeaderboardEntry),
	}
}

func (a *MemoryArchive) SaveSession(_ context.Context, s models.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.ID] = s
	return nil
}

func (a *MemoryArchive) SaveCompetition(_ context.Context, rec models.CompetitionRecord, entry models.LeaderboardEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[rec.SessionID]; !ok {
		a.records[rec.SessionID] = rec
	}
	a.entries[entry.UserID] = entry
	return nil
}

func (a *MemoryArchive) SaveReport(_ context.Context, r models.Report) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

func (a *MemoryArchive) ReportsForGame(_ context.Context, gameID string) ([]models.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.Report
	for _, r := range a.reports {
		if r.GameID == gameID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReportedAt.After(out[j].ReportedAt) })
	return out, nil
}

func (a *MemoryArchive) CountReports(ctx context.Context, gameID string) (int64, error) {
	reports, _ := a.ReportsForGame(ctx, gameID)
	return int64(len(reports)), nil
}

func (a *MemoryArchive) CountSessions(_ context.Context, gameID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, s := range a.sessions {
		if s.GameID == gameID {
			n++
		}
	}
	return n, nil
}

// Session returns an archived session.
func (a *MemoryArchive) Session(id string) (models.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// Records returns the number of archived competition records.
func (a *MemoryArchive) Records() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
