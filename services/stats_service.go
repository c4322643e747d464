package services

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"gamebattle-orchestrator/models"
)

var statsCSVHeader = []string{"Game ID", "Game name", "Author", "Times played", "Reports"}

// StatsService summarizes archived activity per game and per user.
type StatsService struct {
	games       *CatalogService
	archive     Archive
	competition *CompetitionService
}

// NewStatsService wires the service. competition may be nil.
func NewStatsService(games *CatalogService, archive Archive, competition *CompetitionService) *StatsService {
	return &StatsService{games: games, archive: archive, competition: competition}
}

// ForUser returns the user's leaderboard place and the activity of the games
// they authored.
func (s *StatsService) ForUser(ctx context.Context, userID string) (models.UserStats, error) {
	out := models.UserStats{UserID: userID, CompetitionEnabled: s.competition.Enabled(), Games: []models.GameStats{}}
	if out.CompetitionEnabled {
		board, err := s.competition.Leaderboard(ctx)
		if err != nil {
			return models.UserStats{}, err
		}
		out.Places = len(board)
		for _, e := range board {
			if e.UserID == userID {
				out.Place = e.Rank
				out.Score = e.Score
				out.TotalSessions = e.TotalSessions
				break
			}
		}
	}
	for _, g := range s.games.List() {
		if g.Author != userID {
			continue
		}
		st, err := s.gameStats(ctx, g)
		if err != nil {
			return models.UserStats{}, err
		}
		out.Games = append(out.Games, st)
	}
	return out, nil
}

// Games returns one line per catalog game.
func (s *StatsService) Games(ctx context.Context) ([]models.GameStats, error) {
	games := s.games.List()
	out := make([]models.GameStats, 0, len(games))
	for _, g := range games {
		st, err := s.gameStats(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *StatsService) gameStats(ctx context.Context, g models.GameArtifact) (models.GameStats, error) {
	played, err := s.archive.CountSessions(ctx, g.ID)
	if err != nil {
		return models.GameStats{}, err
	}
	reports, err := s.archive.CountReports(ctx, g.ID)
	if err != nil {
		return models.GameStats{}, err
	}
	return models.GameStats{
		GameID:      g.ID,
		Name:        g.Name,
		Author:      g.Author,
		TimesPlayed: played,
		Reports:     reports,
	}, nil
}

// WriteStatsCSV writes rows with a header line.
func WriteStatsCSV(w io.Writer, rows []models.GameStats) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(statsCSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := writer.Write([]string{
			r.GameID,
			r.Name,
			r.Author,
			strconv.FormatInt(r.TimesPlayed, 10),
			strconv.FormatInt(r.Reports, 10),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
