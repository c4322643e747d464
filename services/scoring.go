package services

import (
	"sync"

	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/sandbox"
)

// ScoringPolicy turns a terminal outcome into leaderboard points.
type ScoringPolicy interface {
	Score(game models.GameArtifact, outcome models.ExitOutcome) int64
}

// ScoringFunc adapts a plain function to ScoringPolicy.
type ScoringFunc func(game models.GameArtifact, outcome models.ExitOutcome) int64

func (f ScoringFunc) Score(game models.GameArtifact, outcome models.ExitOutcome) int64 {
	return f(game, outcome)
}

// ResultPoints scores by the game's points table. Only sessions that exited
// with a declared result earn anything.
var ResultPoints ScoringFunc = func(game models.GameArtifact, outcome models.ExitOutcome) int64 {
	if outcome.Kind != models.OutcomeExited {
		return game.PointsFor(models.ResultIncomplete)
	}
	return game.PointsFor(outcome.Result)
}

// ScoringRegistry picks the policy for a game id, falling back to
// ResultPoints.
type ScoringRegistry struct {
	games sandbox.ArtifactResolver

	mu       sync.RWMutex
	policies map[string]ScoringPolicy
}

func NewScoringRegistry(games sandbox.ArtifactResolver) *ScoringRegistry {
	return &ScoringRegistry{games: games, policies: make(map[string]ScoringPolicy)}
}

func (r *ScoringRegistry) Register(gameID string, p ScoringPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[gameID] = p
}

func (r *ScoringRegistry) Score(gameID string, outcome models.ExitOutcome) int64 {
	r.mu.RLock()
	p, ok := r.policies[gameID]
	r.mu.RUnlock()
	if !ok {
		p = ResultPoints
	}
	game, err := r.games.Resolve(gameID)
	if err != nil {
		// removed from the catalog since launch
		game = models.GameArtifact{ID: gameID}
	}
	return p.Score(game, outcome)
}
