// models/game.go
package models

import "github.com/gosimple/slug"

// GameArtifact is a pre-built, launchable game from the games directory.
type GameArtifact struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Author string `json:"author,omitempty" yaml:"author"`
	// Image is the container image; derived from Name when empty.
	Image string `json:"image" yaml:"image"`
	// Command is the argv used by the process runtime.
	Command []string `json:"-" yaml:"command"`
	// Results maps exit codes to game results.
	Results map[int]string `json:"-" yaml:"results"`
	// Points maps game results to leaderboard score.
	Points map[string]int64 `json:"-" yaml:"points"`
}

var DefaultResults = map[int]string{
	0: ResultWin,
	1: ResultLoss,
	2: ResultDraw,
}

var DefaultPoints = map[string]int64{
	ResultWin:        3,
	ResultDraw:       1,
	ResultLoss:       0,
	ResultIncomplete: 0,
}

// ImageName returns the configured image or gamebattle-<slug(name)>.
func (g GameArtifact) ImageName() string {
	if g.Image != "" {
		return g.Image
	}
	name := g.Name
	if name == "" {
		name = g.ID
	}
	return "gamebattle-" + slug.Make(name)
}

// ResultFor maps an exit code to a result; ok is false for codes the game
// does not declare.
func (g GameArtifact) ResultFor(code int) (string, bool) {
	results := g.Results
	if len(results) == 0 {
		results = DefaultResults
	}
	r, ok := results[code]
	return r, ok
}

// PointsFor returns the score awarded for a result.
func (g GameArtifact) PointsFor(result string) int64 {
	if p, ok := g.Points[result]; ok {
		return p
	}
	return DefaultPoints[result]
}
