package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/sandbox"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CatalogService is the read-only games directory. Each *.yaml file under
// the directory describes one game; the file name is the default id.
type CatalogService struct {
	dir string
	log logrus.FieldLogger

	mu    sync.RWMutex
	games map[string]models.GameArtifact
}

// NewCatalogService returns a fixed catalog holding games.
func NewCatalogService(games ...models.GameArtifact) *CatalogService {
	c := &CatalogService{log: logrus.StandardLogger(), games: make(map[string]models.GameArtifact, len(games))}
	for _, g := range games {
		c.games[g.ID] = g
	}
	return c
}

// LoadCatalog reads every game in dir.
func LoadCatalog(dir string, log logrus.FieldLogger) (*CatalogService, error) {
	c := &CatalogService{dir: dir, log: log.WithField("component", "catalog")}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rescans the directory. On error the previous catalog stays in place.
func (c *CatalogService) Reload() error {
	if c.dir == "" {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.yaml"))
	if err != nil {
		return err
	}
	more, _ := filepath.Glob(filepath.Join(c.dir, "*.yml"))
	paths = append(paths, more...)

	games := make(map[string]models.GameArtifact, len(paths))
	var errs []error
	for _, path := range paths {
		g, err := readGame(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := games[g.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate game id %q", path, g.ID))
			continue
		}
		games[g.ID] = g
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("load games from %s: %w", c.dir, err)
	}

	c.mu.Lock()
	c.games = games
	c.mu.Unlock()
	c.log.WithField("games", len(games)).Info("Games catalog loaded")
	return nil
}

func readGame(path string) (models.GameArtifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.GameArtifact{}, err
	}
	var g models.GameArtifact
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return models.GameArtifact{}, fmt.Errorf("%s: %w", path, err)
	}
	if g.ID == "" {
		g.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	for code, result := range g.Results {
		switch result {
		case models.ResultWin, models.ResultLoss, models.ResultDraw, models.ResultIncomplete:
		default:
			return models.GameArtifact{}, fmt.Errorf("%s: exit code %d maps to unknown result %q", path, code, result)
		}
	}
	return g, nil
}

// Resolve implements sandbox.ArtifactResolver.
func (c *CatalogService) Resolve(gameID string) (models.GameArtifact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.games[gameID]
	if !ok {
		return models.GameArtifact{}, fmt.Errorf("%w: %q", sandbox.ErrArtifactNotFound, gameID)
	}
	return g, nil
}

// List returns the catalog sorted by id.
func (c *CatalogService) List() []models.GameArtifact {
	c.mu.RLock()
	out := make([]models.GameArtifact, 0, len(c.games))
	for _, g := range c.games {
		out = append(out, g)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
