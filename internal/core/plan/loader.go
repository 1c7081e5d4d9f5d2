package plan

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// =============================================================================
// Plan Loader
// =============================================================================

// Loader discovers and parses plan files from the dist and user plan
// directories. User plans shadow dist plans with the same name.
type Loader struct {
	distDir string
	userDir string
	logger  *slog.Logger

	plans []*Plan
}

// NewLoader creates a loader over the given plan directories and loads
// everything it finds. Missing directories are fine.
func NewLoader(distDir, userDir string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		distDir: distDir,
		userDir: userDir,
		logger:  logger,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) load() error {
	byName := make(map[string]*Plan)

	// dist plans first, then user plans so they shadow
	for _, dir := range []string{l.distDir, l.userDir} {
		if dir == "" {
			continue
		}
		plans, err := loadDir(dir, l.logger)
		if err != nil {
			return err
		}
		for _, p := range plans {
			if prev, ok := byName[p.Name]; ok {
				l.logger.Debug("plan shadows an earlier definition",
					"plan", p.Name, "path", p.Path, "shadowed", prev.Path)
			}
			byName[p.Name] = p
		}
	}

	l.plans = l.plans[:0]
	for _, p := range byName {
		l.plans = append(l.plans, p)
	}
	sort.Slice(l.plans, func(i, j int) bool { return l.plans[i].Name < l.plans[j].Name })

	return nil
}

// loadDir parses every *.yml below dir.
func loadDir(dir string, logger *slog.Logger) ([]*Plan, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var plans []*Plan
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".yml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read plan file %s: %w", path, err)
		}

		p, err := Parse(data)
		if err != nil {
			logger.Warn("skipping unparseable plan file", "path", path, "error", err)
			return nil
		}
		p.Path = path

		// plans without an explicit name take it from the filename
		if p.Name == "" {
			p.Name = strings.TrimSuffix(filepath.Base(path), ".yml")
			p.Valid = p.Validate() == nil
		}

		if !p.Valid {
			logger.Warn("incomplete plan format", "path", path, "reason", p.Validate())
		}

		plans = append(plans, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return plans, nil
}

// Plans returns all valid plans, sorted by name.
func (l *Loader) Plans() []*Plan {
	var out []*Plan
	for _, p := range l.plans {
		if p.Valid {
			out = append(out, p)
		}
	}
	return out
}

// AllPlans returns every loaded plan, invalid ones included.
func (l *Loader) AllPlans() []*Plan {
	return l.plans
}

// Get returns the valid plan with the given name.
func (l *Loader) Get(name string) (*Plan, error) {
	for _, p := range l.plans {
		if p.Name == name && p.Valid {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, name)
}
