package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/scheduler"
)

// Snapshot is an immutable view of the loaded skills.
type Snapshot struct {
	skills   map[string]*Skill
	LoadedAt time.Time
}

// Get returns the skill with the given ID.
func (s *Snapshot) Get(id string) (*Skill, bool) {
	sk, ok := s.skills[id]
	return sk, ok
}

// List returns every skill sorted by ID.
func (s *Snapshot) List() []*Skill {
	out := make([]*Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of skills.
func (s *Snapshot) Len() int { return len(s.skills) }

// Registry holds the current snapshot. Readers never block; Reload swaps
// the snapshot only after the whole directory parsed cleanly.
type Registry struct {
	dir     string
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
}

// NewRegistry creates a registry for dir and loads it once. An empty dir
// yields an empty registry where every skill is development work.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	r.current.Store(&Snapshot{skills: map[string]*Skill{}, LoadedAt: time.Now()})
	if dir == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry builds a registry from in-memory skills.
func NewStaticRegistry(skills ...*Skill) *Registry {
	m := make(map[string]*Skill, len(skills))
	for _, s := range skills {
		m[s.ID] = s
	}
	r := &Registry{}
	r.current.Store(&Snapshot{skills: m, LoadedAt: time.Now()})
	return r
}

// Dir returns the directory the registry loads from.
func (r *Registry) Dir() string { return r.dir }

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get looks a skill up in the current snapshot.
func (r *Registry) Get(id string) (*Skill, bool) {
	return r.Snapshot().Get(id)
}

// Category implements scheduler.CategoryResolver. Unregistered skills are
// development work.
func (r *Registry) Category(skillID string) scheduler.SkillCategory {
	if sk, ok := r.Get(skillID); ok {
		return sk.Category
	}
	return scheduler.CategoryDevelopment
}

// Reload re-reads the directory. On any error the previous snapshot stays
// in place and every per-file problem is reported.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := loadDir(r.dir)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	logger.L.WithFields(logrus.Fields{"dir": r.dir, "skills": snap.Len()}).Info("skills loaded")
	return nil
}

func loadDir(dir string) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("skills directory %s does not exist", dir)
		}
		return nil, fmt.Errorf("read skills directory: %w", err)
	}

	var result *multierror.Error
	skills := make(map[string]*Skill)
	for _, e := range entries {
		if e.IsDir() || !isSkillFile(e.Name()) {
			continue
		}
		sk, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if prev, dup := skills[sk.ID]; dup {
			result = multierror.Append(result, fmt.Errorf("skill %q defined in both %s and %s", sk.ID, prev.Path, sk.Path))
			continue
		}
		skills[sk.ID] = sk
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Snapshot{skills: skills, LoadedAt: time.Now()}, nil
}

// Watch reloads the registry whenever a skill file changes, until ctx is
// done. Bursts of events collapse into one reload after debounce.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.dir == "" {
		return errors.New("registry has no directory to watch")
	}
	return watchDir(ctx, r.dir, debounce, func() {
		if err := r.Reload(); err != nil {
			logger.G(ctx).WithError(err).Warn("skill reload failed, keeping previous skills")
		}
	})
}
