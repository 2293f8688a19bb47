package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bayleafwalker/bindery-kernel/internal/semver"
)

// Static is an in-memory registry index. It is the default resolver for the daemon
// (populated from config) and for tests.
type Static struct {
	mu    sync.RWMutex
	units map[string][]Publication
}

type candidate struct {
	version  semver.Version
	tieBreak string
	res      Resolution
}

func NewStatic(pubs ...Publication) *Static {
	s := &Static{units: make(map[string][]Publication)}
	for _, p := range pubs {
		s.Publish(p)
	}
	return s
}

// Publish adds a publication. Republishing the same name+version replaces it.
func (s *Static) Publish(p Publication) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Name = strings.TrimSpace(p.Name)
	p.Version = strings.TrimSpace(p.Version)
	list := s.units[p.Name]
	for i := range list {
		if list[i].Version == p.Version {
			list[i] = p
			return
		}
	}
	s.units[p.Name] = append(list, p)
}

// Versions lists published versions for name in publication order.
func (s *Static) Versions(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.units[name]))
	for _, p := range s.units[name] {
		out = append(out, p.Version)
	}
	return out
}

func (s *Static) Resolve(_ context.Context, name, rng string) (Resolution, error) {
	s.mu.RLock()
	pubs := append([]Publication(nil), s.units[name]...)
	s.mu.RUnlock()

	if len(pubs) == 0 {
		return Resolution{}, fmt.Errorf("resolve %s: %w", name, ErrUnitNotFound)
	}

	candidates := make([]candidate, 0, len(pubs))
	for i, p := range pubs {
		v, err := semver.ParseVersion(p.Version)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			version:  v,
			tieBreak: fmt.Sprintf("%08d", i),
			res:      p.resolution(),
		})
	}
	return selectHighest(name, rng, candidates)
}

// selectHighest picks the highest version satisfying rng.
//
// Deterministic ordering:
// 1) Higher version wins
// 2) Tie-break: candidate tieBreak key (ascending)
func selectHighest(name, rng string, candidates []candidate) (Resolution, error) {
	r, err := semver.ParseRange(rng)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s@%s: %w: %v", name, rng, ErrInvalidRange, err)
	}

	ordered := append([]candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].tieBreak < ordered[j].tieBreak })
	versions := make([]semver.Version, 0, len(ordered))
	for _, c := range ordered {
		versions = append(versions, c.version)
	}

	// MaxSatisfying keeps the first of equal versions, which is the lowest tie-break key.
	best, ok := semver.MaxSatisfying(r, versions)
	if !ok {
		return Resolution{}, fmt.Errorf("resolve %s@%s: %w", name, r, ErrNoMatchingVersion)
	}
	for _, c := range ordered {
		if semver.Compare(c.version, best) == 0 {
			return c.res, nil
		}
	}
	return Resolution{}, fmt.Errorf("resolve %s@%s: %w", name, r, ErrNoMatchingVersion)
}
