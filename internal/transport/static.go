package transport

import (
	"context"
	"sort"
	"sync"
)

// StaticContainer is a Container assembled in process. Modules are built lazily by
// their factory on first Get and reused afterwards.
type StaticContainer struct {
	ContainerName    string
	ContainerVersion string
	Modules          map[string]func() Module
	// EmbeddedManifest, when non-nil, is returned by Manifest.
	EmbeddedManifest []byte
	// SetupFunc, when non-nil, runs on Setup.
	SetupFunc func(ctx context.Context) error

	mu       sync.Mutex
	inits    int
	built    map[string]Module
	setupRun bool
}

var (
	_ Container       = (*StaticContainer)(nil)
	_ Setupper        = (*StaticContainer)(nil)
	_ ManifestCarrier = (*StaticContainer)(nil)
)

func (s *StaticContainer) Name() string    { return s.ContainerName }
func (s *StaticContainer) Version() string { return s.ContainerVersion }

func (s *StaticContainer) Exposes() []string {
	out := make([]string, 0, len(s.Modules))
	for name := range s.Modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *StaticContainer) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	return ctx.Err()
}

// Inits reports how many times Init ran.
func (s *StaticContainer) Inits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits
}

func (s *StaticContainer) Get(ctx context.Context, name string) (Module, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.built[name]; ok {
		return m, true, nil
	}
	factory, ok := s.Modules[name]
	if !ok {
		return nil, false, nil
	}
	m := factory()
	if s.built == nil {
		s.built = map[string]Module{}
	}
	s.built[name] = m
	return m, true, nil
}

func (s *StaticContainer) Setup(ctx context.Context) error {
	s.mu.Lock()
	s.setupRun = true
	s.mu.Unlock()
	if s.SetupFunc == nil {
		return nil
	}
	return s.SetupFunc(ctx)
}

func (s *StaticContainer) Manifest() ([]byte, bool) {
	if s.EmbeddedManifest == nil {
		return nil, false
	}
	return s.EmbeddedManifest, true
}
