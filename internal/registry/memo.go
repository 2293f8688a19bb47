package registry

import (
	"context"
	"sync"
)

// Memo caches successful resolutions per name+range so one kernel session always sees
// the same answer, even if the underlying registry publishes new versions meanwhile.
type Memo struct {
	next Resolver

	mu    sync.Mutex
	cache map[string]Resolution
}

func NewMemo(next Resolver) *Memo {
	return &Memo{next: next, cache: make(map[string]Resolution)}
}

func (m *Memo) Resolve(ctx context.Context, name, rng string) (Resolution, error) {
	key := name + "|" + rng

	m.mu.Lock()
	if res, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return res, nil
	}
	m.mu.Unlock()

	res, err := m.next.Resolve(ctx, name, rng)
	if err != nil {
		return Resolution{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent caller may have won; keep the first answer.
	if prev, ok := m.cache[key]; ok {
		return prev, nil
	}
	m.cache[key] = res
	return res, nil
}

// Forget drops all memoized answers.
func (m *Memo) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]Resolution)
}
