package unit

import "sync"

// Role is the part a unit plays for one extension during bootstrap ordering.
type Role string

const (
	RoleProvider Role = "provider"
	RoleConsumer Role = "consumer"
)

// Runtime is the state shared by the hooks of one unit's bootstrap.
type Runtime struct {
	Unit *Unit
	// Data is the session-wide runtime data set with the kernel's InitRuntime.
	Data map[string]any

	declare func(ext string, role Role)

	mu       sync.Mutex
	shared   map[string]any
	degraded bool
}

// NewRuntime builds a runtime for u. declare receives role declarations and may be nil.
func NewRuntime(u *Unit, data map[string]any, declare func(ext string, role Role)) *Runtime {
	return &Runtime{
		Unit:    u,
		Data:    data,
		declare: declare,
		shared:  map[string]any{},
	}
}

// Share stores the payload an extension published when it became ready.
func (r *Runtime) Share(ext string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared[ext] = v
}

func (r *Runtime) Shared(ext string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.shared[ext]
	return v, ok
}

// MarkDegraded records that the bootstrap continues without its ordering guarantees.
// It cannot be undone.
func (r *Runtime) MarkDegraded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = true
}

func (r *Runtime) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Runtime) DeclareProvider(ext string) { r.declareRole(ext, RoleProvider) }
func (r *Runtime) DeclareConsumer(ext string) { r.declareRole(ext, RoleConsumer) }

func (r *Runtime) declareRole(ext string, role Role) {
	if r.declare != nil {
		r.declare(ext, role)
	}
}
