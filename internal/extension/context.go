package extension

import (
	"context"

	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

// CallContext pairs one unit with one extension registration for a bootstrap attempt.
type CallContext struct {
	Unit    *unit.Unit
	Reg     Registration
	Runtime *unit.Runtime
	// Config is the per-use configuration the unit attached to its request.
	Config any

	exec   *Executor
	status Status
}

// Status is "" until setup has reported, then ready, defer or skip.
func (c *CallContext) Status() Status {
	c.exec.mu.Lock()
	defer c.exec.mu.Unlock()
	return c.status
}

// SignalReady marks the extension ready from outside its setup hook, typically after a
// setup that returned StatusDefer finished its background work. Parked groups waiting
// on the extension are resumed.
func (c *CallContext) SignalReady(share any) {
	c.exec.markReady(context.Background(), c, share)
}
