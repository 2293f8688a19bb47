// Package bootstrap serializes unit bootstraps.
//
// At most one unit holds the bootstrap lock. A unit that cannot take it, because the
// lock is held or because it consumes an extension whose provider has not bootstrapped
// yet, waits in a queue. Queued units are resumed one at a time from the kernel's
// notice loop (ResumeNext), or give up waiting after a timeout and continue degraded.
package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/events"
	"github.com/bayleafwalker/bindery-kernel/internal/metrics"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

const DefaultTimeout = 30 * time.Second

// Grant is handed to the unit that takes the lock.
type Grant struct {
	// Degraded is set when the unit stopped waiting for its dependencies after a
	// timeout. Role checks are skipped for the rest of the bootstrap.
	Degraded bool
}

type Phase string

const (
	PhaseUnknown       Phase = ""
	PhaseWaiting       Phase = "Waiting"
	PhaseBootstrapping Phase = "Bootstrapping"
	PhaseBootstrapped  Phase = "Bootstrapped"
	PhaseFailed        Phase = "Failed"
)

type Config struct {
	// Timeout bounds how long a unit waits in the queue. Zero means DefaultTimeout.
	Timeout  time.Duration
	Clock    clock.Clock
	Bus      *events.Bus
	Notifier events.Notifier
	Metrics  *metrics.Metrics
	Logger   logr.Logger
}

type waiter struct {
	name    string
	version string
	resume  chan struct{}
	// degraded waiters only wait for the lock, not for providers.
	degraded bool
	// afterCompletion waiters are only resumed by a bootstrap completing, not by a
	// bare lock release.
	afterCompletion bool
	granted         bool
}

type Coordinator struct {
	cfg Config
	log logr.Logger

	mu           sync.Mutex
	holder       string
	heldSince    time.Time
	queue        []*waiter
	bootstrapped map[string]bool
	failed       map[string]bool
	roles        map[string]map[string]unit.Role
}

func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Coordinator{
		cfg:          cfg,
		log:          cfg.Logger.WithName("bootstrap"),
		bootstrapped: map[string]bool{},
		failed:       map[string]bool{},
		roles:        map[string]map[string]unit.Role{},
	}
}

// Acquire takes the bootstrap lock for u, waiting in the queue while the lock is held or
// u's consumer roles are unsatisfied. A wait that times out is logged, published as
// FYNAPP_BOOTSTRAP_TIMEOUT and turned into a degraded grant; it never fails. Acquire
// only returns an error when ctx is cancelled.
func (c *Coordinator) Acquire(ctx context.Context, u *unit.Unit) (Grant, error) {
	c.mu.Lock()
	if c.holder == "" && c.satisfiedLocked(u.Name) {
		c.takeLocked(u.Name)
		c.mu.Unlock()
		return Grant{}, nil
	}
	w := c.enqueueLocked(u, false, false)
	c.mu.Unlock()

	log.FromContext(ctx).V(1).Info("bootstrap deferred", "unit", u.Key())
	return c.wait(ctx, u, w)
}

// Defer releases the lock if u holds it and waits for another unit's bootstrap to
// complete (or the timeout) before taking it again.
func (c *Coordinator) Defer(ctx context.Context, u *unit.Unit) (Grant, error) {
	c.mu.Lock()
	released := c.releaseLocked(u.Name)
	w := c.enqueueLocked(u, false, true)
	c.mu.Unlock()

	if released {
		c.notify(events.Notice{Kind: events.NoticeLockReleased, Unit: u.Name})
	}
	log.FromContext(ctx).V(1).Info("bootstrap deferred by initialize", "unit", u.Key())
	return c.wait(ctx, u, w)
}

func (c *Coordinator) wait(ctx context.Context, u *unit.Unit, w *waiter) (Grant, error) {
	timer := c.cfg.Clock.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-w.resume:
		return Grant{Degraded: w.degraded}, nil
	case <-ctx.Done():
		return Grant{}, c.abandon(u, w, ctx.Err())
	case <-timer.C():
	}

	c.mu.Lock()
	if w.granted {
		c.mu.Unlock()
		return Grant{Degraded: w.degraded}, nil
	}
	c.removeLocked(w)
	c.cfg.Metrics.BootstrapTimedOut()

	var next *waiter
	if c.holder == "" {
		c.takeLocked(u.Name)
	} else {
		next = c.enqueueLocked(u, true, false)
	}
	c.mu.Unlock()

	reason := "dependencies not satisfied"
	if next != nil {
		reason = "bootstrap lock held by another unit"
	}
	c.log.Info("bootstrap wait timed out, continuing degraded", "unit", u.Key(), "timeout", c.cfg.Timeout.String(), "reason", reason)
	c.publish(ctx, events.Event{
		Kind:    events.BootstrapTimeout,
		Name:    u.Name,
		Version: u.Version,
		Reason:  reason,
		Timeout: c.cfg.Timeout,
	})

	if next == nil {
		return Grant{Degraded: true}, nil
	}
	select {
	case <-next.resume:
		return Grant{Degraded: true}, nil
	case <-ctx.Done():
		return Grant{}, c.abandon(u, next, ctx.Err())
	}
}

// abandon removes a cancelled waiter. If it was granted the lock concurrently the lock
// is handed back.
func (c *Coordinator) abandon(u *unit.Unit, w *waiter, err error) error {
	c.mu.Lock()
	if !w.granted {
		c.removeLocked(w)
		c.mu.Unlock()
		return err
	}
	released := c.releaseLocked(u.Name)
	c.mu.Unlock()
	if released {
		c.notify(events.Notice{Kind: events.NoticeLockReleased, Unit: u.Name})
	}
	return err
}

// Release frees the lock held by name without marking it bootstrapped.
func (c *Coordinator) Release(name string) {
	c.mu.Lock()
	released := c.releaseLocked(name)
	c.mu.Unlock()
	if released {
		c.notify(events.Notice{Kind: events.NoticeLockReleased, Unit: name})
	}
}

// Complete marks u bootstrapped, successfully or not, releases the lock and publishes
// the outcome.
func (c *Coordinator) Complete(ctx context.Context, u *unit.Unit, bootErr error) {
	c.mu.Lock()
	c.bootstrapped[u.Name] = true
	c.failed[u.Name] = bootErr != nil
	var held time.Duration
	if c.holder == u.Name {
		held = c.cfg.Clock.Since(c.heldSince)
		c.holder = ""
	}
	c.mu.Unlock()

	c.cfg.Metrics.BootstrapCompleted(bootErr != nil, held.Seconds())
	if bootErr != nil {
		c.publish(ctx, events.Event{Kind: events.BootstrapFailed, Name: u.Name, Version: u.Version, Error: bootErr.Error()})
	} else {
		c.publish(ctx, events.Event{Kind: events.UnitBootstrapped, Name: u.Name, Version: u.Version})
	}
	c.notify(events.Notice{Kind: events.NoticeBootstrapComplete, Unit: u.Name})
}

// ResumeNext hands a free lock to the first queued unit that may proceed. Bare lock
// releases only wake units queued for the lock; a completed bootstrap may also wake a
// unit that deferred itself. It is meant to run on the notice loop.
func (c *Coordinator) ResumeNext(trigger events.NoticeKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder != "" {
		return
	}
	for i, w := range c.queue {
		if w.afterCompletion && trigger != events.NoticeBootstrapComplete {
			continue
		}
		if !w.degraded && !c.satisfiedLocked(w.name) {
			continue
		}
		c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
		c.cfg.Metrics.SetDeferred(len(c.queue))
		w.granted = true
		c.takeLocked(w.name)
		close(w.resume)
		c.log.V(1).Info("resumed deferred bootstrap", "unit", w.name+"@"+w.version)
		return
	}
}

// DeclareRole records that unit acts as provider or consumer of ext.
func (c *Coordinator) DeclareRole(name, ext string, role unit.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roles, ok := c.roles[name]
	if !ok {
		roles = map[string]unit.Role{}
		c.roles[name] = roles
	}
	roles[ext] = role
}

// Satisfied reports whether every extension name consumes has a bootstrapped provider
// other than name itself. Units without roles are always satisfied.
func (c *Coordinator) Satisfied(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.satisfiedLocked(name)
}

func (c *Coordinator) satisfiedLocked(name string) bool {
	for ext, role := range c.roles[name] {
		if role != unit.RoleConsumer {
			continue
		}
		if !c.providerReadyLocked(name, ext) {
			return false
		}
	}
	return true
}

func (c *Coordinator) providerReadyLocked(consumer, ext string) bool {
	for other, roles := range c.roles {
		if other != consumer && roles[ext] == unit.RoleProvider && c.bootstrapped[other] {
			return true
		}
	}
	return false
}

func (c *Coordinator) takeLocked(name string) {
	c.holder = name
	c.heldSince = c.cfg.Clock.Now()
}

func (c *Coordinator) releaseLocked(name string) bool {
	if c.holder != name {
		return false
	}
	c.holder = ""
	return true
}

func (c *Coordinator) enqueueLocked(u *unit.Unit, degraded, afterCompletion bool) *waiter {
	w := &waiter{
		name:            u.Name,
		version:         u.Version,
		resume:          make(chan struct{}),
		degraded:        degraded,
		afterCompletion: afterCompletion,
	}
	c.queue = append(c.queue, w)
	c.cfg.Metrics.SetDeferred(len(c.queue))
	return w
}

func (c *Coordinator) removeLocked(w *waiter) {
	for i, q := range c.queue {
		if q == w {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			break
		}
	}
	c.cfg.Metrics.SetDeferred(len(c.queue))
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(ctx, ev)
	}
}

func (c *Coordinator) notify(n events.Notice) {
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.Notify(n)
	}
}

// Holder returns the unit holding the lock, or "".
func (c *Coordinator) Holder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder
}

// Queued returns the names waiting in the queue, in order.
func (c *Coordinator) Queued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.queue))
	for _, w := range c.queue {
		out = append(out, w.name)
	}
	return out
}

func (c *Coordinator) Phase(name string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.holder == name:
		return PhaseBootstrapping
	case c.failed[name]:
		return PhaseFailed
	case c.bootstrapped[name]:
		return PhaseBootstrapped
	}
	for _, w := range c.queue {
		if w.name == name {
			return PhaseWaiting
		}
	}
	return PhaseUnknown
}

// Reset forgets bootstrap history and roles. Call it only while no bootstrap runs.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holder = ""
	c.queue = nil
	c.bootstrapped = map[string]bool{}
	c.failed = map[string]bool{}
	c.roles = map[string]map[string]unit.Role{}
	c.cfg.Metrics.SetDeferred(0)
}
