package extension

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/events"
	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/metrics"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

// MaxAttempts bounds how many times a group may resolve to defer. The next attempt
// fails with a SetupFailed error.
const MaxAttempts = 2

// Outcome is how far Invoke got with a group.
type Outcome int

const (
	// Done means the group ran to completion or failed; see the returned error.
	Done Outcome = iota
	// Pending means the group is parked until its extensions report ready. The caller
	// should release the bootstrap lock; the group is resumed through Config.Resume.
	Pending
	// Blocked means the unit declared a consumer role whose provider has not
	// bootstrapped yet. The caller should release and re-acquire the bootstrap lock.
	Blocked
	// Deferred means the unit's initialize asked to be deferred.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Pending:
		return "pending"
	case Blocked:
		return "blocked"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Group is the set of call contexts for one unit's bootstrap. A group is driven by one
// goroutine at a time.
type Group struct {
	Unit     *unit.Unit
	Runtime  *unit.Runtime
	Contexts []*CallContext
	// Override is the auto-applied extension that took over initialize and execute.
	Override *CallContext

	deferrals   int
	initialized bool
}

// Attempts reports how many times the group resolved to defer.
func (g *Group) Attempts() int { return g.deferrals }

// Keys returns the registry keys of the group's extensions, sorted.
func (g *Group) Keys() []string {
	keys := make([]string, 0, len(g.Contexts))
	for _, cc := range g.Contexts {
		keys = append(keys, cc.Reg.Key)
	}
	sort.Strings(keys)
	return keys
}

// pendingKey identifies the pending entry of g: the sorted full keys of its extensions.
func (g *Group) pendingKey() string {
	keys := make([]string, 0, len(g.Contexts))
	for _, cc := range g.Contexts {
		keys = append(keys, cc.Reg.FullKey())
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

type Config struct {
	Manager  *Manager
	Bus      *events.Bus
	Notifier events.Notifier
	Metrics  *metrics.Metrics
	Logger   logr.Logger

	// Satisfied gates a unit on its declared consumer roles.
	Satisfied func(u *unit.Unit) bool
	// Resume continues the bootstrap of a group that was parked. It is called from
	// ProcessReady and must not block; implementations start their own goroutine.
	Resume func(g *Group)
}

type readyEntry struct {
	share any
}

// pending is one entry of the pending set. Groups requesting the identical set of
// extension versions share an entry and are resumed together.
type pending struct {
	key    string
	groups []*Group
}

func (p *pending) has(g *Group) bool {
	for _, q := range p.groups {
		if q == g {
			return true
		}
	}
	return false
}

// Executor runs extension groups and tracks which extension versions are ready.
type Executor struct {
	cfg Config
	log logr.Logger

	mu        sync.Mutex
	ready     map[string]readyEntry
	parked    []*pending
	parkedKey map[string]*pending
	// resuming counts groups taken off the pending set whose Resume has not returned.
	resuming int
}

func NewExecutor(cfg Config) *Executor {
	if cfg.Manager == nil {
		cfg.Manager = NewManager()
	}
	return &Executor{
		cfg:       cfg,
		log:       cfg.Logger.WithName("extensions"),
		ready:     map[string]readyEntry{},
		parkedKey: map[string]*pending{},
	}
}

func (e *Executor) newContext(u *unit.Unit, reg Registration, rt *unit.Runtime, config any) *CallContext {
	return &CallContext{Unit: u, Reg: reg, Runtime: rt, Config: config, exec: e}
}

// NewGroup builds the call contexts for the extensions u requested. Requests for
// extensions that are not registered are logged and left out.
func (e *Executor) NewGroup(ctx context.Context, u *unit.Unit, rt *unit.Runtime) *Group {
	logger := log.FromContext(ctx)
	g := &Group{Unit: u, Runtime: rt}
	seen := map[string]struct{}{}
	for _, use := range u.Uses {
		reg := e.cfg.Manager.LookupVersion(use.Name, use.Provider, use.Version)
		if !reg.Found() {
			logger.Info("requested extension is not registered", "unit", u.Key(), "extension", use.String(), "version", use.Version)
			continue
		}
		if _, dup := seen[reg.FullKey()]; dup {
			continue
		}
		seen[reg.FullKey()] = struct{}{}
		g.Contexts = append(g.Contexts, e.newContext(u, reg, rt, use.Config))
	}
	return g
}

// Invoke runs the readiness protocol for g and, once every extension is ready, the
// unit's initialize, the extensions' apply hooks and the unit's execute.
func (e *Executor) Invoke(ctx context.Context, g *Group) (Outcome, error) {
	logger := log.FromContext(ctx).WithValues("unit", g.Unit.Key())

	for {
		if g.deferrals >= MaxAttempts {
			e.unpark(g)
			return Done, kernelerr.Newf(kernelerr.CodeSetupFailed, "setup "+g.Unit.Key(),
				"extensions not ready after %d attempts: %s", MaxAttempts, strings.Join(g.Keys(), ", "))
		}

		e.syncReady(g)
		deferred, err := e.setup(ctx, g)
		if err != nil {
			return Done, err
		}
		if !deferred {
			break
		}

		g.deferrals++
		if outcome, parked := e.park(logger, g); parked {
			return outcome, nil
		}
		logger.V(1).Info("deferred extensions became ready, retrying", "attempt", g.deferrals)
	}

	rt := g.Runtime
	if !g.initialized {
		res, err := e.initialize(ctx, g)
		if err != nil {
			return Done, kernelerr.New(kernelerr.CodeBootstrapFailed, "initialize "+g.Unit.Key(), err)
		}
		if res.Status == unit.InitDefer && !allowsDegraded(g.Unit) && !rt.Degraded() {
			logger.V(1).Info("initialize requested defer")
			return Deferred, nil
		}
		g.initialized = true
	}

	if e.cfg.Satisfied != nil && !rt.Degraded() && !e.cfg.Satisfied(g.Unit) {
		logger.V(1).Info("waiting for providers")
		return Blocked, nil
	}

	for _, cc := range g.Contexts {
		if cc.Status() != StatusReady || cc.Reg.Extension.Apply == nil {
			continue
		}
		if err := cc.Reg.Extension.Apply(ctx, cc); err != nil {
			e.cfg.Metrics.ExtensionError("apply")
			return Done, kernelerr.New(kernelerr.CodeApplyFailed, "apply "+cc.Reg.FullKey(), err)
		}
	}

	if err := e.execute(ctx, g); err != nil {
		return Done, kernelerr.New(kernelerr.CodeBootstrapFailed, "execute "+g.Unit.Key(), err)
	}
	return Done, nil
}

// syncReady marks contexts whose extension version is already ready. Contexts whose
// own setup deferred keep their status so that setup runs again.
func (e *Executor) syncReady(g *Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range g.Contexts {
		if cc.status != "" {
			continue
		}
		if r, ok := e.ready[cc.Reg.FullKey()]; ok {
			cc.status = StatusReady
			cc.Runtime.Share(cc.Reg.Name, r.share)
		}
	}
}

// setup runs the setup hook of every context that is neither ready nor skipped and
// reports whether any of them deferred.
func (e *Executor) setup(ctx context.Context, g *Group) (bool, error) {
	deferred := false
	for _, cc := range g.Contexts {
		if st := cc.Status(); st == StatusReady || st == StatusSkip {
			continue
		}
		ext := cc.Reg.Extension
		if ext.Setup == nil {
			e.markReady(ctx, cc, nil)
			continue
		}
		res, err := ext.Setup(ctx, cc)
		if err != nil {
			e.cfg.Metrics.ExtensionError("setup")
			return false, kernelerr.New(kernelerr.CodeSetupFailed, "setup "+cc.Reg.FullKey(), err)
		}
		switch res.Status {
		case StatusReady, "":
			e.cfg.Metrics.ExtensionSetup(string(StatusReady))
			e.markReady(ctx, cc, res.Share)
		case StatusDefer:
			e.cfg.Metrics.ExtensionSetup(string(StatusDefer))
			e.deferContext(cc)
			deferred = true
		case StatusSkip:
			e.cfg.Metrics.ExtensionSetup(string(StatusSkip))
			e.setStatus(cc, StatusSkip)
		default:
			return false, kernelerr.Newf(kernelerr.CodeSetupFailed, "setup "+cc.Reg.FullKey(), "unknown setup status %q", res.Status)
		}
	}
	return deferred, nil
}

// park queues g until its extensions are ready. It reports false when they already
// are, in which case the caller retries. A group whose key set is already pending joins
// that entry.
func (e *Executor) park(logger logr.Logger, g *Group) (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.allReadyLocked(g) {
		return Done, false
	}
	key := g.pendingKey()
	if p, ok := e.parkedKey[key]; ok {
		if !p.has(g) {
			p.groups = append(p.groups, g)
			logger.V(1).Info("coalesced deferred extension group", "keys", g.Keys(), "waiting", len(p.groups))
		}
		return Pending, true
	}
	p := &pending{key: key, groups: []*Group{g}}
	e.parked = append(e.parked, p)
	e.parkedKey[key] = p
	e.cfg.Metrics.SetPendingGroups(len(e.parked))
	logger.V(1).Info("parked extension group", "keys", g.Keys(), "attempt", g.deferrals)
	return Pending, true
}

func (e *Executor) unpark(g *Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.parkedKey[g.pendingKey()]
	if !ok || !p.has(g) {
		return
	}
	kept := p.groups[:0]
	for _, q := range p.groups {
		if q != g {
			kept = append(kept, q)
		}
	}
	p.groups = kept
	if len(p.groups) == 0 {
		e.dropLocked(p)
	}
}

func (e *Executor) dropLocked(p *pending) {
	delete(e.parkedKey, p.key)
	for i, q := range e.parked {
		if q == p {
			e.parked = append(e.parked[:i:i], e.parked[i+1:]...)
			break
		}
	}
	e.cfg.Metrics.SetPendingGroups(len(e.parked))
}

func (e *Executor) allReadyLocked(g *Group) bool {
	for _, cc := range g.Contexts {
		if cc.status == StatusSkip {
			continue
		}
		if _, ok := e.ready[cc.Reg.FullKey()]; !ok {
			return false
		}
	}
	return true
}

// ProcessReady resumes, in the order they were parked, every group whose extensions
// are now all ready or skipped. An entry leaves the pending set once all of its groups
// were resumed, and each group is resumed once.
func (e *Executor) ProcessReady(key string) {
	e.mu.Lock()
	var resume []*Group
	for _, p := range append([]*pending(nil), e.parked...) {
		waiting := p.groups[:0]
		for _, g := range p.groups {
			if e.allReadyLocked(g) {
				resume = append(resume, g)
				continue
			}
			waiting = append(waiting, g)
		}
		p.groups = waiting
		if len(p.groups) == 0 {
			e.dropLocked(p)
		}
	}
	e.resuming += len(resume)
	e.mu.Unlock()

	for _, g := range resume {
		e.log.V(1).Info("resuming extension group", "unit", g.Unit.Key(), "trigger", key)
		if e.cfg.Resume != nil {
			e.cfg.Resume(g)
		}
		e.mu.Lock()
		e.resuming--
		e.mu.Unlock()
	}
}

func (e *Executor) markReady(ctx context.Context, cc *CallContext, share any) {
	full := cc.Reg.FullKey()

	e.mu.Lock()
	r, already := e.ready[full]
	if already {
		share = r.share
	} else {
		e.ready[full] = readyEntry{share: share}
	}
	cc.status = StatusReady
	e.mu.Unlock()

	cc.Runtime.Share(cc.Reg.Name, share)
	if already {
		return
	}

	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(ctx, events.Event{
			Kind:        events.ExtensionReady,
			Name:        cc.Reg.Name,
			Version:     cc.Reg.Version,
			Status:      string(StatusReady),
			Share:       share,
			CallContext: cc,
		})
	}
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Notify(events.Notice{Kind: events.NoticeExtensionReady, Key: full})
	}
}

// deferContext marks cc deferred unless it became ready in the meantime.
func (e *Executor) deferContext(cc *CallContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cc.status != StatusReady {
		cc.status = StatusDefer
	}
}

func (e *Executor) setStatus(cc *CallContext, st Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cc.status = st
}

func (e *Executor) initialize(ctx context.Context, g *Group) (unit.InitResult, error) {
	if ov := g.Override; ov != nil && ov.Reg.Extension.Override.Initialize != nil {
		return ov.Reg.Extension.Override.Initialize(ctx, ov)
	}
	if m := g.Unit.Main; m != nil && m.Initialize != nil {
		return m.Initialize(ctx, g.Runtime)
	}
	return unit.InitResult{}, nil
}

func (e *Executor) execute(ctx context.Context, g *Group) error {
	if ov := g.Override; ov != nil && ov.Reg.Extension.Override.Execute != nil {
		return ov.Reg.Extension.Override.Execute(ctx, ov)
	}
	if m := g.Unit.Main; m != nil && m.Execute != nil {
		return m.Execute(ctx, g.Runtime)
	}
	return nil
}

func allowsDegraded(u *unit.Unit) bool {
	return u.Main != nil && u.Main.AllowDegraded
}

// IsReady reports whether the extension version with full key is ready.
func (e *Executor) IsReady(fullKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ready[fullKey]
	return ok
}

// Parked reports how many entries the pending set holds.
func (e *Executor) Parked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.parked)
}

// Waiting reports how many groups wait for a ready notification across all entries,
// including groups whose resumption is being handed off.
func (e *Executor) Waiting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.resuming
	for _, p := range e.parked {
		n += len(p.groups)
	}
	return n
}

// Reset forgets readiness and drops parked groups without resuming them.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = map[string]readyEntry{}
	e.parked = nil
	e.parkedKey = map[string]*pending{}
	e.cfg.Metrics.SetPendingGroups(0)
}
