// Package kernel composes the resolver, loader, extension executor and bootstrap
// coordinator into one session object.
//
// A Kernel owns all of its caches and registries; independent kernels share nothing.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/bootstrap"
	"github.com/bayleafwalker/bindery-kernel/internal/events"
	"github.com/bayleafwalker/bindery-kernel/internal/extension"
	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/loader"
	"github.com/bayleafwalker/bindery-kernel/internal/manifest"
	"github.com/bayleafwalker/bindery-kernel/internal/metrics"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

// ErrBusy is returned by Reset while loads or bootstraps are in flight.
var ErrBusy = errors.New("kernel: loads in progress")

type Kernel struct {
	opts    Options
	log     logr.Logger
	metrics *metrics.Metrics

	registry   *registry.Memo
	manifests  *manifest.Resolver
	manager    *extension.Manager
	executor   *extension.Executor
	coord      *bootstrap.Coordinator
	loader     *loader.Loader
	bus        *events.Bus
	dispatcher *events.Dispatcher

	ctx     context.Context
	cancel  context.CancelFunc
	resumes sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	active  int
	data    map[string]any
	started map[string]struct{}
}

// New builds a kernel session and starts its notice loop. Call Close to stop it.
func New(opts Options) (*Kernel, error) {
	if opts.Registry == nil {
		return nil, errors.New("kernel: registry resolver is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("kernel: transport is required")
	}
	opts = opts.withDefaults()

	k := &Kernel{
		opts:    opts,
		log:     opts.Logger.WithName("kernel"),
		metrics: metrics.New(opts.Registerer),
		data:    map[string]any{},
		started: map[string]struct{}{},
	}
	k.ctx, k.cancel = context.WithCancel(context.Background())

	k.bus = events.NewBus(k.log, k.metrics)
	for _, s := range opts.Sinks {
		k.bus.AddSink(s)
	}
	k.dispatcher = events.NewDispatcher(k.log, opts.NoticeQueue)

	k.registry = registry.NewMemo(opts.Registry)
	k.manifests = manifest.NewResolver(k.registry, opts.Transport, opts.Fetcher, k.metrics)
	k.manager = extension.NewManager()
	k.coord = bootstrap.New(bootstrap.Config{
		Timeout:  opts.BootstrapTimeout,
		Clock:    opts.Clock,
		Bus:      k.bus,
		Notifier: k.dispatcher,
		Metrics:  k.metrics,
		Logger:   k.log,
	})
	k.executor = extension.NewExecutor(extension.Config{
		Manager:   k.manager,
		Bus:       k.bus,
		Notifier:  k.dispatcher,
		Metrics:   k.metrics,
		Logger:    k.log,
		Satisfied: func(u *unit.Unit) bool { return k.coord.Satisfied(u.Name) },
		Resume:    k.resume,
	})
	k.loader = loader.New(opts.Transport, k.manager, k.manifests, k.metrics)

	resumeNext := func(n events.Notice) { k.coord.ResumeNext(n.Kind) }
	k.dispatcher.Handle(events.NoticeBootstrapComplete, resumeNext)
	k.dispatcher.Handle(events.NoticeLockReleased, resumeNext)
	k.dispatcher.Handle(events.NoticeExtensionReady, func(n events.Notice) { k.executor.ProcessReady(n.Key) })
	go k.dispatcher.Run(k.ctx)

	return k, nil
}

// track counts an in-flight load or bootstrap until the returned func is called.
func (k *Kernel) track() func() {
	k.mu.Lock()
	k.active++
	k.mu.Unlock()
	return func() {
		k.mu.Lock()
		k.active--
		k.mu.Unlock()
	}
}

// contextFor attaches the kernel logger to ctx unless it already carries one.
func (k *Kernel) contextFor(ctx context.Context, keysAndValues ...any) context.Context {
	l, err := logr.FromContext(ctx)
	if err != nil {
		l = k.log
	}
	return log.IntoContext(ctx, l.WithValues(keysAndValues...))
}

// LoadUnit loads the unit served from baseURL and bootstraps it. baseURL is either the
// unit's distribution base or the full entry URL.
func (k *Kernel) LoadUnit(ctx context.Context, baseURL, loadID string) (*unit.Unit, error) {
	defer k.track()()
	if loadID == "" {
		loadID = uuid.NewString()
	}
	ctx = k.contextFor(ctx, "loadID", loadID)

	url := baseURL
	if !strings.HasSuffix(url, ".js") {
		url = strings.TrimRight(url, "/") + "/" + manifest.EntryFile
	}
	c, err := k.opts.Transport.Load(ctx, url)
	if err != nil {
		return nil, kernelerr.New(kernelerr.CodeEntryNotLoaded, "load "+url, err)
	}
	u, err := k.loader.Load(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := k.BootstrapUnit(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// LoadUnitsByName resolves the dependency graph of reqs and loads it batch by batch.
// Units within a batch load and bootstrap concurrently; batches run in order. It returns
// the units loaded so far alongside any error.
func (k *Kernel) LoadUnitsByName(ctx context.Context, reqs []manifest.Request, lo LoadOptions) ([]*unit.Unit, error) {
	defer k.track()()
	if lo.LoadID == "" {
		lo.LoadID = uuid.NewString()
	}
	ctx = k.contextFor(ctx, "loadID", lo.LoadID)
	logger := log.FromContext(ctx)

	g, err := k.manifests.BuildGraph(ctx, reqs)
	if err != nil {
		return nil, err
	}
	batches, err := manifest.TopoBatches(ctx, g, k.opts.CyclePolicy)
	if err != nil {
		return nil, err
	}

	limit := k.opts.Concurrency
	if lo.Concurrency != 0 {
		limit = clampConcurrency(lo.Concurrency)
	}
	logger.Info("loading units", "requests", len(reqs), "nodes", g.Len(), "batches", len(batches), "concurrency", limit)

	var (
		mu     sync.Mutex
		loaded []*unit.Unit
	)
	for i, batch := range batches {
		start := time.Now()
		eg, bctx := errgroup.WithContext(ctx)
		eg.SetLimit(limit)
		for _, key := range batch {
			node := g.Nodes[key]
			eg.Go(func() error {
				u, err := k.loadNode(bctx, node)
				if err != nil {
					return err
				}
				mu.Lock()
				loaded = append(loaded, u)
				mu.Unlock()
				return k.BootstrapUnit(bctx, u)
			})
		}
		err := eg.Wait()
		k.metrics.BatchCompleted(time.Since(start).Seconds())
		if err != nil {
			return loaded, fmt.Errorf("batch %d: %w", i, err)
		}
		logger.V(1).Info("batch loaded", "batch", i, "units", batch)
	}
	return loaded, nil
}

func (k *Kernel) loadNode(ctx context.Context, n *manifest.Node) (*unit.Unit, error) {
	url := n.EntryURL()
	if url == "" {
		return nil, kernelerr.Newf(kernelerr.CodeEntryNotLoaded, "load "+n.Key(), "no distribution location")
	}
	c, err := k.opts.Transport.Load(ctx, url)
	if err != nil {
		return nil, kernelerr.New(kernelerr.CodeEntryNotLoaded, "load "+n.Key(), err)
	}
	return k.loader.Load(ctx, c)
}

// BootstrapUnit runs u's bootstrap: take the lock, run auto-applied extensions, then
// the requested extensions' readiness protocol, initialize and execute. A unit is
// bootstrapped at most once per session; later calls return nil.
//
// When the requested extensions are not ready yet BootstrapUnit returns nil and the
// bootstrap finishes in the background once they are. Failures are returned only
// under FailPropagate.
func (k *Kernel) BootstrapUnit(ctx context.Context, u *unit.Unit) error {
	k.mu.Lock()
	if _, dup := k.started[u.Name]; dup {
		k.mu.Unlock()
		return nil
	}
	k.started[u.Name] = struct{}{}
	k.active++
	data := k.data
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.active--
		k.mu.Unlock()
	}()

	ctx = k.contextFor(ctx, "unit", u.Key())
	rt := unit.NewRuntime(u, data, func(ext string, role unit.Role) {
		k.coord.DeclareRole(u.Name, ext, role)
	})

	grant, err := k.coord.Acquire(ctx, u)
	if err != nil {
		return k.abort(ctx, u, err)
	}
	if grant.Degraded {
		rt.MarkDegraded()
	}

	g := k.executor.NewGroup(ctx, u, rt)
	g.Override = k.executor.ApplyAutoScope(ctx, u, rt)
	return k.drive(ctx, g)
}

// drive runs g until it completes or parks. The caller holds the bootstrap lock.
func (k *Kernel) drive(ctx context.Context, g *extension.Group) error {
	u := g.Unit
	logger := log.FromContext(ctx)
	for {
		out, err := k.executor.Invoke(ctx, g)
		var grant bootstrap.Grant
		switch out {
		case extension.Pending:
			logger.V(1).Info("waiting for extensions", "keys", g.Keys())
			k.coord.Release(u.Name)
			return nil
		case extension.Blocked:
			k.coord.Release(u.Name)
			grant, err = k.coord.Acquire(ctx, u)
		case extension.Deferred:
			grant, err = k.coord.Defer(ctx, u)
		default:
			return k.complete(ctx, u, err)
		}
		if err != nil {
			return k.abort(ctx, u, err)
		}
		if grant.Degraded {
			g.Runtime.MarkDegraded()
		}
	}
}

func (k *Kernel) complete(ctx context.Context, u *unit.Unit, err error) error {
	k.coord.Complete(ctx, u, err)
	if err == nil {
		log.FromContext(ctx).Info("unit bootstrapped")
		return nil
	}
	if k.opts.FailurePolicy == bootstrap.FailPropagate {
		return err
	}
	log.FromContext(ctx).Error(err, "unit bootstrap failed")
	return nil
}

// abort ends a bootstrap whose wait for the lock was cancelled.
func (k *Kernel) abort(ctx context.Context, u *unit.Unit, cause error) error {
	return k.complete(ctx, u, kernelerr.New(kernelerr.CodeBootstrapFailed, "bootstrap "+u.Key(), cause))
}

// resume continues a parked group on its own goroutine. The group counts as in flight
// from the moment it leaves the pending set.
func (k *Kernel) resume(g *extension.Group) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.resumes.Add(1)
	k.active++
	k.mu.Unlock()
	go func() {
		defer k.resumes.Done()
		defer func() {
			k.mu.Lock()
			k.active--
			k.mu.Unlock()
		}()
		k.continueBootstrap(g)
	}()
}

func (k *Kernel) continueBootstrap(g *extension.Group) {

	ctx := log.IntoContext(k.ctx, k.log.WithValues("unit", g.Unit.Key()))
	grant, err := k.coord.Acquire(ctx, g.Unit)
	if err != nil {
		_ = k.abort(ctx, g.Unit, err)
		return
	}
	if grant.Degraded {
		g.Runtime.MarkDegraded()
	}
	if err := k.drive(ctx, g); err != nil {
		k.log.Error(err, "resumed bootstrap failed", "unit", g.Unit.Key())
	}
}

// RegisterExtension registers ext as hosted by provider at version.
func (k *Kernel) RegisterExtension(provider, version string, ext *extension.Extension) extension.Registration {
	reg, _ := k.manager.Register(provider, version, ext)
	return reg
}

// Extension looks up the default version of name. The returned registration's Found
// reports whether it exists.
func (k *Kernel) Extension(name, provider string) extension.Registration {
	return k.manager.Lookup(name, provider)
}

func (k *Kernel) Extensions() []extension.Registration {
	return k.manager.List()
}

// InitRuntime sets the data handed to every later bootstrap's runtime.
func (k *Kernel) InitRuntime(data map[string]any) {
	cp := make(map[string]any, len(data))
	for key, v := range data {
		cp[key] = v
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data = cp
}

func (k *Kernel) Units() []*unit.Unit {
	return k.loader.Units()
}

func (k *Kernel) Unit(name string) (*unit.Unit, bool) {
	return k.loader.Unit(name)
}

func (k *Kernel) Phase(name string) bootstrap.Phase {
	return k.coord.Phase(name)
}

func (k *Kernel) Events() *events.Bus {
	return k.bus
}

// Reset drops every unit, registration, cache and bootstrap record. It returns ErrBusy
// while a load or bootstrap is in flight, a unit holds or waits for the bootstrap lock,
// or a group waits for its extensions.
func (k *Kernel) Reset() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active > 0 || k.coord.Holder() != "" || len(k.coord.Queued()) > 0 || k.executor.Waiting() > 0 {
		return ErrBusy
	}
	k.started = map[string]struct{}{}

	k.executor.Reset()
	k.coord.Reset()
	k.manager.Reset()
	k.loader.Reset()
	k.manifests.Clear()
	k.registry.Forget()
	k.log.Info("kernel reset")
	return nil
}

// Close stops the notice loop and waits for background bootstraps to give up.
func (k *Kernel) Close() {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()

	k.cancel()
	<-k.dispatcher.Done()
	k.resumes.Wait()
}
