// Package loader materializes units from loaded remote entries.
package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/extension"
	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/manifest"
	"github.com/bayleafwalker/bindery-kernel/internal/metrics"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

// Manifests is what the loader needs from the manifest resolver.
type Manifests interface {
	Cached(key string) (*manifest.Node, bool)
	EntryURL(name string) (string, bool)
}

type Loader struct {
	transport transport.Transport
	manager   *extension.Manager
	manifests Manifests
	metrics   *metrics.Metrics

	mu       sync.Mutex
	units    map[string]*unit.Unit
	scanned  map[string]struct{}
	provides map[string][]string
	// prepared holds the name@version of containers whose Init and Setup ran.
	prepared map[string]struct{}

	group singleflight.Group
}

func New(tr transport.Transport, manager *extension.Manager, manifests Manifests, m *metrics.Metrics) *Loader {
	return &Loader{
		transport: tr,
		manager:   manager,
		manifests: manifests,
		metrics:   m,
		units:     map[string]*unit.Unit{},
		scanned:   map[string]struct{}{},
		provides:  map[string][]string{},
		prepared:  map[string]struct{}{},
	}
}

// Load materializes the unit served by c, or returns the record already held for its
// name. Missing config or main exports are not errors.
func (l *Loader) Load(ctx context.Context, c transport.Container) (*unit.Unit, error) {
	if u, ok := l.Unit(c.Name()); ok {
		return u, nil
	}
	key := c.Name() + "@" + c.Version()
	v, err, _ := l.group.Do(key, func() (any, error) {
		if u, ok := l.Unit(c.Name()); ok {
			return u, nil
		}
		return l.materialize(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return v.(*unit.Unit), nil
}

func (l *Loader) materialize(ctx context.Context, c transport.Container) (*unit.Unit, error) {
	u := unit.New(c.Name(), c.Version(), c)
	logger := log.FromContext(ctx).WithValues("unit", u.Key())

	if err := l.prepare(ctx, c); err != nil {
		return nil, err
	}

	cfg, found, err := l.LoadExpose(ctx, u, unit.ExposeConfig)
	if err != nil {
		return nil, err
	}
	if found {
		if v, ok := cfg[unit.SymbolConfig]; ok {
			u.Config = v
		} else {
			u.Config = map[string]any(cfg)
		}
	}

	mainMod, found, err := l.LoadExpose(ctx, u, unit.ExposeMain)
	if err != nil {
		return nil, err
	}
	if found {
		l.scan(logger, u.Name, u.Version, unit.ExposeMain, mainMod)
		if m, ok := mainMod[unit.SymbolMain].(*unit.Main); ok {
			uses, err := unit.ParseUses(m.Uses)
			if err != nil {
				return nil, kernelerr.New(kernelerr.CodeEntryFailed, "main "+u.Key(), err)
			}
			u.Main = m
			u.Uses = uses
		}
	} else {
		logger.V(1).Info("unit has no main export")
	}

	if node := l.node(u); node != nil {
		for _, pkg := range node.ExtensionImports() {
			l.loadExtensions(ctx, logger, pkg, node.ImportExposed[pkg])
		}
	}

	l.mu.Lock()
	for _, ext := range l.provides[u.Name] {
		u.AddProvided(ext)
	}
	l.units[u.Name] = u
	n := len(l.units)
	l.mu.Unlock()

	l.metrics.SetUnitsLoaded(n)
	logger.V(1).Info("unit loaded", "exposes", u.Exposes(), "uses", len(u.Uses), "provider", u.IsProvider())
	return u, nil
}

// prepare runs c's Init and optional Setup once per container version, whether c is
// first reached as a unit or as an extension provider.
func (l *Loader) prepare(ctx context.Context, c transport.Container) error {
	key := c.Name() + "@" + c.Version()
	_, err, _ := l.group.Do("prepare|"+key, func() (any, error) {
		l.mu.Lock()
		_, done := l.prepared[key]
		l.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := c.Init(ctx); err != nil {
			return nil, kernelerr.New(kernelerr.CodeEntryFailed, "init "+key, err)
		}
		if s, ok := c.(transport.Setupper); ok {
			if err := s.Setup(ctx); err != nil {
				return nil, kernelerr.New(kernelerr.CodeEntryFailed, "setup "+key, err)
			}
		}
		l.mu.Lock()
		l.prepared[key] = struct{}{}
		l.mu.Unlock()
		return nil, nil
	})
	return err
}

// LoadExpose returns u's export name, loading it from the entry on first use. found is
// false when the entry does not expose name.
func (l *Loader) LoadExpose(ctx context.Context, u *unit.Unit, name string) (transport.Module, bool, error) {
	if m, ok := u.Expose(name); ok {
		return m, true, nil
	}
	if u.Entry == nil {
		return nil, false, kernelerr.Newf(kernelerr.CodeEntryNotLoaded, "load "+u.Key()+" "+name, "unit has no entry")
	}
	m, found, err := u.Entry.Get(ctx, name)
	if err != nil {
		return nil, false, kernelerr.New(kernelerr.CodeEntryFailed, "load "+u.Key()+" "+name, err)
	}
	if !found {
		return nil, false, nil
	}
	u.SetExpose(name, m)
	return m, true, nil
}

// RequireExpose is LoadExpose for exports the caller cannot do without.
func (l *Loader) RequireExpose(ctx context.Context, u *unit.Unit, name string) (transport.Module, error) {
	m, found, err := l.LoadExpose(ctx, u, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kernelerr.Newf(kernelerr.CodeExposeNotFound, "load "+u.Key(), "export %q not found", name)
	}
	return m, nil
}

func (l *Loader) node(u *unit.Unit) *manifest.Node {
	if l.manifests != nil {
		if n, ok := l.manifests.Cached(u.Key()); ok {
			return n
		}
	}
	if carrier, ok := u.Entry.(transport.ManifestCarrier); ok {
		if body, ok := carrier.Manifest(); ok {
			if n, err := manifest.Parse(body); err == nil {
				return n
			}
		}
	}
	return nil
}

// loadExtensions loads the extension modules pkg exposes to this unit and registers
// what they export, so they are available before the unit bootstraps. A provider that
// cannot be located or loaded yet is logged and skipped.
func (l *Loader) loadExtensions(ctx context.Context, logger logr.Logger, pkg string, modules map[string]manifest.ExposedModule) {
	var entry transport.Container
	if dep, ok := l.Unit(pkg); ok {
		entry = dep.Entry
	} else {
		if l.manifests == nil {
			return
		}
		url, ok := l.manifests.EntryURL(pkg)
		if !ok {
			logger.V(1).Info("extension provider not resolved yet", "provider", pkg)
			return
		}
		c, err := l.transport.Load(ctx, url)
		if err != nil {
			logger.Info("extension provider not loadable", "provider", pkg, "url", url, "error", err.Error())
			return
		}
		if err := l.prepare(ctx, c); err != nil {
			logger.Info("extension provider failed to start", "provider", pkg, "error", err.Error())
			return
		}
		entry = c
	}

	paths := make([]string, 0, len(modules))
	for path, m := range modules {
		if m.IsExtension() {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		mod, found, err := entry.Get(ctx, path)
		if err != nil || !found {
			logger.Info("extension module not available", "provider", pkg, "module", path, "found", found, "error", errString(err))
			continue
		}
		l.scan(logger, entry.Name(), entry.Version(), path, mod)
	}
}

// scan registers every extension exported by mod. A provider's export is only scanned
// once.
func (l *Loader) scan(logger logr.Logger, provider, version, expose string, mod transport.Module) {
	guard := provider + "@" + version + "|" + expose
	l.mu.Lock()
	if _, done := l.scanned[guard]; done {
		l.mu.Unlock()
		return
	}
	l.scanned[guard] = struct{}{}
	l.mu.Unlock()

	symbols := make([]string, 0, len(mod))
	for sym := range mod {
		if strings.HasPrefix(sym, extension.SymbolPrefix) {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		switch v := mod[sym].(type) {
		case *extension.Extension:
			l.register(logger, provider, version, v)
		case []*extension.Extension:
			for _, ext := range v {
				l.register(logger, provider, version, ext)
			}
		}
	}
}

func (l *Loader) register(logger logr.Logger, provider, version string, ext *extension.Extension) {
	if ext == nil || ext.Name == "" {
		logger.Info("ignoring unnamed extension", "provider", provider)
		return
	}
	reg, added := l.manager.Register(provider, version, ext)
	if added {
		logger.V(1).Info("registered extension", "extension", reg.FullKey(), "autoApply", string(ext.AutoApply))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.provides[provider] {
		if e == ext.Name {
			return
		}
	}
	l.provides[provider] = append(l.provides[provider], ext.Name)
	if u, ok := l.units[provider]; ok {
		u.AddProvided(ext.Name)
	}
}

func (l *Loader) Unit(name string) (*unit.Unit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.units[name]
	return u, ok
}

// Units returns every materialized unit sorted by name.
func (l *Loader) Units() []*unit.Unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*unit.Unit, 0, len(l.units))
	for _, u := range l.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forgets every unit and scan.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.units = map[string]*unit.Unit{}
	l.scanned = map[string]struct{}{}
	l.provides = map[string][]string{}
	l.prepared = map[string]struct{}{}
	l.metrics.SetUnitsLoaded(0)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
