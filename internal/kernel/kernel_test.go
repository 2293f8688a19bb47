package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/bootstrap"
	"github.com/bayleafwalker/bindery-kernel/internal/events"
	"github.com/bayleafwalker/bindery-kernel/internal/extension"
	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/manifest"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	catalog  *transport.Catalog
	registry *registry.Static
	k        *Kernel
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      log.IntoContext(context.Background(), testr.New(t)),
		catalog:  transport.NewCatalog(),
		registry: registry.NewStatic(),
	}
	opts.Registry = f.registry
	opts.Transport = f.catalog
	opts.Logger = testr.New(t)
	k, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(k.Close)
	f.k = k
	return f
}

func baseURL(name string) string {
	return "mem://" + name + "/1.0.0"
}

// publish serves name@1.0.0 with an embedded manifest requiring the given units.
func (f *fixture) publish(name string, requires []string, main *unit.Main, extra transport.Module) {
	f.t.Helper()
	base := baseURL(name)
	f.registry.Publish(registry.Publication{Name: name, Version: "1.0.0", DistBase: base})

	reqs := make([]manifest.Request, 0, len(requires))
	for _, r := range requires {
		reqs = append(reqs, manifest.Request{Name: r})
	}
	body, err := json.Marshal(map[string]any{"name": name, "version": "1.0.0", "requires": reqs})
	require.NoError(f.t, err)

	mod := transport.Module{unit.SymbolMain: main}
	for k, v := range extra {
		mod[k] = v
	}
	f.catalog.Register(base+"/"+manifest.EntryFile, &transport.StaticContainer{
		ContainerName:    name,
		ContainerVersion: "1.0.0",
		Modules:          map[string]func() transport.Module{unit.ExposeMain: func() transport.Module { return mod }},
		EmbeddedManifest: body,
	})
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) execute(name string) func(context.Context, *unit.Runtime) error {
	return func(context.Context, *unit.Runtime) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, name)
		return nil
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func waitFor(t *testing.T, ch <-chan events.Event, kind events.Kind, name string) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind && ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s from %s", kind, name)
		}
	}
}

func TestLoadUnitsByNameRunsBatchesInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	var rec recorder
	f.publish("log", nil, &unit.Main{Execute: rec.execute("log")}, nil)
	f.publish("ui", []string{"log"}, &unit.Main{Execute: rec.execute("ui")}, nil)
	f.publish("app", []string{"ui", "log"}, &unit.Main{Execute: rec.execute("app")}, nil)

	units, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "app"}}, LoadOptions{})
	require.NoError(t, err)
	require.Len(t, units, 3)
	require.Equal(t, []string{"log", "ui", "app"}, rec.list())
	for _, name := range []string{"log", "ui", "app"} {
		require.Equal(t, bootstrap.PhaseBootstrapped, f.k.Phase(name))
	}
	require.Len(t, f.k.Units(), 3)
}

func TestConsumerWaitsForProvider(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 2})
	var rec recorder
	f.publish("consumer", nil, &unit.Main{
		Initialize: func(_ context.Context, rt *unit.Runtime) (unit.InitResult, error) {
			rt.DeclareConsumer("auth")
			return unit.InitResult{}, nil
		},
		Execute: rec.execute("consumer"),
	}, nil)
	f.publish("provider", nil, &unit.Main{
		Initialize: func(_ context.Context, rt *unit.Runtime) (unit.InitResult, error) {
			rt.DeclareProvider("auth")
			return unit.InitResult{}, nil
		},
		Execute: rec.execute("provider"),
	}, nil)

	_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "consumer"}, {Name: "provider"}}, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"provider", "consumer"}, rec.list())
	require.Equal(t, bootstrap.PhaseBootstrapped, f.k.Phase("consumer"))
}

func TestDeferredExtensionResumesConsumer(t *testing.T) {
	f := newFixture(t, Options{})
	ready := make(chan struct{})
	var setups int
	auth := &extension.Extension{
		Name: "auth",
		Setup: func(_ context.Context, cc *extension.CallContext) (extension.SetupResult, error) {
			setups++
			go func() {
				<-ready
				cc.SignalReady("token")
			}()
			return extension.SetupResult{Status: extension.StatusDefer}, nil
		},
	}
	f.publish("identity", nil, &unit.Main{}, transport.Module{"extensionAuth": auth})

	shared := make(chan any, 1)
	f.publish("app", []string{"identity"}, &unit.Main{
		Uses: []any{"identity::auth"},
		Execute: func(_ context.Context, rt *unit.Runtime) error {
			v, _ := rt.Shared("auth")
			shared <- v
			return nil
		},
	}, nil)

	sub, cancel := f.k.Events().Subscribe(8, events.UnitBootstrapped, events.ExtensionReady)
	defer cancel()

	_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "app"}}, LoadOptions{})
	require.NoError(t, err)
	require.NotEqual(t, bootstrap.PhaseBootstrapped, f.k.Phase("app"))

	close(ready)
	waitFor(t, sub, events.ExtensionReady, "auth")
	waitFor(t, sub, events.UnitBootstrapped, "app")
	require.Equal(t, "token", <-shared)
	require.Equal(t, 1, setups)
}

func TestExtensionThatNeverBecomesReadyFailsBootstrap(t *testing.T) {
	f := newFixture(t, Options{})
	var mu sync.Mutex
	setups := map[string]int{}
	applied := map[string]int{}
	auth := &extension.Extension{
		Name: "auth",
		Setup: func(_ context.Context, cc *extension.CallContext) (extension.SetupResult, error) {
			mu.Lock()
			defer mu.Unlock()
			setups[cc.Unit.Name]++
			if cc.Unit.Name == "app" {
				return extension.SetupResult{Status: extension.StatusDefer}, nil
			}
			return extension.SetupResult{Status: extension.StatusReady, Share: "token"}, nil
		},
		Apply: func(_ context.Context, cc *extension.CallContext) error {
			mu.Lock()
			defer mu.Unlock()
			applied[cc.Unit.Name]++
			return nil
		},
	}
	f.publish("identity", nil, &unit.Main{}, transport.Module{"extensionAuth": auth})
	f.publish("app", []string{"identity"}, &unit.Main{Uses: []any{"identity::auth"}}, nil)
	f.publish("other", []string{"identity"}, &unit.Main{Uses: []any{"identity::auth"}}, nil)

	sub, cancel := f.k.Events().Subscribe(8, events.BootstrapFailed)
	defer cancel()

	_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "app"}}, LoadOptions{})
	require.NoError(t, err)
	_, err = f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "other"}}, LoadOptions{})
	require.NoError(t, err)

	ev := waitFor(t, sub, events.BootstrapFailed, "app")
	require.Contains(t, ev.Error, "identity::auth")
	require.Equal(t, bootstrap.PhaseFailed, f.k.Phase("app"))
	require.Equal(t, bootstrap.PhaseBootstrapped, f.k.Phase("other"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, extension.MaxAttempts, setups["app"])
	require.Zero(t, applied["app"])
	require.Equal(t, 1, applied["other"])
}

func TestFailurePolicy(t *testing.T) {
	boom := errors.New("boom")

	t.Run("isolate", func(t *testing.T) {
		f := newFixture(t, Options{})
		var rec recorder
		f.publish("broken", nil, &unit.Main{Execute: func(context.Context, *unit.Runtime) error { return boom }}, nil)
		f.publish("healthy", nil, &unit.Main{Execute: rec.execute("healthy")}, nil)
		sub, cancel := f.k.Events().Subscribe(8, events.BootstrapFailed)
		defer cancel()

		_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "broken"}, {Name: "healthy"}}, LoadOptions{Concurrency: 1})
		require.NoError(t, err)
		ev := waitFor(t, sub, events.BootstrapFailed, "broken")
		require.Contains(t, ev.Error, "boom")
		require.Equal(t, bootstrap.PhaseFailed, f.k.Phase("broken"))
		require.Equal(t, []string{"healthy"}, rec.list())
	})

	t.Run("propagate", func(t *testing.T) {
		f := newFixture(t, Options{FailurePolicy: bootstrap.FailPropagate})
		f.publish("broken", nil, &unit.Main{Execute: func(context.Context, *unit.Runtime) error { return boom }}, nil)

		_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "broken"}}, LoadOptions{})
		require.ErrorIs(t, err, kernelerr.ErrBootstrapFailed)
		require.ErrorIs(t, err, boom)
	})
}

func TestCyclePolicy(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish("a", []string{"b"}, &unit.Main{}, nil)
	f.publish("b", []string{"a"}, &unit.Main{}, nil)

	_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "a"}}, LoadOptions{})
	require.ErrorIs(t, err, kernelerr.ErrDependencyCycle)
	require.Empty(t, f.k.Units())

	lenient := newFixture(t, Options{CyclePolicy: manifest.CycleBestEffort})
	lenient.publish("a", []string{"b"}, &unit.Main{}, nil)
	lenient.publish("b", []string{"a"}, &unit.Main{}, nil)

	units, err := lenient.k.LoadUnitsByName(lenient.ctx, []manifest.Request{{Name: "a"}}, LoadOptions{})
	require.NoError(t, err)
	require.Len(t, units, 2)
}

func TestLoadUnitByBaseURL(t *testing.T) {
	f := newFixture(t, Options{})
	f.k.InitRuntime(map[string]any{"tenant": "acme"})

	var tenant any
	f.publish("app", nil, &unit.Main{Execute: func(_ context.Context, rt *unit.Runtime) error {
		tenant = rt.Data["tenant"]
		return nil
	}}, nil)

	u, err := f.k.LoadUnit(f.ctx, baseURL("app"), "")
	require.NoError(t, err)
	require.Equal(t, "app@1.0.0", u.Key())
	require.Equal(t, "acme", tenant)

	again, err := f.k.LoadUnit(f.ctx, baseURL("app")+"/"+manifest.EntryFile, "reload")
	require.NoError(t, err)
	require.Same(t, u, again)

	_, err = f.k.LoadUnit(f.ctx, "mem://missing", "")
	require.ErrorIs(t, err, kernelerr.ErrEntryNotLoaded)
}

func TestRegisterExtensionAndReset(t *testing.T) {
	f := newFixture(t, Options{})
	reg := f.k.RegisterExtension("host", "1.0.0", &extension.Extension{Name: "theme"})
	require.Equal(t, "host@1.0.0::theme", reg.FullKey())
	require.True(t, f.k.Extension("theme", "").Found())
	require.Len(t, f.k.Extensions(), 1)

	var rec recorder
	f.publish("app", nil, &unit.Main{Execute: rec.execute("app")}, nil)
	_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "app"}}, LoadOptions{})
	require.NoError(t, err)

	require.NoError(t, f.k.BootstrapUnit(f.ctx, f.k.Units()[0]))
	require.Equal(t, []string{"app"}, rec.list(), "a unit bootstraps once per session")

	require.NoError(t, f.k.Reset())
	require.Empty(t, f.k.Units())
	require.False(t, f.k.Extension("theme", "").Found())
	require.Equal(t, bootstrap.PhaseUnknown, f.k.Phase("app"))

	_, err = f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "app"}}, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"app", "app"}, rec.list())
}

func TestResetRefusedWhileBootstrapRuns(t *testing.T) {
	f := newFixture(t, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	f.publish("slow", nil, &unit.Main{Execute: func(context.Context, *unit.Runtime) error {
		close(entered)
		<-release
		return nil
	}}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "slow"}}, LoadOptions{})
		done <- err
	}()

	<-entered
	require.ErrorIs(t, f.k.Reset(), ErrBusy)
	require.Equal(t, bootstrap.PhaseBootstrapping, f.k.Phase("slow"))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, f.k.Reset())
	require.Empty(t, f.k.Units())
}

func TestResetRefusedWhileGroupWaitsForExtension(t *testing.T) {
	f := newFixture(t, Options{})
	var pending *extension.CallContext
	f.publish("identity", nil, &unit.Main{}, transport.Module{"extensionAuth": &extension.Extension{
		Name: "auth",
		Setup: func(_ context.Context, cc *extension.CallContext) (extension.SetupResult, error) {
			pending = cc
			return extension.SetupResult{Status: extension.StatusDefer}, nil
		},
	}})
	f.publish("app", []string{"identity"}, &unit.Main{Uses: []any{"identity::auth"}}, nil)

	sub, cancel := f.k.Events().Subscribe(8, events.UnitBootstrapped)
	defer cancel()

	_, err := f.k.LoadUnitsByName(f.ctx, []manifest.Request{{Name: "app"}}, LoadOptions{})
	require.NoError(t, err)
	require.ErrorIs(t, f.k.Reset(), ErrBusy)

	pending.SignalReady(nil)
	waitFor(t, sub, events.UnitBootstrapped, "app")
	require.Eventually(t, func() bool { return f.k.Reset() == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestNewRequiresRegistryAndTransport(t *testing.T) {
	_, err := New(Options{Transport: transport.NewCatalog()})
	require.Error(t, err)
	_, err = New(Options{Registry: registry.NewStatic()})
	require.Error(t, err)
}

func TestClampConcurrency(t *testing.T) {
	for in, want := range map[int]int{0: DefaultConcurrency, -3: 1, 1: 1, 6: 6, 64: MaxConcurrency} {
		require.Equal(t, want, clampConcurrency(in), "input %d", in)
	}
	o := Options{}.withDefaults()
	require.Equal(t, manifest.CycleFail, o.CyclePolicy)
	require.Equal(t, bootstrap.FailIsolate, o.FailurePolicy)
	require.Equal(t, bootstrap.DefaultTimeout, o.BootstrapTimeout)
}
