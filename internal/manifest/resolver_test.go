package manifest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-logr/logr/testr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/fetch"
	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
)

// docs is a fetch.Fetcher over an in-memory document set that counts requests.
type docs struct {
	mu    sync.Mutex
	files map[string]string
	calls map[string]int
}

func newDocs(files map[string]string) *docs {
	return &docs{files: files, calls: map[string]int{}}
}

func (d *docs) Fetch(_ context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[url]++
	body, ok := d.files[url]
	if !ok {
		return nil, fetch.ErrNotFound
	}
	return []byte(body), nil
}

func (d *docs) count(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[url]
}

func pub(name, version string) registry.Publication {
	return registry.Publication{Name: name, Version: version, DistBase: "mem://" + name + "/" + version}
}

func testCtx(t *testing.T) context.Context {
	return log.IntoContext(context.Background(), testr.New(t))
}

func TestResolveAndFetchCachesByResolvedVersion(t *testing.T) {
	ctx := testCtx(t)
	d := newDocs(map[string]string{
		"mem://alpha/1.2.0/unit.manifest.json": `{"name":"alpha","version":"1.2.0","requires":[{"name":"beta"}]}`,
	})
	r := NewResolver(registry.NewStatic(pub("alpha", "1.0.0"), pub("alpha", "1.2.0")), nil, d, nil)

	first, err := r.ResolveAndFetch(ctx, "alpha", "^1.0.0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.ResolveAndFetch(ctx, "alpha", ">=1.1.0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected the cached node for alpha@1.2.0 to be reused")
	}
	if got := d.count("mem://alpha/1.2.0/unit.manifest.json"); got != 1 {
		t.Fatalf("expected one fetch for alpha@1.2.0, got %d", got)
	}
	if len(first.Requires) != 1 || first.Requires[0].Name != "beta" {
		t.Fatalf("unexpected requires %+v", first.Requires)
	}
}

func TestResolveAndFetchConcurrentMissesFetchOnce(t *testing.T) {
	ctx := testCtx(t)
	d := newDocs(map[string]string{
		"mem://alpha/1.0.0/unit.manifest.json": `{"name":"alpha","version":"1.0.0"}`,
	})
	r := NewResolver(registry.NewStatic(pub("alpha", "1.0.0")), nil, d, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ResolveAndFetch(ctx, "alpha", ""); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := d.count("mem://alpha/1.0.0/unit.manifest.json"); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
}

func TestResolveAndFetchSourceOrder(t *testing.T) {
	ctx := testCtx(t)

	t.Run("embedded wins", func(t *testing.T) {
		cat := transport.NewCatalog()
		cat.Register("mem://alpha/1.0.0/unit-entry.js", &transport.StaticContainer{
			ContainerName:    "alpha",
			ContainerVersion: "1.0.0",
			EmbeddedManifest: []byte(`{"name":"alpha","version":"1.0.0","requires":[{"name":"gamma"}]}`),
		})
		d := newDocs(map[string]string{
			"mem://alpha/1.0.0/unit.manifest.json": `{"name":"alpha","version":"1.0.0"}`,
		})
		r := NewResolver(registry.NewStatic(pub("alpha", "1.0.0")), cat, d, nil)

		n, err := r.ResolveAndFetch(ctx, "alpha", "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(n.Requires) != 1 || n.Requires[0].Name != "gamma" {
			t.Fatalf("expected embedded manifest, got %+v", n.Requires)
		}
		if d.count("mem://alpha/1.0.0/unit.manifest.json") != 0 {
			t.Fatalf("expected no document fetch when the entry embeds its manifest")
		}
	})

	t.Run("registry declaration before documents", func(t *testing.T) {
		reg := registry.ResolverFunc(func(context.Context, string, string) (registry.Resolution, error) {
			return registry.Resolution{
				Name:     "alpha",
				Version:  "1.0.0",
				DistBase: "mem://alpha/1.0.0",
				Manifest: []byte(`{"name":"alpha","version":"1.0.0","requires":[{"name":"beta"}]}`),
			}, nil
		})
		d := newDocs(map[string]string{
			"mem://alpha/1.0.0/unit.manifest.json": `{"name":"alpha","version":"1.0.0"}`,
		})
		r := NewResolver(reg, nil, d, nil)

		n, err := r.ResolveAndFetch(ctx, "alpha", "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(n.Requires) != 1 || n.Requires[0].Name != "beta" {
			t.Fatalf("expected declared manifest, got %+v", n.Requires)
		}
		if d.count("mem://alpha/1.0.0/unit.manifest.json") != 0 {
			t.Fatalf("expected no document fetch when the registry declares a manifest")
		}
	})

	t.Run("legacy fallback", func(t *testing.T) {
		d := newDocs(map[string]string{
			"mem://alpha/1.0.0/fynapp.manifest.json": "name: alpha\nversion: 1.0.0\nshared-providers:\n  delta:\n    requireVersion: ^2.0.0\n",
		})
		r := NewResolver(registry.NewStatic(pub("alpha", "1.0.0")), nil, d, nil)

		n, err := r.ResolveAndFetch(ctx, "alpha", "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if n.SharedProviders["delta"].RequireVersion != "^2.0.0" {
			t.Fatalf("expected legacy yaml manifest, got %+v", n.SharedProviders)
		}
		if d.count("mem://alpha/1.0.0/unit.manifest.json") != 1 {
			t.Fatalf("expected canonical document to be tried first")
		}
	})

	t.Run("synthesized", func(t *testing.T) {
		d := newDocs(map[string]string{
			"mem://alpha/1.0.0/unit.manifest.json": `{not json`,
		})
		r := NewResolver(registry.NewStatic(pub("alpha", "1.0.0")), nil, d, nil)

		n, err := r.ResolveAndFetch(ctx, "alpha", "")
		if err != nil {
			t.Fatalf("resolve must not fail once the registry answered: %v", err)
		}
		if n.Key() != "alpha@1.0.0" || len(n.Dependencies()) != 0 {
			t.Fatalf("expected empty synthesized node, got %s", n)
		}
	})
}

func TestResolveAndFetchRegistryFailure(t *testing.T) {
	r := NewResolver(registry.NewStatic(), nil, nil, nil)
	_, err := r.ResolveAndFetch(testCtx(t), "ghost", "")
	if !errors.Is(err, kernelerr.ErrDependencyNotFound) {
		t.Fatalf("expected DependencyNotFound, got %v", err)
	}
	if !errors.Is(err, registry.ErrUnitNotFound) {
		t.Fatalf("expected registry cause to be wrapped, got %v", err)
	}
}

func TestEntryURLAndClear(t *testing.T) {
	ctx := testCtx(t)
	r := NewResolver(registry.NewStatic(
		pub("alpha", "1.0.0"),
		registry.Publication{Name: "beta", Version: "1.0.0", ManifestURL: "mem://cdn/beta/1.0.0/unit.manifest.json"},
	), nil, nil, nil)

	if _, ok := r.EntryURL("alpha"); ok {
		t.Fatalf("expected no entry url before resolution")
	}
	for _, name := range []string{"alpha", "beta"} {
		if _, err := r.ResolveAndFetch(ctx, name, ""); err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
	}
	if u, _ := r.EntryURL("alpha"); u != "mem://alpha/1.0.0/unit-entry.js" {
		t.Fatalf("unexpected alpha entry url %q", u)
	}
	if u, _ := r.EntryURL("beta"); u != "mem://cdn/beta/1.0.0/unit-entry.js" {
		t.Fatalf("unexpected beta entry url %q", u)
	}

	r.Clear()
	if _, ok := r.EntryURL("alpha"); ok {
		t.Fatalf("expected metadata to be cleared")
	}
	if _, ok := r.Cached("alpha@1.0.0"); ok {
		t.Fatalf("expected node cache to be cleared")
	}
}
