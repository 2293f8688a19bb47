// Package manifest resolves unit manifests and turns them into dependency graphs.
//
// A Resolver is owned by one kernel session. Its caches (nodes by name@version, load
// metadata by name) live as long as the session and are only emptied by Clear.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/fetch"
	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/metrics"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
)

// Manifest sources, in lookup order. Also used as metric labels.
const (
	SourceEmbedded    = "embedded"
	SourceRegistry    = "registry"
	SourceCanonical   = "canonical"
	SourceLegacy      = "legacy"
	SourceSynthesized = "synthesized"
)

// Metadata is what the loader needs to derive load URLs for a unit by name.
type Metadata struct {
	Name        string
	Version     string
	ManifestURL string
	DistBase    string
}

type Resolver struct {
	registry  registry.Resolver
	transport transport.Transport
	fetcher   fetch.Fetcher
	metrics   *metrics.Metrics

	mu        sync.Mutex
	nodes     map[string]*Node
	meta      map[string]Metadata
	preloaded map[string]struct{}

	group singleflight.Group
}

// NewResolver wires a manifest resolver. transport and fetcher may be nil, in which case
// the sources that need them are skipped.
func NewResolver(reg registry.Resolver, tr transport.Transport, f fetch.Fetcher, m *metrics.Metrics) *Resolver {
	return &Resolver{
		registry:  reg,
		transport: tr,
		fetcher:   f,
		metrics:   m,
		nodes:     map[string]*Node{},
		meta:      map[string]Metadata{},
		preloaded: map[string]struct{}{},
	}
}

// ResolveAndFetch resolves name against rng and returns its manifest node.
//
// The only failure is the registry failing to resolve the request, reported as a
// DependencyNotFound error. Once resolved, a node is always returned: when no manifest
// can be found an empty one is synthesized.
func (r *Resolver) ResolveAndFetch(ctx context.Context, name, rng string) (*Node, error) {
	res, err := r.registry.Resolve(ctx, name, rng)
	if err != nil {
		return nil, kernelerr.New(kernelerr.CodeDependencyNotFound, fmt.Sprintf("resolve %s", Request{Name: name, Range: rng}), err)
	}
	r.remember(res)

	key := Key(res.Name, res.Version)
	if n := r.cached(key); n != nil {
		r.metrics.ManifestCacheHit()
		return n, nil
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		if n := r.cached(key); n != nil {
			return n, nil
		}
		n := r.materialize(ctx, res)
		r.mu.Lock()
		r.nodes[key] = n
		r.mu.Unlock()
		return n, nil
	})
	return v.(*Node), nil
}

// Cached returns the node for key without resolving anything.
func (r *Resolver) Cached(key string) (*Node, bool) {
	n := r.cached(key)
	return n, n != nil
}

func (r *Resolver) cached(key string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[key]
}

func (r *Resolver) remember(res registry.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[res.Name] = Metadata{
		Name:        res.Name,
		Version:     res.Version,
		ManifestURL: res.ManifestURL,
		DistBase:    res.DistBase,
	}
}

// Metadata returns the last resolution recorded for name.
func (r *Resolver) Metadata(name string) (Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[name]
	return m, ok
}

// EntryURL returns the remote entry URL for a unit resolved earlier in the session.
func (r *Resolver) EntryURL(name string) (string, bool) {
	m, ok := r.Metadata(name)
	if !ok {
		return "", false
	}
	u := entryURL(m.DistBase, m.ManifestURL)
	return u, u != ""
}

// Clear empties every cache the resolver holds.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = map[string]*Node{}
	r.meta = map[string]Metadata{}
	r.preloaded = map[string]struct{}{}
}

func (r *Resolver) materialize(ctx context.Context, res registry.Resolution) *Node {
	logger := log.FromContext(ctx).WithName("manifest").WithValues("unit", Key(res.Name, res.Version))

	if n := r.fromEntry(ctx, logger, res); n != nil {
		return r.finish(n, res, SourceEmbedded)
	}
	if len(res.Manifest) > 0 {
		n, err := Parse(res.Manifest)
		if err == nil {
			return r.finish(n, res, SourceRegistry)
		}
		logger.Info("ignoring manifest declared by the registry", "error", err.Error())
	}

	canonical := res.ManifestURL
	if canonical == "" && res.DistBase != "" {
		canonical = joinURL(res.DistBase, CanonicalFile)
	}
	if n := r.fromDocument(ctx, logger, canonical); n != nil {
		return r.finish(n, res, SourceCanonical)
	}

	if res.DistBase != "" {
		if n := r.fromDocument(ctx, logger, joinURL(res.DistBase, LegacyFile)); n != nil {
			return r.finish(n, res, SourceLegacy)
		}
	}

	logger.V(1).Info("no manifest found, synthesizing an empty one")
	return r.finish(&Node{}, res, SourceSynthesized)
}

// finish stamps the resolved identity onto n. The registry's answer wins over what the
// document claims so cache keys stay consistent with resolution.
func (r *Resolver) finish(n *Node, res registry.Resolution, source string) *Node {
	n.Name = res.Name
	n.Version = res.Version
	n.ManifestURL = res.ManifestURL
	n.DistBase = res.DistBase
	r.metrics.ManifestFetched(source)
	return n
}

func (r *Resolver) fromEntry(ctx context.Context, logger logr.Logger, res registry.Resolution) *Node {
	if r.transport == nil {
		return nil
	}
	url := entryURL(res.DistBase, res.ManifestURL)
	if url == "" {
		return nil
	}
	c, err := r.transport.Load(ctx, url)
	if err != nil {
		logger.V(1).Info("remote entry not available for embedded manifest", "url", url, "error", err.Error())
		return nil
	}
	carrier, ok := c.(transport.ManifestCarrier)
	if !ok {
		return nil
	}
	body, ok := carrier.Manifest()
	if !ok {
		return nil
	}
	n, err := Parse(body)
	if err != nil {
		logger.Info("ignoring embedded manifest", "error", err.Error())
		return nil
	}
	return n
}

func (r *Resolver) fromDocument(ctx context.Context, logger logr.Logger, url string) *Node {
	if r.fetcher == nil || url == "" {
		return nil
	}
	body, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			logger.V(1).Info("manifest document not found", "url", url)
			return nil
		}
		ferr := kernelerr.New(kernelerr.CodeManifestFetchFailed, "fetch "+url, err)
		logger.Info("manifest fetch failed", "error", ferr.Error())
		return nil
	}
	n, err := Parse(body)
	if err != nil {
		logger.Info("ignoring manifest document", "url", url, "error", err.Error())
		return nil
	}
	return n
}

// preload hints the transport to start fetching n's entry. Hints are deduplicated by URL
// for the life of the session and never block the caller.
func (r *Resolver) preload(ctx context.Context, n *Node) {
	url := n.EntryURL()
	if url == "" {
		return
	}
	r.mu.Lock()
	if _, done := r.preloaded[url]; done {
		r.mu.Unlock()
		return
	}
	r.preloaded[url] = struct{}{}
	r.mu.Unlock()

	if p, ok := r.transport.(transport.Preloader); ok {
		go p.Preload(context.WithoutCancel(ctx), url)
	}
}

// Preloaded reports whether a preload hint was issued for url.
func (r *Resolver) Preloaded(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.preloaded[url]
	return ok
}
