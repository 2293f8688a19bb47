package transport

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
)

// SyntheticScheme marks entry URLs that Synthesize can build a container for.
const SyntheticScheme = "synthetic"

// Catalog is an in-memory Transport: containers are registered under the URL they are
// served from. Loads are cached per URL so a container is handed out as one instance.
type Catalog struct {
	// Fallback, when set, builds containers for URLs nothing was registered under. A
	// container it returns is registered under the URL.
	Fallback func(url string) (Container, bool)

	mu         sync.Mutex
	containers map[string]Container
	loads      map[string]int
	preloads   map[string]int
}

func NewCatalog() *Catalog {
	return &Catalog{
		containers: map[string]Container{},
		loads:      map[string]int{},
		preloads:   map[string]int{},
	}
}

// Register makes c available at url, replacing any previous registration.
func (c *Catalog) Register(url string, container Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containers[url] = container
}

func (c *Catalog) Load(ctx context.Context, url string) (Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	container, ok := c.containers[url]
	if !ok && c.Fallback != nil {
		if container, ok = c.Fallback(url); ok {
			c.containers[url] = container
		}
	}
	if !ok {
		return nil, fmt.Errorf("load %s: %w", url, ErrNotRegistered)
	}
	c.loads[url]++
	return container, nil
}

func (c *Catalog) Preload(_ context.Context, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preloads[url]++
}

// Loads reports how many times url was loaded.
func (c *Catalog) Loads(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads[url]
}

// Preloads reports how many preload hints url received.
func (c *Catalog) Preloads(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preloads[url]
}

// URLs returns the registered URLs in sorted order.
func (c *Catalog) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.containers))
	for u := range c.containers {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Synthesize builds an empty container for synthetic://<any>/<name>/<version>/<file>
// entry URLs. Such units have no exports; they exercise resolution and bootstrap only.
func Synthesize(rawURL string) (Container, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != SyntheticScheme {
		return nil, false
	}
	parts := strings.Split(strings.Trim(path.Join(u.Host, u.Path), "/"), "/")
	if len(parts) < 3 {
		return nil, false
	}
	name, version := parts[len(parts)-3], parts[len(parts)-2]
	return &StaticContainer{ContainerName: name, ContainerVersion: version}, true
}
