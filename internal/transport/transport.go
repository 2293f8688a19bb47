// Package transport declares the narrow surface the kernel consumes from the module
// transport: something that turns a URL into a container of named exports.
//
// How containers are fetched and linked is not the kernel's concern. The in-memory
// Catalog is the adapter the daemon, the load test and the tests use.
package transport

import (
	"context"
	"errors"
)

// ErrNotRegistered is returned by the Catalog for URLs nothing was registered under.
var ErrNotRegistered = errors.New("no container registered for url")

// Module is one loaded export: a symbol table keyed by exported name.
type Module map[string]any

// Container is a loaded remote entry.
type Container interface {
	Name() string
	Version() string
	// Exposes lists the export names the container can produce (for example "./main").
	Exposes() []string
	Init(ctx context.Context) error
	// Get loads one export. found is false when the container does not expose name.
	Get(ctx context.Context, name string) (mod Module, found bool, err error)
}

// Setupper is implemented by containers with an optional setup step run after Init.
type Setupper interface {
	Setup(ctx context.Context) error
}

// ManifestCarrier is implemented by containers that embed their own manifest document.
type ManifestCarrier interface {
	Manifest() ([]byte, bool)
}

type Transport interface {
	Load(ctx context.Context, url string) (Container, error)
}

// Preloader is implemented by transports that can start fetching a URL ahead of need.
// Preload must not block.
type Preloader interface {
	Preload(ctx context.Context, url string)
}
