// Package fetch retrieves manifest documents by URL.
//
// The kernel treats document retrieval as an external collaborator; this package ships
// the adapters the daemon wires by default (HTTP and Kubernetes ConfigMaps).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrNotFound reports that the document does not exist at the URL. Manifest resolution
// uses it to fall through to the next candidate location without logging a failure.
var ErrNotFound = errors.New("document not found")

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, rawURL string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f(ctx, rawURL)
}

// ByScheme routes a URL to the fetcher registered for its scheme.
type ByScheme map[string]Fetcher

func (m ByScheme) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	f, ok := m[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no fetcher for scheme %q (%s)", u.Scheme, rawURL)
	}
	return f.Fetch(ctx, rawURL)
}
