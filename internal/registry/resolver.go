package registry

import "context"

// Resolver maps a unit name and version range to a concrete publication.
//
// Implementations must be deterministic per name+range for the lifetime of a kernel
// session: the graph builder assumes repeated calls for the same dependency agree.
// Wrap non-deterministic sources with NewMemo.
type Resolver interface {
	Resolve(ctx context.Context, name, rng string) (Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, name, rng string) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, name, rng string) (Resolution, error) {
	return f(ctx, name, rng)
}
