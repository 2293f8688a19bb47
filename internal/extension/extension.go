// Package extension holds the extension registry and the executor that runs the
// setup, defer and apply protocol for a unit's requested extensions.
package extension

import (
	"context"

	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

// SymbolPrefix marks module symbols that export extensions. The loader registers every
// *Extension found under a symbol with this prefix (or exactly "extension").
const SymbolPrefix = "extension"

// Scope selects which units an extension applies itself to without being requested.
type Scope string

const (
	ScopeNone     Scope = ""
	ScopeUnit     Scope = "unit"
	ScopeProvider Scope = "provider"
	ScopeAll      Scope = "all"
)

type Status string

const (
	StatusReady Status = "ready"
	StatusDefer Status = "defer"
	StatusSkip  Status = "skip"
)

// SetupResult is what a setup hook reports. An empty Status counts as ready.
type SetupResult struct {
	Status Status
	// Share is handed to every unit using the extension once it is ready.
	Share any
}

// Extension is a cross-cutting add-on a unit can request, or that applies itself to
// every unit in its AutoApply scope.
type Extension struct {
	Name      string
	AutoApply Scope

	Setup func(ctx context.Context, cc *CallContext) (SetupResult, error)
	Apply func(ctx context.Context, cc *CallContext) error
	// Filter limits auto-apply to the units it accepts.
	Filter func(u *unit.Unit) (bool, error)
	// Override, when set on an auto-applied extension, takes over the unit's own
	// initialize and execute steps.
	Override *Override
}

type Override struct {
	// Match limits the override to some units. Nil matches every unit in scope.
	Match      func(u *unit.Unit) bool
	Initialize func(ctx context.Context, cc *CallContext) (unit.InitResult, error)
	Execute    func(ctx context.Context, cc *CallContext) error
}

func (o *Override) matches(u *unit.Unit) bool {
	return o != nil && (o.Match == nil || o.Match(u))
}

// appliesTo reports whether an extension registered with scope auto-applies to a unit
// in target scope.
func appliesTo(scope, target Scope) bool {
	switch scope {
	case ScopeAll:
		return true
	case ScopeNone:
		return false
	}
	return scope == target
}
