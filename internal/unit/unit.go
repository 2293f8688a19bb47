// Package unit holds the in-memory record of a loaded unit and the hooks a unit's main
// export hands to the kernel.
package unit

import (
	"context"
	"sort"
	"sync"

	"github.com/bayleafwalker/bindery-kernel/internal/transport"
)

// Well-known export names.
const (
	ExposeMain   = "./main"
	ExposeConfig = "./config"
)

// Symbol names looked up in loaded modules.
const (
	SymbolMain   = "main"
	SymbolConfig = "config"
)

// Unit is a materialized unit. It lives for the kernel session.
//
// The exposes table and the extension context are owned by the unit and must only be
// touched by code acting on its behalf; the mutex only keeps that code race free.
type Unit struct {
	Name    string
	Version string
	Entry   transport.Container

	// Config is the unit's ./config export, when present.
	Config any
	// Main is the unit's primary hooks, nil when the unit exports none.
	Main *Main
	// Uses is Main.Uses parsed once at load time.
	Uses []Use

	mu               sync.Mutex
	exposes          map[string]transport.Module
	extensionContext map[string]any
	provides         []string
}

func New(name, version string, entry transport.Container) *Unit {
	return &Unit{
		Name:             name,
		Version:          version,
		Entry:            entry,
		exposes:          map[string]transport.Module{},
		extensionContext: map[string]any{},
	}
}

// Key is name@version.
func (u *Unit) Key() string {
	return u.Name + "@" + u.Version
}

func (u *Unit) SetExpose(name string, m transport.Module) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.exposes[name] = m
}

func (u *Unit) Expose(name string) (transport.Module, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.exposes[name]
	return m, ok
}

// Exposes returns the names of the loaded exports in sorted order.
func (u *Unit) Exposes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.exposes))
	for k := range u.exposes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (u *Unit) ExtensionContext(ext string) (any, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.extensionContext[ext]
	return v, ok
}

func (u *Unit) SetExtensionContext(ext string, v any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.extensionContext[ext] = v
}

// AddProvided records that the unit hosts an extension implementation.
func (u *Unit) AddProvided(ext string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, e := range u.provides {
		if e == ext {
			return
		}
	}
	u.provides = append(u.provides, ext)
}

func (u *Unit) Provided() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.provides...)
}

// IsProvider reports whether the unit hosts at least one extension.
func (u *Unit) IsProvider() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.provides) > 0
}

// Main is what a unit's ./main export provides under the "main" symbol.
type Main struct {
	// Uses declares the extensions the unit requests. Entries are parsed with ParseUse.
	Uses []any
	// Initialize runs once the requested extensions are ready. It may ask to be deferred
	// and may declare provider or consumer roles on the runtime.
	Initialize func(ctx context.Context, rt *Runtime) (InitResult, error)
	Execute    func(ctx context.Context, rt *Runtime) error
	// AllowDegraded lets the unit continue when Initialize asks for a defer.
	AllowDegraded bool
}

type InitStatus string

const (
	InitReady InitStatus = ""
	InitDefer InitStatus = "defer"
)

type InitResult struct {
	Status InitStatus
}
