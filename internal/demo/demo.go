// Package demo publishes a small set of in-process units that exercise the kernel end to
// end: an auto-applied tracing extension, a deferred auth extension with a provider and
// a consumer, and a dependent dashboard.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bayleafwalker/bindery-kernel/internal/extension"
	"github.com/bayleafwalker/bindery-kernel/internal/manifest"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

const Scheme = "demo"

// DefaultTokenDelay is how long the identity unit's auth extension takes to become ready.
const DefaultTokenDelay = 50 * time.Millisecond

// Session is what the auth extension shares with its users.
type Session struct {
	Issuer string `json:"issuer"`
	Tenant string `json:"tenant,omitempty"`
	Token  string `json:"token"`
}

// Journal records what demo units did, in order.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) Record(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type Options struct {
	TokenDelay time.Duration
	Journal    *Journal
}

// Requests is the default startup load list.
func Requests() []manifest.Request {
	return []manifest.Request{{Name: "dashboard"}}
}

// BaseURL is where name@version is served from inside the catalog.
func BaseURL(name, version string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, name, version)
}

// Install registers the demo units' entries in c and publishes them in r.
func Install(c *transport.Catalog, r *registry.Static, opts Options) error {
	if opts.TokenDelay <= 0 {
		opts.TokenDelay = DefaultTokenDelay
	}
	if opts.Journal == nil {
		opts.Journal = &Journal{}
	}
	units := []struct {
		name, version string
		doc           map[string]any
		modules       map[string]func() transport.Module
	}{
		{"telemetry", "1.0.0", nil, telemetry(opts.Journal)},
		{"identity", "1.2.0", nil, identity(opts)},
		{"shell", "1.0.0", map[string]any{
			"requires": []manifest.Request{{Name: "telemetry", Range: "^1.0.0"}},
			"import-exposed": map[string]map[string]manifest.ExposedModule{
				"identity": {"./extension": {Type: manifest.ExposedTypeExtension, RequireVersion: "^1.0.0"}},
			},
		}, shell(opts.Journal)},
		{"dashboard", "0.3.0", map[string]any{
			"requires": []manifest.Request{{Name: "shell"}},
		}, dashboard(opts.Journal)},
	}

	for _, u := range units {
		doc := map[string]any{"name": u.name, "version": u.version}
		for k, v := range u.doc {
			doc[k] = v
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s manifest: %w", u.name, err)
		}
		base := BaseURL(u.name, u.version)
		c.Register(base+"/"+manifest.EntryFile, &transport.StaticContainer{
			ContainerName:    u.name,
			ContainerVersion: u.version,
			Modules:          u.modules,
			EmbeddedManifest: body,
		})
		r.Publish(registry.Publication{Name: u.name, Version: u.version, DistBase: base})
	}
	return nil
}

// telemetry auto-applies a trace id to every unit.
func telemetry(j *Journal) map[string]func() transport.Module {
	trace := &extension.Extension{
		Name:      "trace",
		AutoApply: extension.ScopeAll,
		Apply: func(_ context.Context, cc *extension.CallContext) error {
			cc.Unit.SetExtensionContext("trace", uuid.NewString())
			return nil
		},
	}
	return map[string]func() transport.Module{
		unit.ExposeMain: func() transport.Module {
			return transport.Module{
				unit.SymbolMain: &unit.Main{Execute: func(context.Context, *unit.Runtime) error {
					j.Record("telemetry: started")
					return nil
				}},
				"extensionTrace": trace,
			}
		},
	}
}

// identity provides the auth extension. Setup defers while a token is issued in the
// background.
func identity(opts Options) map[string]func() transport.Module {
	auth := &extension.Extension{
		Name: "auth",
		Setup: func(_ context.Context, cc *extension.CallContext) (extension.SetupResult, error) {
			tenant, _ := cc.Runtime.Data["tenant"].(string)
			go func() {
				time.Sleep(opts.TokenDelay)
				cc.SignalReady(Session{Issuer: "identity", Tenant: tenant, Token: uuid.NewString()})
			}()
			return extension.SetupResult{Status: extension.StatusDefer}, nil
		},
	}
	return map[string]func() transport.Module{
		unit.ExposeMain: func() transport.Module {
			return transport.Module{unit.SymbolMain: &unit.Main{
				Initialize: func(_ context.Context, rt *unit.Runtime) (unit.InitResult, error) {
					rt.DeclareProvider("auth")
					return unit.InitResult{}, nil
				},
				Execute: func(context.Context, *unit.Runtime) error {
					opts.Journal.Record("identity: serving")
					return nil
				},
			}}
		},
		"./extension": func() transport.Module {
			return transport.Module{"extensionAuth": auth}
		},
	}
}

func shell(j *Journal) map[string]func() transport.Module {
	return map[string]func() transport.Module{
		unit.ExposeConfig: func() transport.Module {
			return transport.Module{unit.SymbolConfig: map[string]any{"title": "Bindery"}}
		},
		unit.ExposeMain: func() transport.Module {
			return transport.Module{unit.SymbolMain: &unit.Main{
				Uses: []any{"identity::auth"},
				Initialize: func(_ context.Context, rt *unit.Runtime) (unit.InitResult, error) {
					rt.DeclareConsumer("auth")
					return unit.InitResult{}, nil
				},
				Execute: func(_ context.Context, rt *unit.Runtime) error {
					v, ok := rt.Shared("auth")
					if !ok {
						return fmt.Errorf("auth session missing")
					}
					s := v.(Session)
					j.Record("shell: signed in via %s tenant=%q degraded=%t", s.Issuer, s.Tenant, rt.Degraded())
					return nil
				},
			}}
		},
	}
}

func dashboard(j *Journal) map[string]func() transport.Module {
	return map[string]func() transport.Module{
		unit.ExposeMain: func() transport.Module {
			return transport.Module{unit.SymbolMain: &unit.Main{
				Execute: func(_ context.Context, rt *unit.Runtime) error {
					_, traced := rt.Unit.ExtensionContext("trace")
					j.Record("dashboard: rendered traced=%t", traced)
					return nil
				},
			}}
		},
	}
}
