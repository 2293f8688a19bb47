package extension

import (
	"sync"
)

// Registration is one version of a registered extension. The zero value is the
// "not found" sentinel returned by lookups.
type Registration struct {
	// Key is provider::name.
	Key            string
	Name           string
	Provider       string
	Version        string
	DefaultVersion string
	Extension      *Extension
}

func (r Registration) Found() bool {
	return r.Key != ""
}

// FullKey is provider@version::name, the identity readiness is tracked under.
func (r Registration) FullKey() string {
	return r.Provider + "@" + r.Version + "::" + r.Name
}

func RegistryKey(provider, name string) string {
	return provider + "::" + name
}

type entry struct {
	name           string
	provider       string
	defaultVersion string
	versions       map[string]*Extension
	order          []string
}

func (e *entry) registration(version string) Registration {
	ext, ok := e.versions[version]
	if !ok {
		return Registration{}
	}
	return Registration{
		Key:            RegistryKey(e.provider, e.name),
		Name:           e.name,
		Provider:       e.provider,
		Version:        version,
		DefaultVersion: e.defaultVersion,
		Extension:      ext,
	}
}

// Manager is the extension registry of one kernel session.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	auto    []string
}

func NewManager() *Manager {
	return &Manager{entries: map[string]*entry{}}
}

// Register adds ext as version of provider's extension. The first version registered
// under a key becomes its default. Registering a key and version twice is a no-op and
// reports false.
func (m *Manager) Register(provider, version string, ext *Extension) (Registration, bool) {
	key := RegistryKey(provider, ext.Name)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{
			name:           ext.Name,
			provider:       provider,
			defaultVersion: version,
			versions:       map[string]*Extension{},
		}
		m.entries[key] = e
		m.order = append(m.order, key)
		if ext.AutoApply != ScopeNone {
			m.auto = append(m.auto, key)
		}
	}
	if _, dup := e.versions[version]; dup {
		return e.registration(version), false
	}
	e.versions[version] = ext
	e.order = append(e.order, version)
	return e.registration(version), true
}

// Lookup returns the default version of name. With an empty provider the first
// provider registered for name wins.
func (m *Manager) Lookup(name, provider string) Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.find(name, provider)
	if e == nil {
		return Registration{}
	}
	return e.registration(e.defaultVersion)
}

func (m *Manager) LookupVersion(name, provider, version string) Registration {
	if version == "" {
		return m.Lookup(name, provider)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.find(name, provider)
	if e == nil {
		return Registration{}
	}
	return e.registration(version)
}

func (m *Manager) find(name, provider string) *entry {
	if provider != "" {
		return m.entries[RegistryKey(provider, name)]
	}
	for _, key := range m.order {
		if e := m.entries[key]; e.name == name {
			return e
		}
	}
	return nil
}

// AutoApply returns the default registrations that apply themselves to units in
// target scope (ScopeUnit or ScopeProvider), in registration order.
func (m *Manager) AutoApply(target Scope) []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Registration
	for _, key := range m.auto {
		e := m.entries[key]
		reg := e.registration(e.defaultVersion)
		if appliesTo(reg.Extension.AutoApply, target) {
			out = append(out, reg)
		}
	}
	return out
}

// List returns every registered version, keys in registration order.
func (m *Manager) List() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Registration
	for _, key := range m.order {
		e := m.entries[key]
		for _, v := range e.order {
			out = append(out, e.registration(v))
		}
	}
	return out
}

// Reset drops every registration.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]*entry{}
	m.order = nil
	m.auto = nil
}
