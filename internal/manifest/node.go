package manifest

import (
	"fmt"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
)

const (
	// EntryFile is the remote entry served from a unit's distribution base.
	EntryFile = "unit-entry.js"
	// CanonicalFile is the manifest document looked up when no explicit URL is published.
	CanonicalFile = "unit.manifest.json"
	// LegacyFile is the older manifest name still served by some publishers.
	LegacyFile = "fynapp.manifest.json"

	// ExposedTypeExtension marks an import-exposed module that carries extensions.
	ExposedTypeExtension = "extension"
	// ExposedTypeMiddleware is the older spelling of ExposedTypeExtension.
	ExposedTypeMiddleware = "middleware"
)

// Request asks for a unit by name and version range. An empty range means latest.
type Request struct {
	Name  string `json:"name"`
	Range string `json:"range,omitempty"`
}

func (r Request) String() string {
	if r.Range == "" {
		return r.Name
	}
	return r.Name + "@" + r.Range
}

type ExposedModule struct {
	Type           string `json:"type,omitempty"`
	RequireVersion string `json:"requireVersion,omitempty"`
}

// IsExtension reports whether the exposed module carries extension implementations.
func (m ExposedModule) IsExtension() bool {
	return m.Type == ExposedTypeExtension || m.Type == ExposedTypeMiddleware
}

type SharedProvider struct {
	RequireVersion string `json:"requireVersion,omitempty"`
}

// Node is a unit's resolved manifest. Nodes are shared through the resolver cache and
// must be treated as read-only.
type Node struct {
	Name        string
	Version     string
	ManifestURL string
	DistBase    string

	Requires        []Request
	ImportExposed   map[string]map[string]ExposedModule
	SharedProviders map[string]SharedProvider
}

// Key is the node's graph identity, name@version.
func (n *Node) Key() string {
	return Key(n.Name, n.Version)
}

func Key(name, version string) string {
	return name + "@" + version
}

// EntryURL is where the node's remote entry is served from, or "" when unknown.
func (n *Node) EntryURL() string {
	return entryURL(n.DistBase, n.ManifestURL)
}

// Dependencies lists every edge the node contributes to a graph: requires first in
// declaration order, then import-exposed and shared-providers sorted by package.
func (n *Node) Dependencies() []Request {
	out := make([]Request, 0, len(n.Requires)+len(n.ImportExposed)+len(n.SharedProviders))
	out = append(out, n.Requires...)

	for _, pkg := range sortedKeys(n.ImportExposed) {
		out = append(out, Request{Name: pkg, Range: exposedRange(n.ImportExposed[pkg])})
	}
	for _, pkg := range sortedKeys(n.SharedProviders) {
		out = append(out, Request{Name: pkg, Range: n.SharedProviders[pkg].RequireVersion})
	}
	return out
}

// ExtensionImports lists the import-exposed packages whose modules carry extensions.
func (n *Node) ExtensionImports() []string {
	var out []string
	for _, pkg := range sortedKeys(n.ImportExposed) {
		for _, m := range n.ImportExposed[pkg] {
			if m.IsExtension() {
				out = append(out, pkg)
				break
			}
		}
	}
	return out
}

// exposedRange picks the first non-empty requireVersion in module path order.
func exposedRange(modules map[string]ExposedModule) string {
	for _, path := range sortedKeys(modules) {
		if v := modules[path].RequireVersion; v != "" {
			return v
		}
	}
	return ""
}

// document is the wire form of a manifest. JSON and YAML are both accepted.
type document struct {
	Name            string                              `json:"name"`
	Version         string                              `json:"version"`
	Requires        []Request                           `json:"requires,omitempty"`
	ImportExposed   map[string]map[string]ExposedModule `json:"import-exposed,omitempty"`
	SharedProviders map[string]SharedProvider           `json:"shared-providers,omitempty"`
}

// Parse decodes a manifest document. The document must carry at least a name and
// version.
func Parse(body []byte) (*Node, error) {
	var doc document
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, kernelerr.New(kernelerr.CodeManifestParseFailed, "parse manifest", err)
	}
	if strings.TrimSpace(doc.Name) == "" || strings.TrimSpace(doc.Version) == "" {
		return nil, kernelerr.Newf(kernelerr.CodeManifestParseFailed, "parse manifest", "name and version are required")
	}
	for i, r := range doc.Requires {
		if strings.TrimSpace(r.Name) == "" {
			return nil, kernelerr.Newf(kernelerr.CodeManifestParseFailed, "parse manifest", "requires[%d]: name is required", i)
		}
	}
	return &Node{
		Name:            doc.Name,
		Version:         doc.Version,
		Requires:        doc.Requires,
		ImportExposed:   doc.ImportExposed,
		SharedProviders: doc.SharedProviders,
	}, nil
}

func entryURL(distBase, manifestURL string) string {
	base := distBase
	if base == "" && manifestURL != "" {
		if i := strings.LastIndex(manifestURL, "/"); i >= 0 {
			base = manifestURL[:i]
		}
	}
	if base == "" {
		return ""
	}
	return joinURL(base, EntryFile)
}

func joinURL(base, file string) string {
	return strings.TrimRight(base, "/") + "/" + file
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (n *Node) String() string {
	return fmt.Sprintf("%s (%d deps)", n.Key(), len(n.Dependencies()))
}
