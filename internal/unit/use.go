package unit

import (
	"fmt"
	"strings"
)

// Use is one extension request, normalized from the forms a unit may declare.
type Use struct {
	Name     string
	Provider string
	// Version pins a provider version; empty selects the registered default.
	Version string
	Config  any
}

// ParseUse accepts:
//
//	"name"
//	"provider::name"
//	Use{...}
//	map[string]any{"name": ..., "provider": ..., "version": ..., "config": ...}
//
// A map may carry the qualified form in "name" as well.
func ParseUse(raw any) (Use, error) {
	switch v := raw.(type) {
	case string:
		return parseQualified(v)
	case Use:
		if v.Name == "" {
			return Use{}, fmt.Errorf("extension use: name is required")
		}
		return v, nil
	case *Use:
		if v == nil {
			return Use{}, fmt.Errorf("extension use: nil")
		}
		return ParseUse(*v)
	case map[string]any:
		name, _ := v["name"].(string)
		u, err := parseQualified(name)
		if err != nil {
			return Use{}, err
		}
		if p, ok := v["provider"].(string); ok && p != "" {
			if u.Provider != "" && u.Provider != p {
				return Use{}, fmt.Errorf("extension use %q: provider %q conflicts with %q", name, p, u.Provider)
			}
			u.Provider = p
		}
		if ver, ok := v["version"].(string); ok {
			u.Version = ver
		}
		u.Config = v["config"]
		return u, nil
	}
	return Use{}, fmt.Errorf("extension use: unsupported declaration %T", raw)
}

// ParseUses parses every declaration, stopping at the first invalid one.
func ParseUses(raw []any) ([]Use, error) {
	out := make([]Use, 0, len(raw))
	for i, r := range raw {
		u, err := ParseUse(r)
		if err != nil {
			return nil, fmt.Errorf("uses[%d]: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func parseQualified(s string) (Use, error) {
	s = strings.TrimSpace(s)
	provider, name, qualified := strings.Cut(s, "::")
	if !qualified {
		name, provider = provider, ""
	}
	if name == "" || (qualified && provider == "") {
		return Use{}, fmt.Errorf("extension use %q: want \"name\" or \"provider::name\"", s)
	}
	return Use{Name: name, Provider: provider}, nil
}

func (u Use) String() string {
	if u.Provider == "" {
		return u.Name
	}
	return u.Provider + "::" + u.Name
}
