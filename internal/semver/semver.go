package semver

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a semantic version.
//
// This is a thin wrapper around github.com/Masterminds/semver/v3.
type Version struct {
	v *mm.Version
}

// Range is a semantic version range as written in unit manifests.
//
// Examples:
// - ">=1.2.0 <2.0.0"
// - "^1.0.0"
// - "~1.4"
// - "" or "latest" (any version)
type Range struct {
	raw string
	c   *mm.Constraints
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseRange parses a manifest range. Empty ranges and "latest" match any version.
func ParseRange(raw string) (Range, error) {
	norm := strings.TrimSpace(raw)
	if norm == "" || norm == "latest" {
		norm = "*"
	}
	c, err := mm.NewConstraint(norm)
	if err != nil {
		return Range{}, fmt.Errorf("semver: parse range %q: %w", raw, err)
	}
	return Range{raw: norm, c: c}, nil
}

func MustParseRange(raw string) Range {
	r, err := ParseRange(raw)
	if err != nil {
		panic(err)
	}
	return r
}

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.Original()
}

func (r Range) String() string {
	return r.raw
}

func Satisfies(v Version, r Range) bool {
	if v.v == nil || r.c == nil {
		return false
	}
	return r.c.Check(v.v)
}

// Compare compares a and b, returning:
// -1 if a < b
//
//	0 if a == b
//	1 if a > b
func Compare(a, b Version) int {
	if a.v == nil && b.v == nil {
		return 0
	}
	if a.v == nil {
		return -1
	}
	if b.v == nil {
		return 1
	}
	return a.v.Compare(b.v)
}

// MaxSatisfying returns the highest version in candidates that satisfies r.
//
// If multiple versions are equal, the first encountered wins.
func MaxSatisfying(r Range, candidates []Version) (Version, bool) {
	var best Version
	found := false
	for _, candidate := range candidates {
		if !Satisfies(candidate, r) {
			continue
		}
		if !found || Compare(candidate, best) > 0 {
			best = candidate
			found = true
		}
	}
	return best, found
}
