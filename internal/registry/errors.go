package registry

import "errors"

var (
	// ErrUnitNotFound indicates the registry has no publication for the requested unit name.
	ErrUnitNotFound = errors.New("unit not found in registry")
	// ErrNoMatchingVersion indicates the unit exists but no published version satisfies the range.
	ErrNoMatchingVersion = errors.New("no published version satisfies range")
	// ErrInvalidRange indicates the requested range could not be parsed.
	ErrInvalidRange = errors.New("invalid version range")
)
