package bootstrap

import "fmt"

// FailurePolicy decides whether a failed bootstrap is returned to the caller. Either
// way the lock is released and a failure event is published.
type FailurePolicy string

const (
	// FailIsolate logs the failure and lets the caller carry on with other units.
	FailIsolate FailurePolicy = "isolate"
	// FailPropagate returns the failure to the caller.
	FailPropagate FailurePolicy = "propagate"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "":
		return FailIsolate, nil
	case FailIsolate, FailPropagate:
		return FailurePolicy(s), nil
	}
	return "", fmt.Errorf("unknown failure policy %q (want %q or %q)", s, FailIsolate, FailPropagate)
}
