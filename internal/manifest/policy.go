package manifest

import "fmt"

// CyclePolicy decides what TopoBatches does with nodes caught in a cycle.
type CyclePolicy string

const (
	CycleFail       CyclePolicy = "fail"
	CycleBestEffort CyclePolicy = "bestEffort"
)

func ParseCyclePolicy(s string) (CyclePolicy, error) {
	switch CyclePolicy(s) {
	case "":
		return CycleFail, nil
	case CycleFail, CycleBestEffort:
		return CyclePolicy(s), nil
	}
	return "", fmt.Errorf("unknown cycle policy %q (want %q or %q)", s, CycleFail, CycleBestEffort)
}
