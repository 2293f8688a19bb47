// Package events carries kernel notifications.
//
// Bus is the externally observable event stream. Dispatcher is the internal notice
// queue: every resumption decision (deferred bootstraps, parked extension groups) is
// taken by its single Run loop.
package events

import (
	"time"
)

type Kind string

const (
	ExtensionReady   Kind = "MIDDLEWARE_READY"
	UnitBootstrapped Kind = "FYNAPP_BOOTSTRAPPED"
	BootstrapFailed  Kind = "FYNAPP_BOOTSTRAP_FAILED"
	BootstrapTimeout Kind = "FYNAPP_BOOTSTRAP_TIMEOUT"
)

// Event is one bus event. Which fields are set depends on Kind.
type Event struct {
	Kind    Kind          `json:"kind"`
	Name    string        `json:"name"`
	Version string        `json:"version,omitempty"`
	Status  string        `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Share   any           `json:"share,omitempty"`
	At      time.Time     `json:"at"`

	// CallContext is the in-process call context for ExtensionReady events.
	CallContext any `json:"-"`
}
