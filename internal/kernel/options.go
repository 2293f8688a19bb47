package kernel

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/bayleafwalker/bindery-kernel/internal/bootstrap"
	"github.com/bayleafwalker/bindery-kernel/internal/events"
	"github.com/bayleafwalker/bindery-kernel/internal/fetch"
	"github.com/bayleafwalker/bindery-kernel/internal/manifest"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
)

const (
	DefaultConcurrency = 4
	MaxConcurrency     = 8
	DefaultNoticeQueue = 64
)

type Options struct {
	// Registry resolves unit names and ranges. Required.
	Registry registry.Resolver
	// Transport loads remote entries. Required.
	Transport transport.Transport
	// Fetcher retrieves manifest documents. Optional; without it only embedded
	// manifests are used.
	Fetcher fetch.Fetcher

	Logger logr.Logger
	// Registerer receives the kernel's collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	Sinks      []events.Sink

	// Concurrency bounds parallel loads within one batch, clamped to [1, 8].
	Concurrency      int
	BootstrapTimeout time.Duration
	Clock            clock.Clock
	CyclePolicy      manifest.CyclePolicy
	FailurePolicy    bootstrap.FailurePolicy
	NoticeQueue      int
}

func (o Options) withDefaults() Options {
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	o.Concurrency = clampConcurrency(o.Concurrency)
	if o.BootstrapTimeout <= 0 {
		o.BootstrapTimeout = bootstrap.DefaultTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.CyclePolicy == "" {
		o.CyclePolicy = manifest.CycleFail
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = bootstrap.FailIsolate
	}
	if o.NoticeQueue <= 0 {
		o.NoticeQueue = DefaultNoticeQueue
	}
	return o
}

func clampConcurrency(n int) int {
	switch {
	case n == 0:
		return DefaultConcurrency
	case n < 1:
		return 1
	case n > MaxConcurrency:
		return MaxConcurrency
	}
	return n
}

// LoadOptions tunes one LoadUnitsByName call.
type LoadOptions struct {
	// Concurrency overrides Options.Concurrency when non-zero.
	Concurrency int
	// LoadID tags the load's log lines. Generated when empty.
	LoadID string
}
