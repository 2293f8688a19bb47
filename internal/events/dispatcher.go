package events

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

type NoticeKind int

const (
	// NoticeBootstrapComplete follows a unit's bootstrap completing, either way.
	NoticeBootstrapComplete NoticeKind = iota
	// NoticeExtensionReady follows an extension key being marked ready.
	NoticeExtensionReady
	// NoticeLockReleased follows the bootstrap lock being released without completion.
	NoticeLockReleased
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeBootstrapComplete:
		return "BootstrapComplete"
	case NoticeExtensionReady:
		return "ExtensionReady"
	case NoticeLockReleased:
		return "LockReleased"
	}
	return "Unknown"
}

type Notice struct {
	Kind NoticeKind
	// Unit is the unit name for bootstrap notices.
	Unit string
	// Key is the full extension key (provider@version::name) for ready notices.
	Key string
}

// Notifier accepts internal notices.
type Notifier interface {
	Notify(n Notice)
}

// Dispatcher is a bounded notice queue drained by one goroutine. Handlers run on that
// goroutine in arrival order and must not call Notify themselves.
type Dispatcher struct {
	log      logr.Logger
	ch       chan Notice
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	handlers map[NoticeKind][]func(Notice)
}

func NewDispatcher(logger logr.Logger, size int) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		log:      logger.WithName("dispatcher"),
		ch:       make(chan Notice, size),
		done:     make(chan struct{}),
		handlers: map[NoticeKind][]func(Notice){},
	}
}

// Handle registers fn for notices of kind. Register handlers before Run.
func (d *Dispatcher) Handle(kind NoticeKind, fn func(Notice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], fn)
}

// Notify enqueues n, blocking while the queue is full. Notices sent after the
// dispatcher stopped are discarded.
func (d *Dispatcher) Notify(n Notice) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.ch <- n:
	case <-d.done:
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.stopOnce.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.ch:
			d.dispatch(n)
		}
	}
}

func (d *Dispatcher) dispatch(n Notice) {
	d.mu.RLock()
	hs := d.handlers[n.Kind]
	d.mu.RUnlock()

	d.log.V(1).Info("notice", "kind", n.Kind.String(), "unit", n.Unit, "key", n.Key)
	for _, h := range hs {
		h(n)
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}
