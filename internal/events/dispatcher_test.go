package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

func TestDispatcherRunsHandlersInOrder(t *testing.T) {
	d := NewDispatcher(testr.New(t), 8)
	got := make(chan Notice, 8)
	d.Handle(NoticeBootstrapComplete, func(n Notice) { got <- n })
	d.Handle(NoticeExtensionReady, func(n Notice) { got <- n })

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Notify(Notice{Kind: NoticeBootstrapComplete, Unit: "alpha"})
	d.Notify(Notice{Kind: NoticeExtensionReady, Key: "identity@1.0.0::auth"})
	d.Notify(Notice{Kind: NoticeLockReleased, Unit: "beta"})
	d.Notify(Notice{Kind: NoticeBootstrapComplete, Unit: "gamma"})

	want := []string{"alpha", "identity@1.0.0::auth", "gamma"}
	for _, w := range want {
		select {
		case n := <-got:
			if n.Unit != w && n.Key != w {
				t.Fatalf("expected notice for %s, got %+v", w, n)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}

	cancel()
	<-d.Done()
	// Notices after stop are discarded instead of blocking.
	for i := 0; i < 20; i++ {
		d.Notify(Notice{Kind: NoticeBootstrapComplete})
	}
}
