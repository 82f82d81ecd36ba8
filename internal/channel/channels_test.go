package channel

import (
	"context"
	"testing"
	"time"

	"depthwatch/models"
)

func TestSendKeepsOrder(t *testing.T) {
	ch := NewChannel("test", 4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := models.OrderBookEvent{Type: models.EventUpdate, Asks: make([]models.Level, i)}
		if err := ch.Send(ctx, Notification{Type: models.EventUpdate, Event: ev}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		n := <-ch.C
		if len(n.Event.Asks) != i {
			t.Fatalf("out of order: got %d want %d", len(n.Event.Asks), i)
		}
	}
	if stats := ch.GetStats(); stats.Sent != 3 || stats.Blocked != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendBlocksWhenFull(t *testing.T) {
	ch := NewChannel("full", 1)
	ctx := context.Background()
	if err := ch.Send(ctx, Notification{Type: models.EventInit}); err != nil {
		t.Fatalf("send: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ch.Send(ctx, Notification{Type: models.EventUpdate}) }()

	select {
	case <-done:
		t.Fatalf("send on a full channel must wait")
	case <-time.After(20 * time.Millisecond):
	}

	if n := <-ch.C; n.Type != models.EventInit {
		t.Fatalf("unexpected first notification %s", n.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked send failed: %v", err)
	}
	if n := <-ch.C; n.Type != models.EventUpdate {
		t.Fatalf("unexpected second notification %s", n.Type)
	}
	if stats := ch.GetStats(); stats.Sent != 2 || stats.Blocked != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendCancelled(t *testing.T) {
	ch := NewChannel("cancel", 1)
	ctx, cancel := context.WithCancel(context.Background())
	_ = ch.Send(ctx, Notification{})
	cancel()
	if err := ch.Send(ctx, Notification{}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestCloseTwice(t *testing.T) {
	ch := NewChannel("close", 1)
	ch.Close()
	ch.Close()
}
