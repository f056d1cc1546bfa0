package broadcast

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/provgate/provgate/prov/confmsg"
)

func note(t *testing.T, route string, payload interface{}) *confmsg.Message {
	t.Helper()
	msg, err := confmsg.NewNotification(route, payload)
	if err != nil {
		t.Fatalf("NewNotification error: %v", err)
	}
	return msg
}

func receive(t *testing.T, h *Handle) *confmsg.Message {
	t.Helper()
	select {
	case msg, ok := <-h.C():
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return nil
}

func TestFanout(t *testing.T) {
	bus := NewBus()
	sender := bus.Open("flow")
	peerA := bus.Open("flow")
	peerB := bus.Open("flow")

	const n = 5
	for i := 0; i < n; i++ {
		if err := sender.Send(note(t, fmt.Sprintf("route-%d", i), nil)); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	// Both peers see every message, in send order.
	for _, peer := range []*Handle{peerA, peerB} {
		for i := 0; i < n; i++ {
			msg := receive(t, peer)
			if want := fmt.Sprintf("route-%d", i); msg.Route != want {
				t.Fatalf("out of order delivery: got %s, want %s", msg.Route, want)
			}
		}
	}

	// The sender does not hear its own messages.
	select {
	case msg := <-sender.C():
		t.Fatalf("sender received its own %s message", msg.Route)
	default:
	}
}

func TestIsolation(t *testing.T) {
	bus := NewBus()
	aSend, aRecv := bus.Open("flow-a"), bus.Open("flow-a")
	bSend, bRecv := bus.Open("flow-b"), bus.Open("flow-b")

	if err := aSend.Send(note(t, "only-a", nil)); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := bSend.Send(note(t, "only-b", nil)); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if msg := receive(t, aRecv); msg.Route != "only-a" {
		t.Fatalf("channel flow-a observed %s", msg.Route)
	}
	if msg := receive(t, bRecv); msg.Route != "only-b" {
		t.Fatalf("channel flow-b observed %s", msg.Route)
	}
	select {
	case msg := <-aRecv.C():
		t.Fatalf("cross-channel delivery of %s", msg.Route)
	default:
	}
}

func TestClose(t *testing.T) {
	bus := NewBus()
	a := bus.Open("flow")
	b := bus.Open("flow")

	b.Close()
	if _, ok := <-b.C(); ok {
		t.Fatal("delivery channel not closed")
	}

	// Sending toward a departed peer is a silent no-op.
	if err := a.Send(note(t, "into-the-void", nil)); err != nil {
		t.Fatalf("Send to empty channel errored: %v", err)
	}

	// Sending on a closed handle is an error.
	if err := b.Send(note(t, "too-late", nil)); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("expected ErrHandleClosed, got %v", err)
	}

	// Close is idempotent.
	b.Close()

	if n := bus.HandleCount("flow"); n != 1 {
		t.Fatalf("expected 1 handle, found %d", n)
	}
	a.Close()
	if n := bus.HandleCount("flow"); n != 0 {
		t.Fatalf("expected empty channel, found %d handles", n)
	}
}
