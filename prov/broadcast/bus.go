// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package broadcast implements a named, multi-subscriber, in-process message
// bus. A Handle is one end of a named channel. Messages Send on a Handle are
// delivered, in send order, to every other Handle open on the same name, and
// never back to the sender. Distinct names are fully isolated. Closing a
// Handle is the only cancellation primitive: a send toward a closed or absent
// peer is a no-op, never an error.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/confmsg"
)

// handleBuffer is the capacity of each Handle's delivery channel. A handle
// whose delivery channel is full has its message dropped rather than blocking
// the sender.
const handleBuffer = 16

// ErrHandleClosed is returned from Send on a Handle that has been closed.
const ErrHandleClosed = prov.ErrorKind("handle closed")

// Bus is a registry of named broadcast channels. The zero value is not
// usable; use NewBus.
type Bus struct {
	mtx      sync.Mutex
	channels map[string]*channel
}

// NewBus creates a Bus with no open channels.
func NewBus() *Bus {
	return &Bus{
		channels: make(map[string]*channel),
	}
}

// Open creates or joins the named channel, returning a new Handle on it.
func (b *Bus) Open(name string) *Handle {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	ch := b.channels[name]
	if ch == nil {
		ch = &channel{
			bus:  b,
			name: name,
		}
		b.channels[name] = ch
	}
	h := &Handle{
		ch: ch,
		c:  make(chan *confmsg.Message, handleBuffer),
	}
	ch.mtx.Lock()
	ch.handles = append(ch.handles, h)
	ch.mtx.Unlock()
	return h
}

// HandleCount returns the number of open handles on the named channel.
func (b *Bus) HandleCount(name string) int {
	b.mtx.Lock()
	ch := b.channels[name]
	b.mtx.Unlock()
	if ch == nil {
		return 0
	}
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return len(ch.handles)
}

// drop removes the channel from the registry if it is still empty. The
// emptiness re-check under both mutexes covers a concurrent Open that joined
// the channel between the caller's last-handle removal and this call.
func (b *Bus) drop(ch *channel) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	ch.mtx.Lock()
	empty := len(ch.handles) == 0
	ch.mtx.Unlock()
	if empty && b.channels[ch.name] == ch {
		delete(b.channels, ch.name)
	}
}

// channel is the shared fanout point for all handles open on one name.
type channel struct {
	bus  *Bus
	name string

	mtx     sync.Mutex
	handles []*Handle
}

// broadcast delivers the message to every handle except the sender. The
// channel mutex is held for the duration so that concurrent senders cannot
// interleave their deliveries, preserving per-channel send order.
func (ch *channel) broadcast(from *Handle, msg *confmsg.Message) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	for _, h := range ch.handles {
		if h == from {
			continue
		}
		select {
		case h.c <- msg:
		default:
			log.Errorf("blocking handle on channel %q, dropping %s message", ch.name, msg.Route)
		}
	}
}

// remove unregisters the handle, dropping the channel from the bus when the
// last handle is gone. Returns false if the handle was already removed. The
// bus mutex is always taken before a channel mutex, so the drop happens
// outside the channel lock.
func (ch *channel) remove(h *Handle) bool {
	ch.mtx.Lock()
	var removed, empty bool
	for i, other := range ch.handles {
		if other == h {
			ch.handles = append(ch.handles[:i], ch.handles[i+1:]...)
			removed = true
			empty = len(ch.handles) == 0
			break
		}
	}
	ch.mtx.Unlock()
	if empty {
		ch.bus.drop(ch)
	}
	return removed
}

// Handle is one end of a named broadcast channel.
type Handle struct {
	ch     *channel
	c      chan *confmsg.Message
	closed uint32
}

// Name is the channel name this handle is open on.
func (h *Handle) Name() string {
	return h.ch.name
}

// Send delivers the message to all other handles on the channel. A Send with
// no listening peers succeeds silently. Sending on a closed Handle returns
// ErrHandleClosed.
func (h *Handle) Send(msg *confmsg.Message) error {
	if atomic.LoadUint32(&h.closed) == 1 {
		return ErrHandleClosed
	}
	h.ch.broadcast(h, msg)
	return nil
}

// C is the handle's delivery channel. It is closed when the Handle is closed.
func (h *Handle) C() <-chan *confmsg.Message {
	return h.c
}

// Close unregisters the handle and closes its delivery channel. Close is
// idempotent.
func (h *Handle) Close() {
	if !atomic.CompareAndSwapUint32(&h.closed, 0, 1) {
		return
	}
	// Removal happens under the channel mutex, so no broadcast can touch the
	// delivery channel after this point.
	h.ch.remove(h)
	close(h.c)
}
