// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ws implements a websocket link carrying confirmation-protocol
// messages between the relay and one remote peer.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/confmsg"
)

// outBufferSize is the size of the WSLink's buffered channel for outgoing
// messages.
const outBufferSize = 32

const writeWait = 5 * time.Second

// websocket.Upgrader is the preferred method of upgrading a request to a
// websocket connection.
var upgrader = websocket.Upgrader{}

// ErrPeerDisconnected will be returned if Send is called on a disconnected
// link.
const ErrPeerDisconnected = prov.ErrorKind("peer disconnected")

// Connection represents a websocket connection to a remote peer. In practice,
// it is satisfied by *websocket.Conn. For testing, a stub can be used.
type Connection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// WSLink is the local representation of one remote confirmation-channel peer.
type WSLink struct {
	// addr is the peer's address.
	addr string
	// conn is the gorilla websocket.Conn, or a stub for testing.
	conn Connection
	// on is used internally to prevent multiple Close calls on the underlying
	// connection.
	on uint32
	// quit is used to cancel the Context.
	quit context.CancelFunc
	// stopped is closed when quit is called.
	stopped chan struct{}
	// outChan is used to sequence sent messages.
	outChan chan []byte
	// The WSLink has 3 goroutines, one for read, one for write, and one to
	// ping the peer. The WaitGroup is used to synchronize cleanup on
	// disconnection.
	wg sync.WaitGroup
	// handler receives every well-formed inbound message.
	handler func(*confmsg.Message)
	// pingPeriod is how often to ping the peer.
	pingPeriod time.Duration

	log prov.Logger
}

// NewWSLink is a constructor for a new WSLink.
func NewWSLink(addr string, conn Connection, pingPeriod time.Duration, handler func(*confmsg.Message), logger prov.Logger) *WSLink {
	return &WSLink{
		addr:       addr,
		conn:       conn,
		outChan:    make(chan []byte, outBufferSize),
		pingPeriod: pingPeriod,
		handler:    handler,
		log:        logger,
	}
}

// Send sends the passed Message to the websocket peer. The actual writing of
// the message on the peer's link occurs asynchronously. As such, a nil error
// only indicates that the link is believed to be up and the message was
// successfully marshalled.
func (c *WSLink) Send(msg *confmsg.Message) error {
	if c.Off() {
		return ErrPeerDisconnected
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.outChan <- b:
	case <-c.stopped:
		return ErrPeerDisconnected
	}
	return nil
}

// Connect begins processing input and output messages.
func (c *WSLink) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if !atomic.CompareAndSwapUint32(&c.on, 0, 1) {
		return nil, fmt.Errorf("attempted to Connect a running WSLink")
	}
	linkCtx, quit := context.WithCancel(ctx)
	c.quit = quit
	c.stopped = make(chan struct{})
	// The pong handler set in NewConnection pushes the deadline back on
	// every pong. 2x ping period is a generous initial wait.
	err := c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2))
	if err != nil {
		quit()
		return nil, fmt.Errorf("failed to set initial read deadline for %v: %v", c.addr, err)
	}

	c.log.Tracef("starting websocket messaging with peer %s", c.addr)
	c.wg.Add(3)
	go c.inHandler(linkCtx)
	go c.outHandler(linkCtx)
	go c.pingHandler(linkCtx)
	return &c.wg, nil
}

func (c *WSLink) stop() bool {
	if !atomic.CompareAndSwapUint32(&c.on, 1, 0) {
		return false
	}
	// Signal to senders we are done.
	close(c.stopped)
	c.quit()
	return true
}

// Disconnect begins shutdown of the WSLink, ultimately closing the underlying
// connection. Shutdown is complete when the WaitGroup returned by Connect is
// Done.
func (c *WSLink) Disconnect() {
	if !c.stop() {
		c.log.Debugf("Disconnect attempted on stopped WSLink.")
	}
}

// inHandler handles all incoming messages for the websocket connection. It
// must be run as a goroutine.
func (c *WSLink) inHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.stop()
	for {
		if ctx.Err() != nil {
			return
		}
		// Block until a message is received or an error occurs.
		_, msgBytes, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Errorf("websocket receive error from peer %s: %v", c.addr, err)
			}
			return
		}
		msg, err := confmsg.DecodeMessage(msgBytes)
		if err != nil {
			// Failure to decode does not force a disconnect.
			c.log.Errorf("dropping undecodable message from peer %s: %v", c.addr, err)
			continue
		}
		c.handler(msg)
	}
}

// outHandler writes queued messages to the peer. It must be run as a
// goroutine.
func (c *WSLink) outHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.stop() // in the event of context cancellation vs Disconnect call
	for {
		select {
		case b := <-c.outChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Errorf("write error for peer %s: %v", c.addr, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pingHandler sends periodic pings to the peer.
func (c *WSLink) pingHandler(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			if err != nil {
				c.stop()
				// Don't really care what the error is, but log it at debug
				// level.
				c.log.Debugf("WriteControl ping error: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Off will return true if the link has disconnected.
func (c *WSLink) Off() bool {
	return atomic.LoadUint32(&c.on) == 0
}

// Addr is the peer address passed to the constructor.
func (c *WSLink) Addr() string {
	return c.addr
}

// NewConnection creates a new Connection by upgrading the http request to a
// websocket.
func NewConnection(w http.ResponseWriter, r *http.Request, readTimeout time.Duration, logger prov.Logger) (Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var hsErr websocket.HandshakeError
		if errors.As(err, &hsErr) {
			logger.Errorf("unexpected websocket error: %v", err)
		}
		return nil, err
	}
	// Configure the pong handler.
	reqAddr := r.RemoteAddr
	conn.SetPongHandler(func(string) error {
		logger.Tracef("got pong from %v", reqAddr)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	// No initial read deadline until pinging begins.
	return conn, nil
}
