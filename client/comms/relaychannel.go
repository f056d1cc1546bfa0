// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package comms provides the client's connection to a confirmation relay. A
// RelayChannel is one end of a named broadcast channel bridged over a
// websocket, satisfying the same channel-handle contract as an in-process
// handle.
package comms

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/confmsg"
)

const (
	// readBuffSize is the capacity of a RelayChannel's delivery channel.
	readBuffSize = 16

	// writeWait is the maximum time to write to the relay.
	writeWait = 5 * time.Second
)

const (
	// ErrChannelClosed is returned from Send on a closed RelayChannel.
	ErrChannelClosed = prov.ErrorKind("relay channel closed")
	// ErrRelayDial is returned from OpenChannel when the relay cannot be
	// reached.
	ErrRelayDial = prov.ErrorKind("relay dial error")
)

// RelayConfig is the configuration for dialing a relay.
type RelayConfig struct {
	// Host is the relay's host:port.
	Host string
	// RPCCert is the path of the relay's TLS certificate. An empty RPCCert
	// dials without TLS.
	RPCCert string
	// Log is the logger for all channels dialed with this config.
	Log prov.Logger
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// tlsConfig builds the TLS configuration with the relay's certificate added
// to the system pool.
func (cfg *RelayConfig) tlsConfig() (*tls.Config, error) {
	if cfg.RPCCert == "" {
		return nil, nil
	}
	if !fileExists(cfg.RPCCert) {
		return nil, fmt.Errorf("the rpc cert provided (%v) does not exist", cfg.RPCCert)
	}
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	certs, err := os.ReadFile(cfg.RPCCert)
	if err != nil {
		return nil, fmt.Errorf("file reading error: %w", err)
	}
	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("unable to append cert")
	}
	return &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// RelayChannel is a channel handle whose peers live across a relay.
type RelayChannel struct {
	name   string
	conn   *websocket.Conn
	c      chan *confmsg.Message
	wMtx   sync.Mutex
	closed uint32
	quit   sync.Once
	log    prov.Logger
}

// OpenChannel dials the relay and joins the named channel.
func OpenChannel(cfg *RelayConfig, name string) (*RelayChannel, error) {
	log := cfg.Log
	if log == nil {
		log = prov.Disabled
	}
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if tlsCfg != nil {
		scheme = "wss"
	}
	uri := url.URL{
		Scheme: scheme,
		Host:   cfg.Host,
		Path:   "/ws/" + name,
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsCfg,
	}
	conn, _, err := dialer.Dial(uri.String(), nil)
	if err != nil {
		return nil, prov.NewError(ErrRelayDial, fmt.Sprintf("%s: %v", uri.String(), err))
	}

	ch := &RelayChannel{
		name: name,
		conn: conn,
		c:    make(chan *confmsg.Message, readBuffSize),
		log:  log,
	}
	go ch.readLoop()
	return ch, nil
}

// readLoop decodes relay traffic into the delivery channel. It runs until the
// connection dies, then tears the channel down.
func (ch *RelayChannel) readLoop() {
	defer ch.teardown()
	for {
		_, b, err := ch.conn.ReadMessage()
		if err != nil {
			if atomic.LoadUint32(&ch.closed) == 0 &&
				!websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ch.log.Errorf("read error on relay channel %q: %v", ch.name, err)
			}
			return
		}
		msg, err := confmsg.DecodeMessage(b)
		if err != nil {
			ch.log.Errorf("dropping undecodable message on relay channel %q: %v", ch.name, err)
			continue
		}
		select {
		case ch.c <- msg:
		default:
			ch.log.Errorf("blocking delivery on relay channel %q, dropping %s message", ch.name, msg.Route)
		}
	}
}

// Name is the channel name.
func (ch *RelayChannel) Name() string {
	return ch.name
}

// Send delivers the message to all other ends of the channel. A nil error
// indicates the message was written to the relay, not that any peer received
// it.
func (ch *RelayChannel) Send(msg *confmsg.Message) error {
	if atomic.LoadUint32(&ch.closed) == 1 {
		return ErrChannelClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ch.wMtx.Lock()
	defer ch.wMtx.Unlock()
	ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ch.conn.WriteMessage(websocket.TextMessage, b)
}

// C is the delivery channel. It is closed when the RelayChannel is closed or
// the relay connection dies.
func (ch *RelayChannel) C() <-chan *confmsg.Message {
	return ch.c
}

// Close releases the channel end. Close is idempotent.
func (ch *RelayChannel) Close() {
	atomic.StoreUint32(&ch.closed, 1)
	ch.wMtx.Lock()
	ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	ch.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ch.wMtx.Unlock()
	ch.conn.Close()
	// readLoop exits on the dead connection and closes the delivery channel.
}

// teardown closes the delivery channel exactly once.
func (ch *RelayChannel) teardown() {
	atomic.StoreUint32(&ch.closed, 1)
	ch.quit.Do(func() {
		close(ch.c)
	})
}
