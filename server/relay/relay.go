// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package relay bridges broadcast channels across processes. Each websocket
// peer connected at /ws/{channel} becomes one handle on the named channel of
// the relay's bus, so remote peers and in-process handles interoperate
// transparently.
package relay

import (
	"context"
	"crypto/elliptic"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/certgen"
	"github.com/go-chi/chi/v5"
	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/broadcast"
	"github.com/provgate/provgate/prov/confmsg"
	"github.com/provgate/provgate/prov/ws"
)

const (
	// pingPeriod is how often the relay pings its peers.
	pingPeriod = 20 * time.Second
	// pongWait is the maximum time to wait for a pong before the peer is
	// considered dead.
	pongWait = 25 * time.Second
)

// Config is the relay server configuration.
type Config struct {
	// Addr is the listen address.
	Addr string
	// CertFile and KeyFile are the TLS certificate pair. Both empty runs the
	// relay without TLS. If the files do not exist, a self-signed pair is
	// generated.
	CertFile string
	KeyFile  string
	// AltDNSNames are the hosts for the generated certificate's subject
	// alternate names.
	AltDNSNames []string
	// Bus is the channel bus to bridge. A nil Bus gets a fresh one, private
	// to the relay.
	Bus *broadcast.Bus
	// Log is the relay's logger.
	Log prov.Logger
}

// Server is the relay server.
type Server struct {
	addr    string
	bus     *broadcast.Bus
	log     prov.Logger
	tlsCfg  *tls.Config
	mux     *chi.Mux
	ctx     context.Context
	peers   uint64
	wg      sync.WaitGroup
	started uint32
}

// NewServer constructs a relay Server, generating the TLS certificate pair if
// one was configured but does not exist on disk.
func NewServer(cfg *Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = prov.Disabled
	}
	bus := cfg.Bus
	if bus == nil {
		bus = broadcast.NewBus()
	}

	var tlsCfg *tls.Config
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("both certificate and key files are required for TLS")
		}
		if !fileExists(cfg.CertFile) || !fileExists(cfg.KeyFile) {
			if err := genCertPair(cfg.CertFile, cfg.KeyFile, cfg.AltDNSNames, log); err != nil {
				return nil, err
			}
		}
		keypair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	s := &Server{
		addr:   cfg.Addr,
		bus:    bus,
		log:    log,
		tlsCfg: tlsCfg,
		ctx:    context.Background(),
	}
	s.mux = chi.NewRouter()
	s.mux.Get("/ws/{channel}", s.handleWS)
	return s, nil
}

// Handler is the relay's HTTP handler, for callers embedding the relay in
// their own server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Bus is the channel bus the relay bridges. In-process components sharing the
// relay's process can open handles on it directly.
func (s *Server) Bus() *broadcast.Bus {
	return s.bus
}

// Run starts the relay and blocks until the context is canceled and all peer
// links have shut down.
func (s *Server) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return fmt.Errorf("relay already running")
	}
	s.ctx = ctx

	var listener net.Listener
	var err error
	if s.tlsCfg != nil {
		listener, err = tls.Listen("tcp", s.addr, s.tlsCfg)
	} else {
		listener, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return fmt.Errorf("can't listen on %s: %w", s.addr, err)
	}

	// No server-level read/write timeouts. Connections are hijacked for
	// websockets, and the links manage their own deadlines.
	srv := &http.Server{
		Handler: s.mux,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(listener)
	}()
	s.log.Infof("relay listening on %s", listener.Addr())

	select {
	case <-ctx.Done():
	case err = <-errChan:
		s.log.Errorf("relay server error: %v", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warnf("http server shutdown: %v", err)
	}
	s.wg.Wait()
	return nil
}

// handleWS upgrades the request and bridges the peer into the named channel
// until either side is done.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	if name == "" {
		http.Error(w, "channel name required", http.StatusBadRequest)
		return
	}
	conn, err := ws.NewConnection(w, r, pongWait, s.log)
	if err != nil {
		s.log.Errorf("websocket upgrade error for %s: %v", r.RemoteAddr, err)
		return
	}

	handle := s.bus.Open(name)
	link := ws.NewWSLink(r.RemoteAddr, conn, pingPeriod, func(msg *confmsg.Message) {
		if err := handle.Send(msg); err != nil {
			s.log.Debugf("dropping message from departed peer %s: %v", r.RemoteAddr, err)
		}
	}, s.log)

	linkWG, err := link.Connect(s.ctx)
	if err != nil {
		s.log.Errorf("error connecting link for %s: %v", r.RemoteAddr, err)
		handle.Close()
		return
	}

	n := atomic.AddUint64(&s.peers, 1)
	s.log.Debugf("peer %s joined channel %q (%d connected)", r.RemoteAddr, name, n)

	// Feed channel traffic to the peer.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range handle.C() {
			if err := link.Send(msg); err != nil {
				s.log.Debugf("send to peer %s failed: %v", r.RemoteAddr, err)
				return
			}
		}
	}()

	linkWG.Wait()
	handle.Close()
	atomic.AddUint64(&s.peers, ^uint64(0))
	s.log.Debugf("peer %s left channel %q", r.RemoteAddr, name)
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, altDNSNames []string, log prov.Logger) error {
	log.Infof("Generating TLS certificates...")

	org := "provgate autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, altDNSNames)
	if err != nil {
		return err
	}

	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}
