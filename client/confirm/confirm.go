// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package confirm implements the provider-change confirmation flow: a
// Requester proposes a network-provider change and a human-operated Surface
// resolves it, the two sides exchanging messages over an ephemeral named
// broadcast channel.
package confirm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/provgate/provgate/client/db"
	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/confmsg"
	"github.com/provgate/provgate/prov/wait"
)

// specKind classifies a possibly-nil spec for the decision history.
func specKind(spec *confmsg.NetworkSpec) confmsg.Kind {
	if spec != nil && spec.Kind.IsRPC() {
		return confmsg.KindRPC
	}
	return confmsg.KindNamed
}

const (
	// DefaultTimeout is the default time allowed for the user to resolve a
	// confirmation before the requester synthesizes a denial.
	DefaultTimeout = 2 * time.Minute
	// expiryTick is how often pending confirmations are checked for expiry.
	expiryTick = 250 * time.Millisecond
)

// Channel is one end of a named broadcast channel. It is satisfied by
// *broadcast.Handle for in-process flows and by *comms.RelayChannel for flows
// bridged over the websocket relay.
type Channel interface {
	// Send delivers the message to all other ends of the channel. Sends
	// toward a peer that has already closed are silent no-ops.
	Send(*confmsg.Message) error
	// C is the delivery channel. It is closed when the Channel is closed.
	C() <-chan *confmsg.Message
	// Close releases the channel end. Close is the only cancellation
	// primitive; there is no draining handshake.
	Close()
}

// ChannelFactory opens an end of the named broadcast channel. Both sides of a
// flow receive a factory rather than reaching into ambient globals, so tests
// can supply a deterministic transport.
type ChannelFactory func(name string) (Channel, error)

// Decision is the requester-side result of a confirmation flow.
type Decision struct {
	// Approved is whether the user approved the change.
	Approved bool
	// TimedOut is set when the decision was synthesized because no terminal
	// message arrived before the timeout. A timed-out Decision is never
	// approved.
	TimedOut bool
	// Payload echoes the requested network spec. It is set only when
	// Approved.
	Payload *confmsg.NetworkSpec
}

// RequesterConfig is the configuration for a Requester.
type RequesterConfig struct {
	// OpenChannel opens the flow's broadcast channel.
	OpenChannel ChannelFactory
	// OpenSurface opens the confirmation surface for the named channel,
	// typically by spawning the confirmation popup with the channel name as
	// an argument. OpenSurface must not block on the user's decision.
	OpenSurface func(ctx context.Context, channelName string) error
	// Location returns the requesting context's URL. Only the hostname
	// portion is ever surfaced to the user.
	Location func() string
	// Timeout bounds how long a flow waits for a terminal decision.
	// Elapsed timeout synthesizes a denial. Zero means DefaultTimeout.
	Timeout time.Duration
	// DB, if non-nil, records synthesized timeout denials. Decisions made by
	// the user are recorded by the surface, which sees them first.
	DB DecisionDB
	// Log is the Requester's logger.
	Log prov.Logger
}

// Requester runs confirmation flows. Each flow is single-shot: one request,
// at most one terminal decision, no retries.
type Requester struct {
	cfg       *RequesterConfig
	log       prov.Logger
	timeout   time.Duration
	queue     *wait.TickerQueue
	startOnce sync.Once
	started   chan struct{}
	reqID     uint64
}

// NewRequester constructs a Requester. Run must be called before Confirm.
func NewRequester(cfg *RequesterConfig) (*Requester, error) {
	if cfg.OpenChannel == nil {
		return nil, fmt.Errorf("no channel factory provided")
	}
	if cfg.OpenSurface == nil {
		return nil, fmt.Errorf("no surface opener provided")
	}
	if cfg.Location == nil {
		return nil, fmt.Errorf("no location accessor provided")
	}
	log := cfg.Log
	if log == nil {
		log = prov.Disabled
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Requester{
		cfg:     cfg,
		log:     log,
		timeout: timeout,
		queue:   wait.NewTickerQueue(expiryTick),
		started: make(chan struct{}),
	}, nil
}

// Run runs the expiry queue until the context is canceled. Flows pending at
// shutdown resolve as synthesized denials. Run must be running for Confirm to
// proceed.
func (r *Requester) Run(ctx context.Context) {
	r.startOnce.Do(func() { close(r.started) })
	r.queue.Run(ctx)
}

// Confirm runs one confirmation flow to its terminal decision. The returned
// Decision is a denial, not an error, when the user rejects the change or the
// timeout elapses. An error is returned only when the flow could not be run
// at all.
func (r *Requester) Confirm(ctx context.Context, spec *confmsg.NetworkSpec) (*Decision, error) {
	select {
	case <-r.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Open the channel before the surface so the readiness signal cannot be
	// missed.
	chanName := confmsg.FlowChannelName()
	channel, err := r.cfg.OpenChannel(chanName)
	if err != nil {
		return nil, fmt.Errorf("error opening channel %q: %w", chanName, err)
	}
	defer channel.Close()

	if err := r.cfg.OpenSurface(ctx, chanName); err != nil {
		return nil, fmt.Errorf("error opening confirmation surface: %w", err)
	}

	reqID := atomic.AddUint64(&r.reqID, 1)
	req := &confmsg.ChangeRequest{
		Origin:  r.cfg.Location(),
		Payload: spec,
	}

	// The expiry queue resolves the flow as a synthesized denial if no
	// terminal message arrives in time.
	var resolved uint32
	expired := make(chan struct{})
	r.queue.Wait(&wait.Waiter{
		Expiration: time.Now().Add(r.timeout),
		TryFunc: func() wait.TryDirective {
			if atomic.LoadUint32(&resolved) == 1 {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() { close(expired) },
	})
	defer atomic.StoreUint32(&resolved, 1)

	delivery := channel.C()
	requested := false
	for {
		select {
		case msg, ok := <-delivery:
			if !ok {
				// Our own handle was torn down, e.g. a relay disconnect.
				// Nothing more can arrive; wait out the timeout.
				r.log.Warnf("channel %q closed before a decision arrived", chanName)
				delivery = nil
				continue
			}
			switch msg.Route {
			case confmsg.ReadyRoute:
				if requested {
					continue
				}
				reqMsg, err := confmsg.NewRequest(reqID, confmsg.ChangeRequestRoute, req)
				if err != nil {
					return nil, err
				}
				if err := channel.Send(reqMsg); err != nil {
					return nil, fmt.Errorf("error sending change request: %w", err)
				}
				requested = true
			case confmsg.ConfirmRoute, confmsg.DenyRoute:
				if msg.ID != reqID {
					r.log.Warnf("ignoring %s decision for unknown request %d", msg.Route, msg.ID)
					continue
				}
				decision := new(confmsg.ChangeDecision)
				if err := msg.Unmarshal(decision); err != nil {
					return nil, fmt.Errorf("unparseable %s decision: %w", msg.Route, err)
				}
				return &Decision{
					Approved: decision.Approve,
					Payload:  decision.Payload,
				}, nil
			default:
				r.log.Warnf("ignoring message with unknown route %q on channel %q", msg.Route, chanName)
			}
		case <-expired:
			r.log.Infof("confirmation flow on channel %q timed out after %s. treating as denied", chanName, r.timeout)
			if r.cfg.DB != nil {
				network := ""
				if spec != nil {
					network = spec.String()
				}
				rec := db.NewTimeoutDecision(req.Origin, specKind(spec), network)
				if err := r.cfg.DB.SaveDecision(rec); err != nil {
					r.log.Errorf("error saving timeout decision: %v", err)
				}
			}
			return &Decision{TimedOut: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
