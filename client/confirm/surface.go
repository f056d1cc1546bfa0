// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package confirm

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/provgate/provgate/client/db"
	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/confmsg"
)

// Prompt is the view model handed to the Prompter. Exactly one of RPC and
// NetworkID is populated, according to Kind.
type Prompt struct {
	// Host is the hostname of the requesting context, or "" when the origin
	// did not parse.
	Host string
	// Kind classifies the requested network.
	Kind confmsg.Kind
	// RPC describes the custom endpoint for Kind = rpc.
	RPC *confmsg.RPCNetwork
	// NetworkID is the plain identifier for named networks.
	NetworkID string
}

// Prompter presents a Prompt to the user and reports the decision. The
// rendering layer behind it is not this package's concern.
type Prompter interface {
	Prompt(ctx context.Context, p *Prompt) (approved bool, err error)
}

// DecisionDB stores resolved decisions. Satisfied by *db.BoltDB.
type DecisionDB interface {
	SaveDecision(*db.Decision) error
}

// SurfaceConfig is the configuration for a Surface.
type SurfaceConfig struct {
	// OpenChannel opens the flow's broadcast channel.
	OpenChannel ChannelFactory
	// ChannelName is the flow channel to join, as handed to the surface by
	// the requester that opened it.
	ChannelName string
	// Prompter presents the change to the user.
	Prompter Prompter
	// DB, if non-nil, records the terminal decision.
	DB DecisionDB
	// Log is the Surface's logger.
	Log prov.Logger
}

// Surface states. There is deliberately nothing more than
// awaiting-request -> displaying-prompt -> decided, terminal also on
// abandonment.
const (
	awaitingRequest = iota
	displayingPrompt
	decided
)

// Surface is the confirmation side of a flow. It signals readiness, receives
// the change request, prompts the user, and sends exactly one terminal
// message before closing its channel handle and returning.
type Surface struct {
	cfg      *SurfaceConfig
	log      prov.Logger
	state    int32
	terminal uint32
}

// NewSurface constructs a Surface for one confirmation flow.
func NewSurface(cfg *SurfaceConfig) (*Surface, error) {
	if cfg.OpenChannel == nil {
		return nil, fmt.Errorf("no channel factory provided")
	}
	if cfg.ChannelName == "" {
		return nil, fmt.Errorf("no channel name provided")
	}
	if cfg.Prompter == nil {
		return nil, fmt.Errorf("no prompter provided")
	}
	log := cfg.Log
	if log == nil {
		log = prov.Disabled
	}
	return &Surface{
		cfg:   cfg,
		log:   log,
		state: awaitingRequest,
	}, nil
}

// Run works the flow to its terminal state. A nil error means exactly one
// terminal message was sent and the channel handle closed. Context
// cancellation before the user decides abandons the flow without a terminal
// message.
func (s *Surface) Run(ctx context.Context) error {
	channel, err := s.cfg.OpenChannel(s.cfg.ChannelName)
	if err != nil {
		return fmt.Errorf("error opening channel %q: %w", s.cfg.ChannelName, err)
	}
	defer channel.Close()

	// Readiness first, so a requester that opened the channel before opening
	// this surface knows it is safe to deliver the request.
	ready, err := confmsg.NewNotification(confmsg.ReadyRoute, nil)
	if err != nil {
		return err
	}
	if err := channel.Send(ready); err != nil {
		return fmt.Errorf("error signaling readiness: %w", err)
	}

	for {
		select {
		case msg, ok := <-channel.C():
			if !ok {
				return fmt.Errorf("channel %q closed while awaiting request", s.cfg.ChannelName)
			}
			if msg.Route != confmsg.ChangeRequestRoute {
				s.log.Warnf("ignoring message with route %q while awaiting request", msg.Route)
				continue
			}
			req := new(confmsg.ChangeRequest)
			if err := msg.Unmarshal(req); err != nil {
				return fmt.Errorf("unparseable change request: %w", err)
			}
			return s.resolve(ctx, channel, msg.ID, req)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resolve displays the prompt and sends the terminal message.
func (s *Surface) resolve(ctx context.Context, channel Channel, reqID uint64, req *confmsg.ChangeRequest) error {
	atomic.StoreInt32(&s.state, displayingPrompt)

	prompt := s.buildPrompt(req)
	approved, err := s.cfg.Prompter.Prompt(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			// Abandoned. No terminal message is ever sent.
			return ctx.Err()
		}
		// A broken prompter must not leave the requester hanging.
		s.log.Errorf("prompter error, denying change from %q: %v", prompt.Host, err)
		approved = false
	}

	decision := &confmsg.ChangeDecision{Approve: approved}
	route := confmsg.DenyRoute
	if approved {
		route = confmsg.ConfirmRoute
		decision.Payload = req.Payload
	}
	msg, err := confmsg.NewResponse(reqID, route, decision)
	if err != nil {
		return err
	}

	if !atomic.CompareAndSwapUint32(&s.terminal, 0, 1) {
		return fmt.Errorf("terminal message already sent on channel %q", s.cfg.ChannelName)
	}
	// A send toward a requester that already closed its end is a no-op by
	// broadcast semantics, so no error surfaces to the user here.
	if err := channel.Send(msg); err != nil {
		return fmt.Errorf("error sending %s: %w", route, err)
	}
	channel.Close()
	atomic.StoreInt32(&s.state, decided)

	s.record(req, prompt, approved)
	return nil
}

// buildPrompt classifies the request for display. Malformed pieces degrade:
// an unparseable origin shows an empty hostname, an unrecognized kind falls
// back to the named-network view.
func (s *Surface) buildPrompt(req *confmsg.ChangeRequest) *Prompt {
	prompt := &Prompt{
		Host: s.originHost(req.Origin),
		Kind: confmsg.KindNamed,
	}
	spec := req.Payload
	if spec == nil {
		s.log.Warnf("change request from %q carries no network spec", req.Origin)
		return prompt
	}
	if spec.Kind.IsRPC() {
		net, err := spec.RPCNetwork()
		if err == nil {
			prompt.Kind = confmsg.KindRPC
			prompt.RPC = net
			return prompt
		}
		s.log.Errorf("undecodable rpc network in request from %q: %v", req.Origin, err)
	}
	id, err := spec.NetworkID()
	if err != nil {
		s.log.Errorf("undecodable network identifier in request from %q: %v", req.Origin, err)
		id = string(spec.Network)
	}
	prompt.NetworkID = id
	return prompt
}

// originHost extracts the hostname from the requesting context's URL. Parse
// failures degrade to an empty hostname rather than failing the flow.
func (s *Surface) originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		s.log.Errorf("unparseable origin %q: %v", origin, err)
		return ""
	}
	return u.Hostname()
}

// record saves the terminal decision to the history, if a DB was configured.
func (s *Surface) record(req *confmsg.ChangeRequest, prompt *Prompt, approved bool) {
	if s.cfg.DB == nil {
		return
	}
	network := ""
	if req.Payload != nil {
		network = req.Payload.String()
	}
	rec := db.NewDecision(req.Origin, prompt.Host, prompt.Kind, network, approved)
	if err := s.cfg.DB.SaveDecision(rec); err != nil {
		s.log.Errorf("error saving decision for %q: %v", prompt.Host, err)
	}
}
