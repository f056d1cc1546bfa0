package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/provgate/provgate/client/db"
	"github.com/provgate/provgate/prov/broadcast"
	"github.com/provgate/provgate/prov/confmsg"
)

// tPrompter resolves every prompt with a canned answer, capturing the prompt
// for inspection.
type tPrompter struct {
	mtx     sync.Mutex
	approve bool
	err     error
	prompts []*Prompt
}

func (p *tPrompter) Prompt(_ context.Context, prompt *Prompt) (bool, error) {
	p.mtx.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mtx.Unlock()
	return p.approve, p.err
}

func (p *tPrompter) lastPrompt(t *testing.T) *Prompt {
	t.Helper()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.prompts) == 0 {
		t.Fatal("nothing was prompted")
	}
	return p.prompts[len(p.prompts)-1]
}

// tDB records decisions in memory.
type tDB struct {
	mtx  sync.Mutex
	recs []*db.Decision
}

func (d *tDB) SaveDecision(rec *db.Decision) error {
	d.mtx.Lock()
	d.recs = append(d.recs, rec)
	d.mtx.Unlock()
	return nil
}

// tRig wires a Requester and, for every flow it opens, a Surface and an
// observer handle, all sharing one in-process bus.
type tRig struct {
	bus      *broadcast.Bus
	prompter *tPrompter
	db       *tDB

	mtx      sync.Mutex
	observed []*confmsg.Message
}

func newTestRig(approve bool) *tRig {
	return &tRig{
		bus:      broadcast.NewBus(),
		prompter: &tPrompter{approve: approve},
		db:       &tDB{},
	}
}

func (rig *tRig) factory() ChannelFactory {
	return func(name string) (Channel, error) {
		return rig.bus.Open(name), nil
	}
}

// openSurface is the rig's OpenSurface. It also attaches an observer handle
// that records all channel traffic.
func (rig *tRig) openSurface(ctx context.Context, channelName string) error {
	observer := rig.bus.Open(channelName)
	go func() {
		for msg := range observer.C() {
			rig.mtx.Lock()
			rig.observed = append(rig.observed, msg)
			rig.mtx.Unlock()
		}
	}()
	surface, err := NewSurface(&SurfaceConfig{
		OpenChannel: rig.factory(),
		ChannelName: channelName,
		Prompter:    rig.prompter,
		DB:          rig.db,
	})
	if err != nil {
		return err
	}
	go surface.Run(ctx)
	return nil
}

func (rig *tRig) requester(t *testing.T, ctx context.Context, timeout time.Duration) *Requester {
	t.Helper()
	r, err := NewRequester(&RequesterConfig{
		OpenChannel: rig.factory(),
		OpenSurface: rig.openSurface,
		Location:    func() string { return "https://dapp.example.com/page" },
		Timeout:     timeout,
		DB:          rig.db,
	})
	if err != nil {
		t.Fatalf("NewRequester error: %v", err)
	}
	go r.Run(ctx)
	return r
}

// waitTerminals waits for the observer to see at least one terminal message,
// allows a grace period for stragglers, and returns all of them.
func (rig *tRig) waitTerminals(t *testing.T) []*confmsg.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(rig.terminalMessages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no terminal message observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	return rig.terminalMessages()
}

func (rig *tRig) terminalMessages() []*confmsg.Message {
	rig.mtx.Lock()
	defer rig.mtx.Unlock()
	var terminals []*confmsg.Message
	for _, msg := range rig.observed {
		if msg.Route == confmsg.ConfirmRoute || msg.Route == confmsg.DenyRoute {
			terminals = append(terminals, msg)
		}
	}
	return terminals
}

func TestApproveFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(true)
	r := rig.requester(t, ctx, time.Minute)

	rpcNet := &confmsg.RPCNetwork{NetworkName: "Test", NetworkURL: "https://rpc.test", ChainID: "0x1"}
	spec, err := confmsg.RPCNetworkSpec(rpcNet)
	if err != nil {
		t.Fatalf("RPCNetworkSpec error: %v", err)
	}

	decision, err := r.Confirm(ctx, spec)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if !decision.Approved || decision.TimedOut {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if decision.Payload == nil {
		t.Fatal("approval carries no payload")
	}
	echoed, err := decision.Payload.RPCNetwork()
	if err != nil {
		t.Fatalf("echoed payload undecodable: %v", err)
	}
	if *echoed != *rpcNet {
		t.Fatalf("echoed network %+v does not match request %+v", echoed, rpcNet)
	}

	prompt := rig.prompter.lastPrompt(t)
	if prompt.Host != "dapp.example.com" {
		t.Fatalf("displayed hostname %q, want dapp.example.com", prompt.Host)
	}
	if !prompt.Kind.IsRPC() || prompt.RPC == nil || *prompt.RPC != *rpcNet {
		t.Fatalf("rpc request rendered with wrong view: %+v", prompt)
	}

	if terminals := rig.waitTerminals(t); len(terminals) != 1 {
		t.Fatalf("observed %d terminal messages, want exactly 1", len(terminals))
	}
}

func TestDenyFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(false)
	r := rig.requester(t, ctx, time.Minute)

	// Kind omitted entirely.
	spec := &confmsg.NetworkSpec{Network: json.RawMessage(`"sepolia"`)}
	decision, err := r.Confirm(ctx, spec)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if decision.Approved || decision.TimedOut {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if decision.Payload != nil {
		t.Fatalf("denial carries a payload: %+v", decision.Payload)
	}

	// Kind omitted renders the named-network view.
	prompt := rig.prompter.lastPrompt(t)
	if prompt.Kind.IsRPC() || prompt.NetworkID != "sepolia" {
		t.Fatalf("kindless request rendered with wrong view: %+v", prompt)
	}

	// Exactly one terminal message, on the deny route, with no payload key
	// inside the decision.
	terminals := rig.waitTerminals(t)
	if len(terminals) != 1 {
		t.Fatalf("observed %d terminal messages, want exactly 1", len(terminals))
	}
	msg := terminals[0]
	if msg.Route != confmsg.DenyRoute {
		t.Fatalf("terminal route %q, want %q", msg.Route, confmsg.DenyRoute)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		t.Fatalf("unparseable terminal payload: %v", err)
	}
	if _, found := raw["payload"]; found {
		t.Fatalf("denial carries a payload key: %s", msg.Payload)
	}
	if string(raw["approve"]) != "false" {
		t.Fatalf("wrong approve value: %s", msg.Payload)
	}
}

func TestOriginHost(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
	}{
		{"https with path", "https://dapp.example.com/page", "dapp.example.com"},
		{"with port", "https://sub.host.test:8080/x", "sub.host.test"},
		{"unparseable", "not a url", ""},
		{"empty", "", ""},
		{"control character", "https://bad\x7forigin/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			bus := broadcast.NewBus()
			prompter := &tPrompter{}
			const chanName = "flow-origin-test"
			surface, err := NewSurface(&SurfaceConfig{
				OpenChannel: func(name string) (Channel, error) { return bus.Open(name), nil },
				ChannelName: chanName,
				Prompter:    prompter,
			})
			if err != nil {
				t.Fatalf("NewSurface error: %v", err)
			}

			peer := bus.Open(chanName)
			defer peer.Close()
			errChan := make(chan error, 1)
			go func() { errChan <- surface.Run(ctx) }()

			// Wait for readiness, then deliver the request.
			select {
			case msg := <-peer.C():
				if msg.Route != confmsg.ReadyRoute {
					t.Fatalf("first message was %q, not readiness", msg.Route)
				}
			case <-time.After(time.Second):
				t.Fatal("no readiness signal")
			}
			spec, _ := confmsg.NamedNetworkSpec("mainnet")
			reqMsg, err := confmsg.NewRequest(1, confmsg.ChangeRequestRoute,
				&confmsg.ChangeRequest{Origin: tt.origin, Payload: spec})
			if err != nil {
				t.Fatalf("NewRequest error: %v", err)
			}
			if err := peer.Send(reqMsg); err != nil {
				t.Fatalf("Send error: %v", err)
			}

			// The flow proceeds to a terminal message regardless of the
			// origin's quality.
			select {
			case msg := <-peer.C():
				if msg.Route != confmsg.DenyRoute {
					t.Fatalf("terminal route %q", msg.Route)
				}
			case <-time.After(time.Second):
				t.Fatal("no terminal message")
			}
			if err := <-errChan; err != nil {
				t.Fatalf("surface error: %v", err)
			}
			if host := prompter.lastPrompt(t).Host; host != tt.host {
				t.Fatalf("displayed hostname %q, want %q", host, tt.host)
			}
		})
	}
}

func TestPrompterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(true)
	rig.prompter.err = errors.New("render failure")
	r := rig.requester(t, ctx, time.Minute)

	spec, _ := confmsg.NamedNetworkSpec("mainnet")
	decision, err := r.Confirm(ctx, spec)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	// A broken prompter resolves as a denial, never a hang.
	if decision.Approved {
		t.Fatal("approved despite prompter failure")
	}
}

func TestTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(true)
	// A surface that never appears.
	r, err := NewRequester(&RequesterConfig{
		OpenChannel: rig.factory(),
		OpenSurface: func(context.Context, string) error { return nil },
		Location:    func() string { return "https://dapp.example.com" },
		Timeout:     10 * time.Millisecond,
		DB:          rig.db,
	})
	if err != nil {
		t.Fatalf("NewRequester error: %v", err)
	}
	go r.Run(ctx)

	spec, _ := confmsg.NamedNetworkSpec("mainnet")
	decision, err := r.Confirm(ctx, spec)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if !decision.TimedOut || decision.Approved {
		t.Fatalf("unexpected decision %+v", decision)
	}

	// The synthesized denial lands in the history.
	rig.db.mtx.Lock()
	defer rig.db.mtx.Unlock()
	if len(rig.db.recs) != 1 {
		t.Fatalf("%d history records, want 1", len(rig.db.recs))
	}
	rec := rig.db.recs[0]
	if !rec.TimedOut || rec.Approved {
		t.Fatalf("unexpected history record %+v", rec)
	}
}

func TestConcurrentFlowIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(true)
	r := rig.requester(t, ctx, time.Minute)

	networks := []string{"alpha", "beta", "gamma", "delta"}
	decisions := make([]*Decision, len(networks))
	errs := make([]error, len(networks))
	var wg sync.WaitGroup
	for i, id := range networks {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			spec, err := confmsg.NamedNetworkSpec(id)
			if err != nil {
				errs[i] = err
				return
			}
			decisions[i], errs[i] = r.Confirm(ctx, spec)
		}(i, id)
	}
	wg.Wait()

	for i, id := range networks {
		if errs[i] != nil {
			t.Fatalf("flow %s error: %v", id, errs[i])
		}
		d := decisions[i]
		if !d.Approved {
			t.Fatalf("flow %s not approved", id)
		}
		echoed, err := d.Payload.NetworkID()
		if err != nil {
			t.Fatalf("flow %s echoed payload undecodable: %v", id, err)
		}
		if echoed != id {
			t.Fatalf("flow %s received decision for %q", id, echoed)
		}
	}
}
