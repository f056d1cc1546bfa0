// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package confmsg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/provgate/provgate/prov"
)

// ProtocolVersion is the confirmation protocol version encoded in every
// Message. Version 0 was the legacy wire format in which the readiness signal
// was a bare string rather than an enveloped message. Version 1 normalizes all
// traffic under the Message envelope, so a v0 requester cannot be confused by
// v1 messages and vice versa.
const ProtocolVersion uint16 = 1

// Error codes
const (
	ErrParse              = iota + 1 // 1
	ErrVersionUnsupported            // 2
	ErrInvalidPayload                // 3
)

// Routes are destinations for a message payload. The route designation is a
// string sent as the "route" parameter of a JSON-encoded Message.
const (
	// ReadyRoute is the route of the surface-originating notification emitted
	// immediately on surface startup, telling the requester that it is safe to
	// deliver the change request. The name is retained from protocol version 0.
	ReadyRoute = "popup-loaded"
	// ChangeRequestRoute is the route of the requester-originating request
	// proposing a network-provider change. The payload is a ChangeRequest.
	ChangeRequestRoute = "provider-change"
	// ConfirmRoute is the route of the surface-originating terminal message
	// approving the change. The payload is a ChangeDecision echoing the
	// requested network spec.
	ConfirmRoute = "confirm-provider-change"
	// DenyRoute is the route of the surface-originating terminal message
	// rejecting the change. The payload is a ChangeDecision with no network
	// spec.
	DenyRoute = "deny-provider-change"
)

// ChannelPrefix is the well-known prefix for confirmation-flow channel names.
// Each flow appends a random hex nonce so that concurrent flows ride distinct
// channel instances. Treat the prefix as a protocol identifier; changing it
// breaks compatibility with any already-open requester.
const ChannelPrefix = "provider-change"

// FlowChannelName generates an ephemeral channel name for a single
// confirmation flow.
func FlowChannelName() string {
	return ChannelPrefix + "." + prov.RandomBytes(8).String()
}

// Error is sent in place of a result when a request cannot be served.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return e.String()
}

// String satisfies the Stringer interface for pretty printing.
func (e Error) String() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// Message is the primary messaging type for confirmation-channel
// communications. Every message, including the readiness notification, uses
// this envelope.
type Message struct {
	// Version is the protocol version the sender speaks.
	Version uint16 `json:"version"`
	// Route specifies a handler for the message. How Payload is decoded
	// depends on the Route.
	Route string `json:"route"`
	// ID links a terminal decision to the request that solicited it. It is
	// zero for notifications.
	ID uint64 `json:"id,omitempty"`
	// Payload is any data attached to the message.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage decodes a *Message from JSON-formatted bytes, enforcing the
// protocol version. Note that *Message may be nil even if error is nil, when
// the message is JSON null, []byte("null").
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	if msg.Version != ProtocolVersion {
		return nil, NewError(ErrVersionUnsupported, "protocol version %d not supported", msg.Version)
	}
	return msg, nil
}

// NewNotification encodes the payload and creates a notification-type
// *Message, identifiable by its zero ID.
func NewNotification(route string, payload interface{}) (*Message, error) {
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of notification-type message")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Version: ProtocolVersion,
		Route:   route,
		Payload: encoded,
	}, nil
}

// NewRequest is the constructor for a request-type *Message. A response
// bearing the same ID resolves the request.
func NewRequest(id uint64, route string, payload interface{}) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for a request-type message")
	}
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of request-type message")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Version: ProtocolVersion,
		Route:   route,
		ID:      id,
		Payload: encoded,
	}, nil
}

// NewResponse is the constructor for a response-type *Message resolving the
// request with the matching ID.
func NewResponse(id uint64, route string, payload interface{}) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for a response-type message")
	}
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of response-type message")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Version: ProtocolVersion,
		Route:   route,
		ID:      id,
		Payload: encoded,
	}, nil
}

// Unmarshal unmarshals the Payload field into the provided interface.
func (msg *Message) Unmarshal(payload interface{}) error {
	return json.Unmarshal(msg.Payload, payload)
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message encode error]"
	}
	return string(b)
}

// Kind classifies the requested network: a custom RPC endpoint or a named
// built-in network.
type Kind string

const (
	// KindRPC indicates a custom RPC endpoint described by an RPCNetwork.
	KindRPC Kind = "rpc"
	// KindNamed indicates a named built-in network identified by a plain
	// string.
	KindNamed Kind = "non-rpc"
)

// IsRPC is true only for the recognized RPC tag. An absent or unrecognized
// kind is treated as a named network.
func (k Kind) IsRPC() bool {
	return k == KindRPC
}

// RPCNetwork describes a custom RPC endpoint.
type RPCNetwork struct {
	NetworkName string `json:"networkName"`
	NetworkURL  string `json:"networkUrl"`
	ChainID     string `json:"chainId"`
}

// Validate checks that the endpoint description is complete and that the
// chain ID is a well-formed 0x-prefixed hex quantity.
func (n *RPCNetwork) Validate() error {
	if n.NetworkName == "" {
		return NewError(ErrInvalidPayload, "rpc network missing name")
	}
	if n.NetworkURL == "" {
		return NewError(ErrInvalidPayload, "rpc network %q missing url", n.NetworkName)
	}
	if _, err := hexutil.DecodeBig(n.ChainID); err != nil {
		return NewError(ErrInvalidPayload, "rpc network %q chain id %q: %v", n.NetworkName, n.ChainID, err)
	}
	return nil
}

// DisplayChainID returns the chain ID as a normalized 0x-hex quantity, or the
// raw string if it does not parse.
func (n *RPCNetwork) DisplayChainID() string {
	id, err := hexutil.DecodeBig(n.ChainID)
	if err != nil {
		return n.ChainID
	}
	return hexutil.EncodeBig(id)
}

// NetworkSpec is the {type, network} pair common to requests and approvals.
// The network field is a string identifier for named networks and an
// RPCNetwork object for custom endpoints, so it is kept raw until classified
// by kind.
type NetworkSpec struct {
	Kind    Kind            `json:"type,omitempty"`
	Network json.RawMessage `json:"network"`
}

// RPCNetwork decodes the network field as a custom endpoint description. Only
// valid when Kind.IsRPC.
func (s *NetworkSpec) RPCNetwork() (*RPCNetwork, error) {
	if !s.Kind.IsRPC() {
		return nil, NewError(ErrInvalidPayload, "network spec of kind %q is not an rpc endpoint", s.Kind)
	}
	net := new(RPCNetwork)
	if err := json.Unmarshal(s.Network, net); err != nil {
		return nil, NewError(ErrParse, "unparseable rpc network: %v", err)
	}
	return net, nil
}

// NetworkID decodes the network field as a plain named-network identifier.
func (s *NetworkSpec) NetworkID() (string, error) {
	var id string
	if err := json.Unmarshal(s.Network, &id); err != nil {
		return "", NewError(ErrParse, "unparseable network identifier: %v", err)
	}
	return id, nil
}

// String gives a short human-readable description of the spec, for logging
// and for the decision history.
func (s *NetworkSpec) String() string {
	if s.Kind.IsRPC() {
		net, err := s.RPCNetwork()
		if err != nil {
			return "rpc(?)"
		}
		return fmt.Sprintf("rpc(%s @ %s, chain %s)", net.NetworkName, net.NetworkURL, net.DisplayChainID())
	}
	id, err := s.NetworkID()
	if err != nil {
		return "network(?)"
	}
	return "network(" + strings.TrimSpace(id) + ")"
}

// RPCNetworkSpec builds a NetworkSpec for a custom RPC endpoint.
func RPCNetworkSpec(net *RPCNetwork) (*NetworkSpec, error) {
	if err := net.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(net)
	if err != nil {
		return nil, err
	}
	return &NetworkSpec{Kind: KindRPC, Network: raw}, nil
}

// NamedNetworkSpec builds a NetworkSpec for a named built-in network.
func NamedNetworkSpec(id string) (*NetworkSpec, error) {
	if id == "" {
		return nil, NewError(ErrInvalidPayload, "empty network identifier")
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	return &NetworkSpec{Kind: KindNamed, Network: raw}, nil
}

// ChangeRequest is the payload for a requester-originating
// ChangeRequestRoute request.
type ChangeRequest struct {
	Origin  string       `json:"origin"`
	Payload *NetworkSpec `json:"payload"`
}

// ChangeDecision is the payload for the surface-originating terminal message.
// Payload is present only on approval, where it echoes the requested spec.
type ChangeDecision struct {
	Approve bool         `json:"approve"`
	Payload *NetworkSpec `json:"payload,omitempty"`
}
