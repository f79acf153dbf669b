// Package message defines the envelope exchanged between two duplex-rpc peers.
//
// A Message is serialized by the codec layer and wrapped in a protocol frame
// for transmission over TCP. Exactly one of Invoke, Reply or Payload is set,
// selected by Kind.
package message

import "sync/atomic"

// Kind discriminates the message variants.
type Kind byte

const (
	KindPlain       Kind = 0 // One-way application payload
	KindInvoke      Kind = 1 // Remote method call
	KindInvokeReply Kind = 2 // Answer to a KindInvoke message
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindInvoke:
		return "invoke"
	case KindInvokeReply:
		return "invoke-reply"
	}
	return "unknown"
}

// Message is the envelope for everything sent over a channel.
type Message struct {
	ID      int64          `msgpack:"id" json:"id"`
	Kind    Kind           `msgpack:"kind" json:"kind"`
	Invoke  *InvokeRequest `msgpack:"invoke,omitempty" json:"invoke,omitempty"`
	Reply   *InvokeReply   `msgpack:"reply,omitempty" json:"reply,omitempty"`
	Payload []byte         `msgpack:"payload,omitempty" json:"payload,omitempty"`
}

// InvokeRequest names a method on a registered service and carries its
// parameters, each encoded separately by the connection's codec.
type InvokeRequest struct {
	Service  string            `msgpack:"service" json:"service"`
	Method   string            `msgpack:"method" json:"method"`
	Params   [][]byte          `msgpack:"params" json:"params"`
	Metadata map[string]string `msgpack:"meta,omitempty" json:"meta,omitempty"` // trace propagation headers
}

// InvokeReply answers the request whose ID equals RepliedID. Value is nil when
// the method returns nothing or failed; Error is nil on success.
type InvokeReply struct {
	RepliedID int64        `msgpack:"replied" json:"replied"`
	Value     []byte       `msgpack:"value,omitempty" json:"value,omitempty"`
	Error     *RemoteError `msgpack:"error,omitempty" json:"error,omitempty"`
}

// MetaClientID is the Metadata key carrying the calling peer's identity.
const MetaClientID = "client-id"

var lastID atomic.Int64

// NextID returns a process-wide unique message ID. IDs are never reused.
func NextID() int64 {
	return lastID.Add(1)
}

// NewInvoke builds an invoke request with a fresh ID.
func NewInvoke(service, method string, params [][]byte) *Message {
	return &Message{
		ID:   NextID(),
		Kind: KindInvoke,
		Invoke: &InvokeRequest{
			Service: service,
			Method:  method,
			Params:  params,
		},
	}
}

// NewPlain builds a one-way message carrying payload.
func NewPlain(payload []byte) *Message {
	return &Message{ID: NextID(), Kind: KindPlain, Payload: payload}
}

// NewReply builds the successful answer to req.
func NewReply(req *Message, value []byte) *Message {
	return &Message{
		ID:    NextID(),
		Kind:  KindInvokeReply,
		Reply: &InvokeReply{RepliedID: req.ID, Value: value},
	}
}

// NewErrorReply builds a failed answer to req. Service and Method of the
// error are filled from the request when left empty.
func NewErrorReply(req *Message, rerr *RemoteError) *Message {
	if req.Invoke != nil {
		if rerr.Service == "" {
			rerr.Service = req.Invoke.Service
		}
		if rerr.Method == "" {
			rerr.Method = req.Invoke.Method
		}
	}
	return &Message{
		ID:    NextID(),
		Kind:  KindInvokeReply,
		Reply: &InvokeReply{RepliedID: req.ID, Error: rerr},
	}
}

// Failed reports whether m is a reply carrying a remote error.
func (m *Message) Failed() bool {
	return m.Reply != nil && m.Reply.Error != nil
}

// Target returns "Service.Method" for invoke requests and "" otherwise.
func (m *Message) Target() string {
	if m.Invoke == nil {
		return ""
	}
	return m.Invoke.Service + "." + m.Invoke.Method
}
