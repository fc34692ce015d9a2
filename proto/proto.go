package proto

import (
	"time"

	"github.com/goccy/go-json"
)

// Kind is the value of the "msg" field of a DDP frame.
type Kind string

const (
	KindConnect   Kind = "connect"
	KindConnected Kind = "connected"
	KindFailed    Kind = "failed"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindSub       Kind = "sub"
	KindUnsub     Kind = "unsub"
	KindNosub     Kind = "nosub"
	KindAdded     Kind = "added"
	KindChanged   Kind = "changed"
	KindRemoved   Kind = "removed"
	KindReady     Kind = "ready"
	KindUpdated   Kind = "updated"
	KindMethod    Kind = "method"
	KindResult    Kind = "result"
	KindError     Kind = "error"

	// KindReplace never goes on the wire. The connection hands it to a
	// Store when every stub write to a document has been confirmed.
	KindReplace Kind = "replace"
)

// IsData reports whether messages of this kind take part in quiescence
// buffering.
func (k Kind) IsData() bool {
	switch k {
	case KindAdded, KindChanged, KindRemoved, KindReady, KindUpdated, KindNosub:
		return true
	}
	return false
}

// Document is a schemaless record of a collection. The "_id" field holds the id.
type Document map[string]interface{}

// Message is every DDP frame, in both directions. Only the fields relevant
// to Kind are set.
type Message struct {
	Kind Kind   `json:"msg"`
	ID   string `json:"id,omitempty"`

	// connect / connected / failed
	Session string   `json:"session,omitempty"`
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`

	// sub / method
	Name       string        `json:"name,omitempty"`
	Method     string        `json:"method,omitempty"`
	Params     []interface{} `json:"params,omitempty"`
	RandomSeed string        `json:"randomSeed,omitempty"`

	// added / changed / removed
	Collection string   `json:"collection,omitempty"`
	Fields     Document `json:"fields,omitempty"`
	Cleared    []string `json:"cleared,omitempty"`

	// ready / updated
	Subs    []string `json:"subs,omitempty"`
	Methods []string `json:"methods,omitempty"`

	// result / nosub
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	// error
	Reason           string      `json:"reason,omitempty"`
	OffendingMessage interface{} `json:"offendingMessage,omitempty"`

	// replace
	Replace Document `json:"-"`
}

// A Codec turns messages into transport frames and back.
type Codec interface {
	Encode(*Message) (string, error)
	// Decode returns an error for frames that are not DDP messages.
	Decode(string) (*Message, error)
}

// DebugObserver receives every raw frame passing through a codec.
type DebugObserver struct {
	Outgoing func(string)
	Incoming func(string)
}

// Handler consumes the events of a Transport. A transport calls it from a
// single goroutine.
type Handler interface {
	// HandleReset is called every time the transport (re)connects.
	HandleReset()
	// HandleMessage is called once per inbound frame. A non-nil error means
	// the client state diverged from the server and the session must be
	// dropped.
	HandleMessage(raw string) error
	// HandleDisconnect is called when the transport loses its socket.
	HandleDisconnect()
}

type ReconnectOptions struct {
	// Force drops a live socket and connects again.
	Force bool
	URL   string
}

type DisconnectOptions struct {
	// Permanent moves the transport to the failed state. It never retries.
	Permanent bool
	Reason    string
}

// Transport is an ordered, reconnecting message channel.
type Transport interface {
	Start(Handler)
	Send(raw string) error
	Status() Status
	Reconnect(ReconnectOptions)
	Disconnect(DisconnectOptions)
	LostConnection(err error)
}

type StatusKind string

const (
	StatusConnecting StatusKind = "connecting"
	StatusConnected  StatusKind = "connected"
	StatusFailed     StatusKind = "failed"
	StatusWaiting    StatusKind = "waiting"
	StatusOffline    StatusKind = "offline"
)

type Status struct {
	Status     StatusKind
	Connected  bool
	RetryCount int
	RetryTime  time.Time
	Reason     string
}

// Store is the local cache of one collection.
//
// All updates for one quiescence cycle are delivered between a single
// BeginUpdate/EndUpdate pair.
type Store interface {
	// BeginUpdate opens a batch of batchSize updates. When reset is set the
	// store drops every document first.
	BeginUpdate(batchSize int, reset bool)
	// Update applies an added, changed, removed or replace message.
	Update(msg *Message) error
	EndUpdate()
	// SaveOriginals starts recording the pre-write version of every
	// document written locally.
	SaveOriginals()
	// RetrieveOriginals stops recording and returns the recorded versions
	// keyed by id. A nil document means it did not exist.
	RetrieveOriginals() map[string]Document
	// GetDoc returns the current local version, or nil.
	GetDoc(id string) Document
}
