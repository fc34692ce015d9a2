package ddp

import (
	"io"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/patdz/ddp/codec"
	"github.com/patdz/ddp/proto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeTransport records what the connection sends. Tests drive the
// handler side by hand.
type fakeTransport struct {
	mu          sync.Mutex
	handler     proto.Handler
	sent        []string
	reconnects  []proto.ReconnectOptions
	disconnects []proto.DisconnectOptions
	lost        []error
}

func (f *fakeTransport) Start(h proto.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Send(raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeTransport) Status() proto.Status {
	return proto.Status{Status: proto.StatusConnected, Connected: true}
}

func (f *fakeTransport) Reconnect(opts proto.ReconnectOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, opts)
}

func (f *fakeTransport) Disconnect(opts proto.DisconnectOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, opts)
}

func (f *fakeTransport) LostConnection(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, err)
}

// take returns the frames sent since the last take, decoded.
func (f *fakeTransport) take(t *testing.T) []*proto.Message {
	t.Helper()
	f.mu.Lock()
	sent := f.sent
	f.sent = nil
	f.mu.Unlock()

	dec := codec.NewJSONCodec(nil)
	out := make([]*proto.Message, 0, len(sent))
	for _, raw := range sent {
		msg, err := dec.Decode(raw)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func kinds(msgs []*proto.Message) []proto.Kind {
	out := make([]proto.Kind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func methodNames(msgs []*proto.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Kind == proto.KindMethod {
			out = append(out, m.Method)
		}
	}
	return out
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestConnection returns a connection over a fake transport with
// heartbeats and write batching off.
func newTestConnection(t *testing.T, opts Options) (*Connection, *fakeTransport) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	if opts.BufferedWritesInterval == 0 {
		opts.BufferedWritesInterval = -1
	}
	ft := &fakeTransport{}
	c := NewConnection(ft, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, ft
}

// deliver hands one server message to the connection.
func deliver(t *testing.T, c *Connection, msg map[string]interface{}) error {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return c.HandleMessage(string(raw))
}

func mustDeliver(t *testing.T, c *Connection, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, deliver(t, c, msg))
}

// connect runs a transport reset followed by the server's connected reply
// and discards the handshake frames.
func connect(t *testing.T, c *Connection, ft *fakeTransport, session string) []*proto.Message {
	t.Helper()
	c.HandleReset()
	mustDeliver(t, c, map[string]interface{}{"msg": "connected", "session": session})
	return ft.take(t)
}

// completeMethod sends the result and the updated message for id.
func completeMethod(t *testing.T, c *Connection, id string, result interface{}) {
	t.Helper()
	mustDeliver(t, c, map[string]interface{}{"msg": "result", "id": id, "result": result})
	mustDeliver(t, c, map[string]interface{}{"msg": "updated", "methods": []string{id}})
}

type callRecord struct {
	mu      sync.Mutex
	results []json.RawMessage
	errs    []error
}

func (r *callRecord) callback(result json.RawMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	r.errs = append(r.errs, err)
}

func (r *callRecord) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}
