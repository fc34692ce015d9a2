package stream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patdz/ddp/proto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingHandler struct {
	mu          sync.Mutex
	resets      int
	disconnects int
	messages    []string
	fail        bool
}

func (h *recordingHandler) HandleReset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
}

func (h *recordingHandler) HandleMessage(raw string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, raw)
	if h.fail {
		return errors.New("state diverged")
	}
	return nil
}

func (h *recordingHandler) HandleDisconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) counts() (resets, messages, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets, len(h.messages), h.disconnects
}

// testServer accepts websockets, greets each with a ping and collects
// what clients send. With dropFirst the first socket is closed at once.
type testServer struct {
	*httptest.Server
	dropFirst bool

	mu       sync.Mutex
	accepted int
	received []string
	conns    []*websocket.Conn
	wg       sync.WaitGroup
}

func newTestServer(t *testing.T, dropFirst bool) *testServer {
	s := &testServer{dropFirst: dropFirst}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		n := s.accepted
		s.conns = append(s.conns, conn)
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		defer conn.Close()

		if s.dropFirst && n == 1 {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"msg":"ping"}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, string(data))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(func() {
		s.Server.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/websocket"
}

func (s *testServer) acceptedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func testOptions() Options {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return Options{Logger: l, QuickRetryDelay: time.Millisecond, InitialRetryDelay: 5 * time.Millisecond}
}

func TestToWebsocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://example.com":            "ws://example.com/websocket",
		"https://example.com/":          "wss://example.com/websocket",
		"https://example.com/app":       "wss://example.com/app/websocket",
		"ws://localhost:3000/websocket": "ws://localhost:3000/websocket",
		"wss://example.com":             "wss://example.com/websocket",
		"localhost:3000":                "ws://localhost:3000/websocket",
	} {
		got, err := ToWebsocketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ToWebsocketURL("ftp://example.com")
	assert.Error(t, err)
}

func TestStreamDeliversFrames(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := newTestServer(t, false)
	h := &recordingHandler{}

	s := New(srv.wsURL(), testOptions())
	s.Start(h)

	require.Eventually(t, func() bool {
		_, messages, _ := h.counts()
		return messages == 1
	}, time.Second, time.Millisecond)
	resets, _, _ := h.counts()
	assert.Equal(t, 1, resets)

	st := s.Status()
	assert.Equal(t, proto.StatusConnected, st.Status)
	assert.True(t, st.Connected)
	assert.Zero(t, st.RetryCount)

	require.NoError(t, s.Send(`{"msg":"pong"}`))
	assert.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.received) == 1 && srv.received[0] == `{"msg":"pong"}`
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	_, _, disconnects := h.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, proto.StatusFailed, s.Status().Status)
	assert.Error(t, s.Send(`{"msg":"pong"}`))
	srv.Close()
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	srv := newTestServer(t, true)
	h := &recordingHandler{}

	s := New(srv.wsURL(), testOptions())
	s.Start(h)
	defer s.Close()

	require.Eventually(t, func() bool {
		resets, messages, _ := h.counts()
		return resets == 2 && messages == 1
	}, 2*time.Second, time.Millisecond)
	_, _, disconnects := h.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 2, srv.acceptedCount())
}

func TestProtocolErrorDropsSocket(t *testing.T) {
	srv := newTestServer(t, false)
	h := &recordingHandler{fail: true}

	s := New(srv.wsURL(), testOptions())
	s.Start(h)
	defer s.Close()

	// Every session fails on the greeting and is redialed.
	require.Eventually(t, func() bool {
		resets, _, disconnects := h.counts()
		return resets >= 2 && disconnects >= 1
	}, 2*time.Second, time.Millisecond)
}

func TestForcedReconnect(t *testing.T) {
	srv := newTestServer(t, false)
	h := &recordingHandler{}

	s := New(srv.wsURL(), testOptions())
	s.Start(h)
	defer s.Close()

	require.Eventually(t, func() bool { return s.Status().Connected }, time.Second, time.Millisecond)

	// Without force a live socket is left alone.
	s.Reconnect(proto.ReconnectOptions{})
	s.Reconnect(proto.ReconnectOptions{Force: true})
	require.Eventually(t, func() bool {
		resets, _, _ := h.counts()
		return resets == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, srv.acceptedCount())
}

func TestLostConnectionRecordsReason(t *testing.T) {
	srv := newTestServer(t, false)
	h := &recordingHandler{}

	s := New(srv.wsURL(), testOptions())
	s.Start(h)
	defer s.Close()

	require.Eventually(t, func() bool { return s.Status().Connected }, time.Second, time.Millisecond)
	s.LostConnection(errors.New("heartbeat timed out"))

	require.Eventually(t, func() bool {
		_, _, disconnects := h.counts()
		return disconnects == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Connected }, time.Second, time.Millisecond)
}

func TestDisconnectAndReconnect(t *testing.T) {
	srv := newTestServer(t, false)
	h := &recordingHandler{}

	s := New(srv.wsURL(), testOptions())
	s.Start(h)
	defer s.Close()

	require.Eventually(t, func() bool { return s.Status().Connected }, time.Second, time.Millisecond)

	s.Disconnect(proto.DisconnectOptions{Reason: "user asked"})
	st := s.Status()
	assert.Equal(t, proto.StatusOffline, st.Status)
	assert.Equal(t, "user asked", st.Reason)

	s.Reconnect(proto.ReconnectOptions{})
	require.Eventually(t, func() bool { return s.Status().Connected }, time.Second, time.Millisecond)
	assert.Equal(t, 2, srv.acceptedCount())

	s.Disconnect(proto.DisconnectOptions{Permanent: true})
	assert.Equal(t, proto.StatusFailed, s.Status().Status)
	s.Reconnect(proto.ReconnectOptions{Force: true})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, proto.StatusFailed, s.Status().Status)
	assert.Equal(t, 2, srv.acceptedCount())
}

func TestRetriesWhileServerIsDown(t *testing.T) {
	srv := newTestServer(t, false)
	url := srv.wsURL()
	srv.Close()

	s := New(url, testOptions())
	s.Start(&recordingHandler{})
	defer s.Close()

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.RetryCount >= 3 && st.Reason != ""
	}, 2*time.Second, time.Millisecond)
	assert.False(t, s.Status().Connected)
}
