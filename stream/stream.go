// Package stream is a reconnecting websocket transport for DDP.
package stream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/patdz/ddp/proto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	eventDial       = "dial"
	eventOpen       = "open"
	eventLost       = "lost"
	eventDisconnect = "disconnect"
	eventFail       = "fail"
)

// ErrForcedReconnect is the reason recorded when Reconnect drops a live
// socket.
var ErrForcedReconnect = errors.New("forced reconnect")

// Options configures a Stream. Zero values select the defaults.
type Options struct {
	Header         http.Header
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	Logger         logrus.FieldLogger

	// Retry schedule after the quick retries.
	InitialRetryDelay time.Duration
	RetryMultiplier   float64
	MaxRetryDelay     time.Duration
	// QuickRetries is the number of retries made after QuickRetryDelay
	// before backing off.
	QuickRetries    int
	QuickRetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger().WithField("component", "stream")
	}
	if o.InitialRetryDelay <= 0 {
		o.InitialRetryDelay = time.Second
	}
	if o.RetryMultiplier <= 1 {
		o.RetryMultiplier = 2.2
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 5 * time.Minute
	}
	if o.QuickRetries == 0 {
		o.QuickRetries = 2
	}
	if o.QuickRetryDelay <= 0 {
		o.QuickRetryDelay = 10 * time.Millisecond
	}
	return o
}

// Stream implements proto.Transport over a websocket that is redialed
// whenever it drops, until disconnected.
type Stream struct {
	opts Options
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu         sync.Mutex // protects following
	url        string
	handler    proto.Handler
	machine    *fsm.FSM
	conn       *websocket.Conn
	dialCancel context.CancelFunc
	retryCount int
	retryTime  time.Time
	retryTimer *time.Timer
	reason     string
	bo         *backoff.ExponentialBackOff
}

func New(rawURL string, opts Options) *Stream {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		url:    rawURL,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialRetryDelay
	bo.Multiplier = opts.RetryMultiplier
	bo.MaxInterval = opts.MaxRetryDelay
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0
	s.bo = bo

	s.machine = fsm.NewFSM(
		string(proto.StatusOffline),
		fsm.Events{
			{Name: eventDial, Src: []string{string(proto.StatusOffline), string(proto.StatusWaiting)}, Dst: string(proto.StatusConnecting)},
			{Name: eventOpen, Src: []string{string(proto.StatusConnecting)}, Dst: string(proto.StatusConnected)},
			{Name: eventLost, Src: []string{string(proto.StatusConnecting), string(proto.StatusConnected)}, Dst: string(proto.StatusWaiting)},
			{Name: eventDisconnect, Src: []string{string(proto.StatusConnecting), string(proto.StatusConnected), string(proto.StatusWaiting)}, Dst: string(proto.StatusOffline)},
			{Name: eventFail, Src: []string{string(proto.StatusConnecting), string(proto.StatusConnected), string(proto.StatusWaiting), string(proto.StatusOffline)}, Dst: string(proto.StatusFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("Stream status changed")
			},
		},
	)
	return s
}

// ToWebsocketURL turns a server url (http, https, ws, wss or bare host)
// into the DDP websocket endpoint.
func ToWebsocketURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	return u.String(), nil
}

// transition fires event, ignoring transitions that do not apply from the
// current state. Callers hold mu.
func (s *Stream) transition(event string) bool {
	if err := s.machine.Event(s.ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			s.log.WithError(err).Debugf("Ignoring stream event %s", event)
		}
		return false
	}
	return true
}

func (s *Stream) current() proto.StatusKind {
	return proto.StatusKind(s.machine.Current())
}

// Start begins connecting and delivers events to h.
func (s *Stream) Start(h proto.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	s.launch()
}

func (s *Stream) launch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current() == proto.StatusFailed || s.ctx.Err() != nil {
		return
	}
	if !s.transition(eventDial) {
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	s.dialCancel = cancel
	s.wg.Add(1)
	go s.dial(dialCtx, cancel, s.url)
}

func (s *Stream) dial(ctx context.Context, cancel context.CancelFunc, target string) {
	defer s.wg.Done()
	defer cancel()

	conn, _, err := s.opts.Dialer.DialContext(ctx, target, s.opts.Header)

	s.mu.Lock()
	s.dialCancel = nil
	if err != nil {
		s.log.WithError(err).WithField("url", target).Debug("Dial failed")
		if s.current() == proto.StatusConnecting {
			s.reason = err.Error()
			s.transition(eventLost)
			s.retryLater()
		}
		s.mu.Unlock()
		return
	}
	if s.current() != proto.StatusConnecting {
		// Disconnected while dialing.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.transition(eventOpen)
	s.retryCount = 0
	s.retryTime = time.Time{}
	s.reason = ""
	s.bo.Reset()
	h := s.handler
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(conn, h)
}

// readLoop is the only goroutine calling the handler for conn.
func (s *Stream) readLoop(conn *websocket.Conn, h proto.Handler) {
	defer s.wg.Done()

	h.HandleReset()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Debug("Websocket closed")
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := h.HandleMessage(string(data)); err != nil {
			s.log.WithError(err).Error("Dropping session after protocol error")
			conn.Close()
			break
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		// Lost unexpectedly.
		s.conn = nil
		s.transition(eventLost)
		s.retryLater()
	}
	s.mu.Unlock()
	conn.Close()
	h.HandleDisconnect()
}

// retryLater schedules the next dial. Callers hold mu.
func (s *Stream) retryLater() {
	if s.ctx.Err() != nil || s.current() != proto.StatusWaiting {
		return
	}
	delay := s.opts.QuickRetryDelay
	if s.retryCount >= s.opts.QuickRetries {
		delay = s.bo.NextBackOff()
	}
	s.retryCount++
	s.retryTime = time.Now().Add(delay)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, s.launch)
}

func (s *Stream) Send(raw string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("stream is not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, []byte(raw)), "write frame")
}

func (s *Stream) Status() proto.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.current()
	return proto.Status{
		Status:     st,
		Connected:  st == proto.StatusConnected,
		RetryCount: s.retryCount,
		RetryTime:  s.retryTime,
		Reason:     s.reason,
	}
}

// Reconnect dials now if not connected. With Force or a new URL a live
// socket is dropped first.
func (s *Stream) Reconnect(opts proto.ReconnectOptions) {
	s.mu.Lock()
	if opts.URL != "" {
		if u, err := ToWebsocketURL(opts.URL); err == nil {
			s.url = u
		} else {
			s.log.WithError(err).Warn("Ignoring reconnect url")
		}
	}
	switch s.current() {
	case proto.StatusFailed:
		s.mu.Unlock()
		return
	case proto.StatusConnected:
		if opts.Force || opts.URL != "" {
			s.reason = ErrForcedReconnect.Error()
			s.dropLocked()
		}
		s.mu.Unlock()
		return
	case proto.StatusConnecting:
		if s.dialCancel != nil {
			s.dialCancel()
		}
		s.mu.Unlock()
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
	s.launch()
}

// dropLocked closes the live socket so that its read loop reports it lost
// and a retry is scheduled.
func (s *Stream) dropLocked() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Stream) LostConnection(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.reason = err.Error()
	}
	s.dropLocked()
}

// Disconnect closes the socket and stops retrying. A permanent disconnect
// cannot be undone.
func (s *Stream) Disconnect(opts proto.DisconnectOptions) {
	s.mu.Lock()
	if opts.Permanent {
		s.transition(eventFail)
	} else {
		s.transition(eventDisconnect)
	}
	if opts.Reason != "" {
		s.reason = opts.Reason
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close disconnects permanently and waits for the stream's goroutines.
func (s *Stream) Close() error {
	s.Disconnect(proto.DisconnectOptions{Permanent: true})
	s.cancel()
	s.wg.Wait()
	return nil
}
