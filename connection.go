package ddp

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/patdz/ddp/codec"
	"github.com/patdz/ddp/proto"
	"github.com/patdz/ddp/reactive"
	"github.com/patdz/ddp/stream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SupportedVersions are the DDP versions this client speaks, most
// preferred first.
var SupportedVersions = []string{"1", "pre2", "pre1"}

const (
	DefaultHeartbeatInterval      = 17500 * time.Millisecond
	DefaultHeartbeatTimeout       = 15 * time.Second
	DefaultBufferedWritesInterval = 5 * time.Millisecond
	DefaultBufferedWritesMaxAge   = 500 * time.Millisecond
)

// Options configures a Connection. Zero values select the defaults.
type Options struct {
	Logger logrus.FieldLogger
	Codec  proto.Codec
	// Debug receives every frame when Codec is nil.
	Debug *proto.DebugObserver

	SupportedVersions []string

	// HeartbeatInterval is the idle time before a ping is sent. Negative
	// disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DisablePingResponses bool

	// BufferedWritesInterval batches added/changed/removed messages.
	// Negative applies every message as it arrives.
	BufferedWritesInterval time.Duration
	BufferedWritesMaxAge   time.Duration

	// MaxUnknownStoreUpdates caps the updates queued per collection that
	// has no registered store. Zero keeps everything.
	MaxUnknownStoreUpdates int

	// ReloadWithOutstanding allows migrations while methods are in flight.
	ReloadWithOutstanding bool

	OnConnected                 func()
	OnVersionNegotiationFailure func(reason string)

	// Manager, if set, tracks the connection until Close.
	Manager *Manager
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger().WithField("component", "ddp")
	}
	if o.Codec == nil {
		o.Codec = codec.NewJSONCodec(o.Debug)
	}
	if len(o.SupportedVersions) == 0 {
		o.SupportedVersions = SupportedVersions
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.BufferedWritesInterval == 0 {
		o.BufferedWritesInterval = DefaultBufferedWritesInterval
	}
	if o.BufferedWritesMaxAge <= 0 {
		o.BufferedWritesMaxAge = DefaultBufferedWritesMaxAge
	}
	return o
}

// Connection is the client side of one DDP session over a reconnecting
// transport. It is safe for use by multiple goroutines; callbacks are never
// invoked while its internal lock is held.
type Connection struct {
	opts      Options
	log       logrus.FieldLogger
	codec     proto.Codec
	transport proto.Transport

	stubsMu sync.RWMutex
	stubs   map[string]StubFunc

	userMu    sync.Mutex
	userID    string
	userIDDep *reactive.Dependency

	mu sync.Mutex // protects following

	version           string
	versionSuggestion string
	lastSessionID     string
	closed            bool

	nextMethodID   uint64
	nextSubSeq     uint64
	methodInvokers map[string]*methodInvoker
	blocks         []*methodBlock
	onReconnect    func()
	retryMigrate   func()

	subscriptions map[string]*subscription

	stores                  map[string]proto.Store
	serverDocs              map[docKey]*serverDoc
	documentsWrittenByStub  map[string][]docKey
	updatesForUnknownStores map[string][]*proto.Message

	resetStores                     bool
	subsBeingRevived                map[string]struct{}
	methodsBlockingQuiescence       map[string]struct{}
	messagesBufferedUntilQuiescence []*proto.Message
	afterUpdateCallbacks            []func()

	bufferedWrites        map[string][]*proto.Message
	bufferedWritesFlushAt time.Time
	bufferedWritesTimer   *time.Timer

	heartbeat *heartbeat

	// outbox holds user code queued during the current turn. It runs in
	// order once mu is released.
	outbox []func()
}

// NewConnection wires a connection to transport and starts it.
func NewConnection(transport proto.Transport, opts Options) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		opts:                      opts,
		log:                       opts.Logger,
		codec:                     opts.Codec,
		transport:                 transport,
		stubs:                     make(map[string]StubFunc),
		userIDDep:                 reactive.NewDependency(),
		methodInvokers:            make(map[string]*methodInvoker),
		subscriptions:             make(map[string]*subscription),
		stores:                    make(map[string]proto.Store),
		serverDocs:                make(map[docKey]*serverDoc),
		documentsWrittenByStub:    make(map[string][]docKey),
		updatesForUnknownStores:   make(map[string][]*proto.Message),
		subsBeingRevived:          make(map[string]struct{}),
		methodsBlockingQuiescence: make(map[string]struct{}),
		bufferedWrites:            make(map[string][]*proto.Message),
		nextMethodID:              1,
	}
	if opts.Manager != nil {
		opts.Manager.Register(c)
	}
	transport.Start(c)
	return c
}

// Dial connects to the DDP server at url over a reconnecting websocket.
func Dial(url string, opts Options, streamOpts stream.Options) (*Connection, error) {
	wsURL, err := stream.ToWebsocketURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	if streamOpts.Logger == nil && opts.Logger != nil {
		streamOpts.Logger = opts.Logger
	}
	return NewConnection(stream.New(wsURL, streamOpts), opts), nil
}

// unlock releases mu and runs the queued user code.
func (c *Connection) unlock() {
	outbox := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, f := range outbox {
		f()
	}
}

// later queues f to run once the current turn releases mu. Callers hold mu.
func (c *Connection) later(f func()) {
	c.outbox = append(c.outbox, f)
}

func (c *Connection) send(msg *proto.Message) {
	raw, err := c.codec.Encode(msg)
	if err != nil {
		c.log.WithError(err).Errorf("Dropping outgoing %s message", msg.Kind)
		return
	}
	if err := c.transport.Send(raw); err != nil {
		c.log.WithError(err).Debugf("Transport did not accept %s message", msg.Kind)
	}
}

// HandleReset sends the connect handshake and replays outstanding methods
// and subscriptions. The transport calls it on every (re)connect.
func (c *Connection) HandleReset() {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return
	}

	msg := &proto.Message{Kind: proto.KindConnect}
	if c.lastSessionID != "" {
		msg.Session = c.lastSessionID
	}
	if c.versionSuggestion == "" {
		c.versionSuggestion = c.opts.SupportedVersions[0]
	}
	msg.Version = c.versionSuggestion
	msg.Support = c.opts.SupportedVersions
	c.send(msg)

	// Methods that were sent with noRetry may have run on the server; they
	// fail rather than being sent again.
	var failed []*methodInvoker
	if len(c.blocks) > 0 {
		first := c.blocks[0]
		kept := first.methods[:0]
		for _, m := range first.methods {
			if m.sentMessage && m.noRetry {
				failed = append(failed, m)
				continue
			}
			kept = append(kept, m)
		}
		first.methods = kept
		// The current block may only hold methods waiting for data
		// visibility now; those have no message to resend.
		if len(first.methods) == 0 {
			c.blocks = c.blocks[1:]
		}
	}

	for _, m := range c.methodInvokers {
		m.sentMessage = false
	}

	hook := c.onReconnect
	if hook == nil {
		c.sendOutstandingMethods()
	} else {
		old := c.blocks
		c.blocks = nil
		c.unlock()

		hook()

		c.mu.Lock()
		c.mergeReconnectBlocks(old)
	}

	// Subscriptions go after methods so that handlers re-run against live
	// subscriptions and the UI does not flicker.
	for _, sub := range c.subscriptionsInOrder() {
		c.send(&proto.Message{Kind: proto.KindSub, ID: sub.id, Name: sub.name, Params: sub.params})
	}

	for _, m := range failed {
		c.failNoRetry(m)
	}
	c.unlock()
}

// HandleDisconnect stops the heartbeat of the lost session.
func (c *Connection) HandleDisconnect() {
	c.mu.Lock()
	c.stopHeartbeat()
	c.unlock()
}

// HandleMessage processes one inbound frame. Malformed frames are dropped.
// The only errors returned are protocol violations.
func (c *Connection) HandleMessage(raw string) error {
	msg, err := c.codec.Decode(raw)
	if err != nil {
		c.log.WithError(err).Warn("Discarding message that is not valid DDP")
		return nil
	}

	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return nil
	}
	if c.heartbeat != nil {
		c.heartbeat.messageReceived()
	}

	switch msg.Kind {
	case proto.KindConnected:
		c.version = c.versionSuggestion
		c.livedataConnected(msg)
		if cb := c.opts.OnConnected; cb != nil {
			c.later(cb)
		}
	case proto.KindFailed:
		c.livedataFailed(msg)
	case proto.KindPing:
		if !c.opts.DisablePingResponses {
			c.send(&proto.Message{Kind: proto.KindPong, ID: msg.ID})
		}
	case proto.KindPong:
		// Any inbound frame already counts as liveness.
	case proto.KindNosub:
		return c.livedataNosub(msg)
	case proto.KindResult:
		return c.livedataResult(msg)
	case proto.KindError:
		entry := c.log.WithField("reason", msg.Reason)
		if msg.OffendingMessage != nil {
			entry = entry.WithField("offendingMessage", msg.OffendingMessage)
		}
		entry.Error("Received error from server")
	default:
		if msg.Kind.IsData() {
			return c.livedataData(msg)
		}
		c.log.WithField("msg", msg.Kind).Debug("Discarding unknown livedata message type")
	}
	return nil
}

func (c *Connection) livedataFailed(msg *proto.Message) {
	for _, v := range c.opts.SupportedVersions {
		if v == msg.Version {
			c.versionSuggestion = msg.Version
			c.later(func() {
				c.transport.Reconnect(proto.ReconnectOptions{Force: true})
			})
			return
		}
	}
	reason := "DDP version negotiation failed; server requested version " + msg.Version
	c.log.Error(reason)
	c.later(func() {
		c.transport.Disconnect(proto.DisconnectOptions{Permanent: true, Reason: reason})
	})
	if cb := c.opts.OnVersionNegotiationFailure; cb != nil {
		c.later(func() { cb(reason) })
	}
}

// Version returns the negotiated DDP version, empty before the first
// connected message.
func (c *Connection) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// SessionID returns the id of the last server session.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSessionID
}

func (c *Connection) Status() proto.Status {
	return c.transport.Status()
}

func (c *Connection) Reconnect() {
	c.transport.Reconnect(proto.ReconnectOptions{})
}

func (c *Connection) Disconnect() {
	c.transport.Disconnect(proto.DisconnectOptions{})
}

// Close permanently disconnects. Pending calls complete with
// proto.ErrShutdown. If the transport is an io.Closer, Close waits for it,
// so it must not be called from a connection callback.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return proto.ErrShutdown
	}
	c.closed = true
	c.terminateMethods(proto.ErrShutdown)
	c.stopHeartbeat()
	if c.bufferedWritesTimer != nil {
		c.bufferedWritesTimer.Stop()
		c.bufferedWritesTimer = nil
	}
	c.unlock()

	if c.opts.Manager != nil {
		c.opts.Manager.Unregister(c)
	}
	if closer, ok := c.transport.(io.Closer); ok {
		return closer.Close()
	}
	c.transport.Disconnect(proto.DisconnectOptions{Permanent: true})
	return nil
}

// SetOnReconnect installs a hook run on every reconnect before outstanding
// methods are resent. Methods it calls run ahead of them.
func (c *Connection) SetOnReconnect(f func()) {
	c.mu.Lock()
	c.onReconnect = f
	c.unlock()
}

// UserID returns the current user id, registering a dependency for the
// computation in ctx.
func (c *Connection) UserID(ctx context.Context) string {
	c.userIDDep.Depend(ctx)
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return c.userID
}

func (c *Connection) SetUserID(id string) {
	c.mu.Lock()
	c.setUserIDLocked(id)
	c.unlock()
}

func (c *Connection) setUserIDLocked(id string) {
	c.userMu.Lock()
	changed := c.userID != id
	c.userID = id
	c.userMu.Unlock()
	if changed {
		c.later(c.userIDDep.Changed)
	}
}

// ReadyToMigrate reports whether no method is awaiting its callback.
func (c *Connection) ReadyToMigrate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.methodInvokers) == 0
}

// Migrate reports whether a reload may proceed now. If not, retry runs
// once every outstanding method has completed.
func (c *Connection) Migrate(retry func()) (bool, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.opts.ReloadWithOutstanding || len(c.methodInvokers) == 0 {
		return true, nil
	}
	if c.retryMigrate != nil {
		return false, errors.New("two migrations in progress")
	}
	c.retryMigrate = retry
	return false, nil
}

func (c *Connection) maybeMigrate() {
	if c.retryMigrate != nil && len(c.methodInvokers) == 0 {
		c.later(c.retryMigrate)
		c.retryMigrate = nil
	}
}
