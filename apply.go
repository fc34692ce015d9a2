package ddp

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/patdz/ddp/helper"
	"github.com/patdz/ddp/proto"
	"github.com/pkg/errors"
)

// StubFunc simulates a method locally. ctx carries the Invocation; calls
// made from inside a stub must pass ctx so they are simulated too.
type StubFunc func(ctx context.Context, inv *Invocation, args []interface{}) (interface{}, error)

type ApplyOptions struct {
	// Wait holds back every later method until this one has completed.
	Wait bool
	// NoRetry fails the call instead of resending it after a reconnect.
	NoRetry bool
	// ReturnStubValue makes Apply return the stub's result.
	ReturnStubValue bool
	// ThrowStubExceptions makes Apply return the stub's error instead of
	// sending the call.
	ThrowStubExceptions bool
	// OnResultReceived runs as soon as the result arrives, before the
	// method's writes are visible.
	OnResultReceived Callback
}

// Invocation is the context of one simulated method run.
type Invocation struct {
	name         string
	isSimulation bool
	userID       string
	setUserID    func(string)
	seed         func() string
}

type invocationKey struct{}

// InvocationFromContext returns the method invocation ctx runs in, or nil.
func InvocationFromContext(ctx context.Context) *Invocation {
	if ctx == nil {
		return nil
	}
	inv, _ := ctx.Value(invocationKey{}).(*Invocation)
	return inv
}

func (i *Invocation) Name() string       { return i.name }
func (i *Invocation) IsSimulation() bool { return i.isSimulation }
func (i *Invocation) UserID() string     { return i.userID }

// SetUserID changes the connection's user id from inside a stub.
func (i *Invocation) SetUserID(id string) {
	i.userID = id
	i.setUserID(id)
}

// RandomSeed returns the seed shared with the server for this call. Using
// it makes the call carry the seed on the wire.
func (i *Invocation) RandomSeed() string {
	return i.seed()
}

// Methods registers stubs. Registering a name twice is an error.
func (c *Connection) Methods(stubs map[string]StubFunc) error {
	c.stubsMu.Lock()
	defer c.stubsMu.Unlock()
	for name := range stubs {
		if _, ok := c.stubs[name]; ok {
			return errors.Errorf("a method named '%s' is already defined", name)
		}
	}
	for name, f := range stubs {
		c.stubs[name] = f
	}
	return nil
}

func (c *Connection) stub(name string) StubFunc {
	c.stubsMu.RLock()
	defer c.stubsMu.RUnlock()
	return c.stubs[name]
}

// Call invokes the named method and waits for it to complete.
func (c *Connection) Call(ctx context.Context, name string, args ...interface{}) (json.RawMessage, error) {
	return c.ApplyWait(ctx, name, args, nil)
}

// ApplyWait is Apply that blocks until the callback would have run or ctx
// is done. It must not be called from a connection callback.
func (c *Connection) ApplyWait(ctx context.Context, name string, args []interface{}, opts *ApplyOptions) (json.RawMessage, error) {
	done := make(chan methodResult, 1)
	_, err := c.Apply(ctx, name, args, opts, func(result json.RawMessage, err error) {
		done <- methodResult{value: result, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Apply invokes the named method. It runs the registered stub, if any,
// then sends the call. callback runs once the server result has arrived
// and its writes are visible; with a nil callback failures are logged.
//
// Called with a ctx from inside a stub, Apply only simulates: the stub's
// outcome is the result and nothing is sent.
func (c *Connection) Apply(ctx context.Context, name string, args []interface{}, opts *ApplyOptions, callback Callback) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &ApplyOptions{}
	}
	// Sends may be deferred; later mutation of args by the caller must not
	// show up on the wire.
	args, err := helper.CloneArgs(args)
	if err != nil {
		return nil, err
	}

	if enclosing := InvocationFromContext(ctx); enclosing != nil && enclosing.isSimulation {
		return c.applyNested(ctx, enclosing, name, args, callback)
	}

	stub := c.stub(name)

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil, proto.ErrShutdown
	}

	var methodID string
	nextID := func() string {
		if methodID == "" {
			methodID = strconv.FormatUint(c.nextMethodID, 10)
			c.nextMethodID++
		}
		return methodID
	}
	var seed string
	seedFn := func() string {
		if seed == "" {
			seed = helper.NewRandomSeed()
		}
		return seed
	}

	var stubValue interface{}
	var stubErr error
	if stub != nil {
		c.userMu.Lock()
		userID := c.userID
		c.userMu.Unlock()
		inv := &Invocation{
			name:         name,
			isSimulation: true,
			userID:       userID,
			setUserID:    c.setUserIDLocked,
			seed:         seedFn,
		}
		c.saveOriginals()
		stubValue, stubErr = runStub(ctx, inv, stub, args)
		if err := c.retrieveAndStoreOriginals(nextID()); err != nil {
			c.unlock()
			return nil, err
		}
	}

	if stubErr != nil {
		if opts.ThrowStubExceptions {
			// The call is never sent, so nothing will confirm the stub's
			// writes.
			if methodID != "" {
				if err := c.discardStubWrites(methodID); err != nil {
					c.log.WithError(err).Error("Cannot discard stub writes")
				}
			}
			c.unlock()
			return nil, stubErr
		}
		c.log.WithError(stubErr).Warnf("Exception while simulating the effect of invoking '%s'", name)
	}

	if callback == nil {
		callback = func(_ json.RawMessage, err error) {
			if err != nil {
				c.log.WithError(err).Warnf("Error invoking method '%s'", name)
			}
		}
	}

	msg := &proto.Message{Kind: proto.KindMethod, Method: name, Params: args, ID: nextID()}
	if seed != "" {
		msg.RandomSeed = seed
	}
	m := newMethodInvoker(c, msg, opts, callback)

	if opts.Wait {
		c.blocks = append(c.blocks, &methodBlock{wait: true, methods: []*methodInvoker{m}})
	} else {
		if len(c.blocks) == 0 || c.blocks[len(c.blocks)-1].wait {
			c.blocks = append(c.blocks, &methodBlock{})
		}
		last := c.blocks[len(c.blocks)-1]
		last.methods = append(last.methods, m)
	}
	if len(c.blocks) == 1 {
		if err := m.sendMessage(); err != nil {
			c.log.WithError(err).Error("Cannot send method")
		}
	}
	c.unlock()

	if opts.ReturnStubValue {
		return stubValue, nil
	}
	return nil, nil
}

func (c *Connection) applyNested(ctx context.Context, enclosing *Invocation, name string, args []interface{}, callback Callback) (interface{}, error) {
	var value interface{}
	var err error
	if stub := c.stub(name); stub != nil {
		var seed string
		inv := &Invocation{
			name:         name,
			isSimulation: true,
			userID:       enclosing.userID,
			setUserID:    enclosing.setUserID,
			seed: func() string {
				if seed == "" {
					seed = helper.DeriveSeed(enclosing.RandomSeed(), name)
				}
				return seed
			},
		}
		value, err = runStub(ctx, inv, stub, args)
	}
	if callback == nil {
		return value, err
	}
	var raw json.RawMessage
	if err == nil && value != nil {
		raw, err = json.Marshal(value)
		err = errors.Wrap(err, "encode stub result")
	}
	callback(raw, err)
	return nil, nil
}

func runStub(ctx context.Context, inv *Invocation, stub StubFunc, args []interface{}) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("stub panicked: %v\n%s", r, debug.Stack())
		}
	}()
	stubArgs, err := helper.CloneArgs(args)
	if err != nil {
		return nil, err
	}
	return stub(context.WithValue(ctx, invocationKey{}, inv), inv, stubArgs)
}

// methodBlock is a run of methods that may be in flight together. A wait
// block holds exactly one method.
type methodBlock struct {
	wait    bool
	methods []*methodInvoker
}

func (b *methodBlock) String() string {
	ids := make([]string, 0, len(b.methods))
	for _, m := range b.methods {
		ids = append(ids, m.methodID)
	}
	return fmt.Sprintf("{wait: %v, methods: %v}", b.wait, ids)
}

// anyMethodsAreOutstanding reports whether a sent method has not yet run
// its callback.
func (c *Connection) anyMethodsAreOutstanding() bool {
	for _, m := range c.methodInvokers {
		if m.sentMessage {
			return true
		}
	}
	return false
}

// outstandingMethodFinished runs after a method callback fired. Once the
// current block has drained, the next block is sent.
func (c *Connection) outstandingMethodFinished() {
	if c.anyMethodsAreOutstanding() {
		return
	}
	// The first block should be empty now, or absent if the method
	// half-finished before a reconnect.
	if len(c.blocks) > 0 {
		first := c.blocks[0]
		c.blocks = c.blocks[1:]
		if len(first.methods) > 0 {
			c.log.Errorf("No methods outstanding but nonempty block: %s", first)
		}
		c.sendOutstandingMethods()
	}
	c.maybeMigrate()
}

func (c *Connection) sendOutstandingMethods() {
	if len(c.blocks) == 0 {
		return
	}
	for _, m := range c.blocks[0].methods {
		if err := m.sendMessage(); err != nil {
			c.log.WithError(err).Error("Cannot send method")
		}
	}
}

// mergeReconnectBlocks puts the methods resumed after a reconnect behind
// the ones the onReconnect hook issued.
func (c *Connection) mergeReconnectBlocks(old []*methodBlock) {
	if len(old) == 0 {
		return
	}
	if len(c.blocks) == 0 {
		c.blocks = old
		c.sendOutstandingMethods()
		return
	}
	last := c.blocks[len(c.blocks)-1]
	if !last.wait && !old[0].wait {
		for _, m := range old[0].methods {
			last.methods = append(last.methods, m)
			if len(c.blocks) == 1 {
				if err := m.sendMessage(); err != nil {
					c.log.WithError(err).Error("Cannot send method")
				}
			}
		}
		old = old[1:]
	}
	c.blocks = append(c.blocks, old...)
}

func (c *Connection) failNoRetry(m *methodInvoker) {
	err := proto.NewError(proto.ErrorCodeInvocationFailed,
		"Method invocation might have failed due to dropped connection. "+
			"Failing because `noRetry` option was passed to Apply.")
	if rerr := m.receiveResult(nil, err); rerr != nil {
		c.log.WithError(rerr).Error("Cannot fail method")
		return
	}
	// No data from this call will ever arrive.
	m.markDataVisible()
}

// terminateMethods completes every pending call with err, oldest first.
func (c *Connection) terminateMethods(err error) {
	pending := make([]*methodInvoker, 0, len(c.methodInvokers))
	for _, m := range c.methodInvokers {
		pending = append(pending, m)
	}
	sort.Slice(pending, func(i, j int) bool {
		a, _ := strconv.ParseUint(pending[i].methodID, 10, 64)
		b, _ := strconv.ParseUint(pending[j].methodID, 10, 64)
		return a < b
	})
	for _, m := range pending {
		cb := m.callback
		c.later(func() { cb(nil, err) })
	}
	c.methodInvokers = make(map[string]*methodInvoker)
	c.blocks = nil
	c.methodsBlockingQuiescence = make(map[string]struct{})
	c.retryMigrate = nil
}
