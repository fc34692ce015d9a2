package ddp

import (
	"github.com/goccy/go-json"
	"github.com/patdz/ddp/proto"
	"github.com/pkg/errors"
)

// Callback receives the outcome of a method call.
type Callback func(result json.RawMessage, err error)

type methodResult struct {
	value json.RawMessage
	err   error
}

// methodInvoker tracks one outstanding method call. Its callback runs once
// the result has arrived and the data written by the method is visible.
// All methods are called with the connection lock held.
type methodInvoker struct {
	conn     *Connection
	methodID string
	message  *proto.Message
	wait     bool
	noRetry  bool

	callback         Callback
	onResultReceived Callback

	// sentMessage is true once the message went out on the current
	// transport session.
	sentMessage bool
	result      *methodResult
	dataVisible bool
}

func newMethodInvoker(c *Connection, msg *proto.Message, opts *ApplyOptions, callback Callback) *methodInvoker {
	m := &methodInvoker{
		conn:             c,
		methodID:         msg.ID,
		message:          msg,
		wait:             opts.Wait,
		noRetry:          opts.NoRetry,
		callback:         callback,
		onResultReceived: opts.OnResultReceived,
	}
	c.methodInvokers[m.methodID] = m
	return m
}

func (m *methodInvoker) gotResult() bool {
	return m.result != nil
}

func (m *methodInvoker) sendMessage() error {
	if m.gotResult() {
		return errors.Errorf("sendMessage called on method %s with result", m.methodID)
	}
	m.dataVisible = false
	m.sentMessage = true
	if m.wait {
		m.conn.methodsBlockingQuiescence[m.methodID] = struct{}{}
	}
	m.conn.send(m.message)
	return nil
}

func (m *methodInvoker) receiveResult(value json.RawMessage, err error) error {
	if m.gotResult() {
		return errors.Errorf("method %s received a second result", m.methodID)
	}
	m.result = &methodResult{value: value, err: err}
	if cb := m.onResultReceived; cb != nil {
		m.conn.later(func() { cb(value, err) })
	}
	m.maybeInvokeCallback()
	return nil
}

func (m *methodInvoker) markDataVisible() {
	m.dataVisible = true
	m.maybeInvokeCallback()
}

func (m *methodInvoker) maybeInvokeCallback() {
	if m.result == nil || !m.dataVisible {
		return
	}
	if _, ok := m.conn.methodInvokers[m.methodID]; !ok {
		return
	}
	result, cb := m.result, m.callback
	m.conn.later(func() { cb(result.value, result.err) })
	delete(m.conn.methodInvokers, m.methodID)
	m.conn.outstandingMethodFinished()
}
