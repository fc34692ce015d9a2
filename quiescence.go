package ddp

import (
	"time"

	"github.com/patdz/ddp/proto"
)

// waitingForQuiescence reports whether inbound data must be buffered: a
// reconnect is still reviving subscriptions, or a wait method or resent
// method has not completed.
func (c *Connection) waitingForQuiescence() bool {
	return len(c.subsBeingRevived) > 0 || len(c.methodsBlockingQuiescence) > 0
}

func (c *Connection) livedataConnected(msg *proto.Message) {
	if c.version != "pre1" && c.opts.HeartbeatInterval > 0 {
		c.startHeartbeat()
	}

	// A reconnect: the server has a fresh session and will send every
	// document again.
	if c.lastSessionID != "" {
		c.resetStores = true
	}

	reconnectedToPreviousSession := false
	if msg.Session != "" {
		reconnectedToPreviousSession = c.lastSessionID == msg.Session
		c.lastSessionID = msg.Session
	}
	if reconnectedToPreviousSession {
		// The server kept our session and its documents; the local cache
		// stays as it is.
		c.resetStores = false
		return
	}

	// Updates for unknown collections will be resent if still relevant.
	c.updatesForUnknownStores = make(map[string][]*proto.Message)

	if c.resetStores {
		// Stub effects are forgotten; every store is about to be reset.
		c.documentsWrittenByStub = make(map[string][]docKey)
		c.serverDocs = make(map[docKey]*serverDoc)
	}

	c.afterUpdateCallbacks = nil

	// Ready subscriptions must be revived before their data is shown again.
	c.subsBeingRevived = make(map[string]struct{})
	for id, sub := range c.subscriptions {
		if sub.ready {
			c.subsBeingRevived[id] = struct{}{}
		}
	}

	// Methods sent before this session do not block quiescence; the ones
	// sent on it do, so that e.g. a login from onReconnect completes before
	// the reset data shows.
	c.methodsBlockingQuiescence = make(map[string]struct{})
	if c.resetStores {
		for _, m := range c.methodInvokers {
			if m.gotResult() {
				// Got its result before the disconnect but its data never
				// became visible; a full quiesce is as close as it gets.
				c.afterUpdateCallbacks = append(c.afterUpdateCallbacks, m.markDataVisible)
			} else if m.sentMessage {
				c.methodsBlockingQuiescence[m.methodID] = struct{}{}
			}
		}
	}

	c.messagesBufferedUntilQuiescence = nil

	if !c.waitingForQuiescence() {
		if c.resetStores {
			for _, s := range c.stores {
				s.BeginUpdate(0, true)
				s.EndUpdate()
			}
			c.resetStores = false
		}
		c.runAfterUpdateCallbacks()
	}
}

// livedataData routes one data message through the quiescence buffer.
func (c *Connection) livedataData(msg *proto.Message) error {
	if c.waitingForQuiescence() {
		c.messagesBufferedUntilQuiescence = append(c.messagesBufferedUntilQuiescence, msg)

		if msg.Kind == proto.KindNosub {
			delete(c.subsBeingRevived, msg.ID)
		}
		for _, id := range msg.Subs {
			delete(c.subsBeingRevived, id)
		}
		for _, id := range msg.Methods {
			delete(c.methodsBlockingQuiescence, id)
		}
		if c.waitingForQuiescence() {
			return nil
		}

		// Nothing blocks any more: replay the buffer into one batch.
		buffered := c.messagesBufferedUntilQuiescence
		c.messagesBufferedUntilQuiescence = nil
		for _, m := range buffered {
			if err := c.processOneDataMessage(m, c.bufferedWrites); err != nil {
				return err
			}
		}
	} else {
		if err := c.processOneDataMessage(msg, c.bufferedWrites); err != nil {
			return err
		}
	}

	standardWrite := msg.Kind == proto.KindAdded || msg.Kind == proto.KindChanged || msg.Kind == proto.KindRemoved
	if c.opts.BufferedWritesInterval < 0 || !standardWrite {
		return c.flushBufferedWrites()
	}

	now := time.Now()
	if c.bufferedWritesFlushAt.IsZero() {
		c.bufferedWritesFlushAt = now.Add(c.opts.BufferedWritesMaxAge)
	} else if !now.Before(c.bufferedWritesFlushAt) {
		return c.flushBufferedWrites()
	}
	if c.bufferedWritesTimer != nil {
		c.bufferedWritesTimer.Stop()
	}
	c.bufferedWritesTimer = time.AfterFunc(c.opts.BufferedWritesInterval, c.bufferedWritesTimerFired)
	return nil
}

func (c *Connection) bufferedWritesTimerFired() {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	if err := c.flushBufferedWrites(); err != nil {
		c.log.WithError(err).Error("Cannot apply buffered writes")
		c.later(func() { c.transport.LostConnection(err) })
	}
}

func (c *Connection) processOneDataMessage(msg *proto.Message, updates map[string][]*proto.Message) error {
	switch msg.Kind {
	case proto.KindAdded:
		return c.processAdded(msg, updates)
	case proto.KindChanged:
		return c.processChanged(msg, updates)
	case proto.KindRemoved:
		return c.processRemoved(msg, updates)
	case proto.KindReady:
		c.processReady(msg)
	case proto.KindUpdated:
		return c.processUpdated(msg, updates)
	case proto.KindNosub:
		// Only buffered so that it can end a reconnect quiescence; its
		// effect is immediate.
	}
	return nil
}

func (c *Connection) flushBufferedWrites() error {
	if c.bufferedWritesTimer != nil {
		c.bufferedWritesTimer.Stop()
		c.bufferedWritesTimer = nil
	}
	c.bufferedWritesFlushAt = time.Time{}
	writes := c.bufferedWrites
	c.bufferedWrites = make(map[string][]*proto.Message)
	return c.performWrites(writes)
}

// performWrites applies one batch to every store inside a single
// BeginUpdate/EndUpdate pair, then runs the after-update callbacks.
func (c *Connection) performWrites(updates map[string][]*proto.Message) error {
	var firstErr error
	if c.resetStores || len(updates) > 0 {
		for name, s := range c.stores {
			s.BeginUpdate(len(updates[name]), c.resetStores)
		}
		c.resetStores = false

		for name, msgs := range updates {
			s, ok := c.stores[name]
			if !ok {
				c.queueUnknownStoreUpdates(name, msgs)
				continue
			}
			for _, m := range msgs {
				if err := s.Update(m); err != nil && firstErr == nil {
					firstErr = proto.NewProtocolError("%s", err.Error())
				}
			}
		}

		for _, s := range c.stores {
			s.EndUpdate()
		}
	}
	c.runAfterUpdateCallbacks()
	return firstErr
}

// queueUnknownStoreUpdates keeps updates for a collection nobody registered
// yet. Without MaxUnknownStoreUpdates this grows without bound.
func (c *Connection) queueUnknownStoreUpdates(name string, msgs []*proto.Message) {
	queued := append(c.updatesForUnknownStores[name], msgs...)
	if max := c.opts.MaxUnknownStoreUpdates; max > 0 && len(queued) > max {
		c.log.WithField("collection", name).Warnf("Dropping %d updates for unregistered collection", len(queued)-max)
		queued = append([]*proto.Message(nil), queued[len(queued)-max:]...)
	}
	c.updatesForUnknownStores[name] = queued
}

func (c *Connection) runAfterUpdateCallbacks() {
	callbacks := c.afterUpdateCallbacks
	c.afterUpdateCallbacks = nil
	for _, f := range callbacks {
		f()
	}
}

// runWhenAllServerDocsAreFlushed runs f after the batch in which every
// server document currently shadowed by a sent method has been written to
// its store. f is dropped if the connection is lost before then.
func (c *Connection) runWhenAllServerDocsAreFlushed(f func()) {
	runAfterUpdates := func() {
		c.afterUpdateCallbacks = append(c.afterUpdateCallbacks, f)
	}
	unflushed := 0
	onServerDocFlush := func() {
		unflushed--
		if unflushed == 0 {
			runAfterUpdates()
		}
	}
	for _, doc := range c.serverDocs {
		writtenBySentMethod := false
		for id := range doc.writtenByStubs {
			if m, ok := c.methodInvokers[id]; ok && m.sentMessage {
				writtenBySentMethod = true
				break
			}
		}
		if writtenBySentMethod {
			unflushed++
			doc.flushCallbacks = append(doc.flushCallbacks, onServerDocFlush)
		}
	}
	if unflushed == 0 {
		runAfterUpdates()
	}
}

func (c *Connection) livedataNosub(msg *proto.Message) error {
	// Pass it through the data path only to make progress towards
	// quiescence.
	if err := c.livedataData(msg); err != nil {
		return err
	}

	sub, ok := c.subscriptions[msg.ID]
	if !ok {
		// Never subscribed, or we sent the unsub ourselves.
		return nil
	}
	c.removeSubscription(sub)

	var err error
	if msg.Error != nil {
		err = msg.Error
	}
	if cb := sub.errorCallback; cb != nil && err != nil {
		c.later(func() { cb(err) })
	}
	if cb := sub.stopCallback; cb != nil {
		c.later(func() { cb(err) })
	}
	return nil
}

func (c *Connection) livedataResult(msg *proto.Message) error {
	// Results never overtake the writes that preceded them.
	if len(c.bufferedWrites) > 0 {
		if err := c.flushBufferedWrites(); err != nil {
			return err
		}
	}

	if len(c.blocks) == 0 {
		c.log.WithField("id", msg.ID).Warn("Received method result but no methods outstanding")
		return nil
	}
	current := c.blocks[0]
	idx := -1
	for i, m := range current.methods {
		if m.methodID == msg.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.log.WithField("id", msg.ID).Warn("Can't match method response to original method call")
		return nil
	}
	m := current.methods[idx]
	// The block may be left empty; the next one is sent only after the
	// callback ran, in outstandingMethodFinished.
	current.methods = append(current.methods[:idx], current.methods[idx+1:]...)

	var err error
	if msg.Error != nil {
		err = msg.Error
	}
	if rerr := m.receiveResult(msg.Result, err); rerr != nil {
		c.log.WithError(rerr).Warn("Dropping duplicate method result")
	}
	return nil
}
