package ddp

import (
	"context"
	"sort"

	"github.com/patdz/ddp/helper"
	"github.com/patdz/ddp/proto"
	"github.com/patdz/ddp/reactive"
)

// SubscriptionCallbacks are optional hooks of a subscription.
type SubscriptionCallbacks struct {
	OnReady func()
	// OnError runs when the server ends the subscription with an error.
	OnError func(err error)
	// OnStop runs when the subscription ends, with the server's error if any.
	OnStop func(err error)
}

type subscription struct {
	id     string
	name   string
	params []interface{}
	// seq orders subscriptions by creation.
	seq    uint64

	// inactive marks a subscription whose computation was invalidated. A
	// rerun asking for the same name and params takes it over.
	inactive bool
	ready    bool
	readyDep *reactive.Dependency

	readyCallback func()
	errorCallback func(error)
	stopCallback  func(error)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	conn *Connection
	id   string
}

// ID returns the subscription id sent to the server.
func (s *Subscription) ID() string {
	return s.id
}

// Stop unsubscribes. Stopping twice is harmless.
func (s *Subscription) Stop() {
	c := s.conn
	c.mu.Lock()
	defer c.unlock()
	if sub, ok := c.subscriptions[s.id]; ok {
		c.stopSubscription(sub)
	}
}

// Ready reports whether the server has sent the initial data. The
// computation in ctx, if any, reruns when this changes.
func (s *Subscription) Ready(ctx context.Context) bool {
	c := s.conn
	c.mu.Lock()
	sub, ok := c.subscriptions[s.id]
	if !ok {
		c.unlock()
		return false
	}
	ready, dep := sub.ready, sub.readyDep
	c.unlock()
	dep.Depend(ctx)
	return ready
}

// Subscribe asks the server to publish name with params. Inside a reactive
// computation (see reactive.WithComputation) the subscription is stopped
// when the computation is invalidated, unless the rerun subscribes again
// with the same name and params, in which case the existing subscription
// is reused.
func (c *Connection) Subscribe(ctx context.Context, name string, params []interface{}, callbacks *SubscriptionCallbacks) (*Subscription, error) {
	if callbacks == nil {
		callbacks = &SubscriptionCallbacks{}
	}
	params, err := helper.CloneArgs(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil, proto.ErrShutdown
	}

	var existing *subscription
	for _, sub := range c.subscriptions {
		if sub.inactive && sub.name == name && helper.Equal(sub.params, params) {
			existing = sub
			break
		}
	}

	var id string
	if existing != nil {
		id = existing.id
		existing.inactive = false
		if cb := callbacks.OnReady; cb != nil {
			if existing.ready {
				c.later(cb)
			} else {
				existing.readyCallback = cb
			}
		}
		if callbacks.OnError != nil {
			existing.errorCallback = callbacks.OnError
		}
		if callbacks.OnStop != nil {
			existing.stopCallback = callbacks.OnStop
		}
	} else {
		id = helper.NewSubscriptionID()
		c.nextSubSeq++
		c.subscriptions[id] = &subscription{
			id:            id,
			name:          name,
			params:        params,
			seq:           c.nextSubSeq,
			readyDep:      reactive.NewDependency(),
			readyCallback: callbacks.OnReady,
			errorCallback: callbacks.OnError,
			stopCallback:  callbacks.OnStop,
		}
		c.send(&proto.Message{Kind: proto.KindSub, ID: id, Name: name, Params: params})
	}
	c.unlock()

	handle := &Subscription{conn: c, id: id}
	if comp := reactive.FromContext(ctx); comp != nil {
		comp.OnInvalidate(func(comp *reactive.Computation) {
			c.mu.Lock()
			if sub, ok := c.subscriptions[id]; ok {
				sub.inactive = true
			}
			c.unlock()
			comp.Tracker().AfterFlush(func() {
				c.mu.Lock()
				defer c.unlock()
				if sub, ok := c.subscriptions[id]; ok && sub.inactive {
					c.stopSubscription(sub)
				}
			})
		})
	}
	return handle, nil
}

func (c *Connection) stopSubscription(sub *subscription) {
	c.send(&proto.Message{Kind: proto.KindUnsub, ID: sub.id})
	c.removeSubscription(sub)
	if cb := sub.stopCallback; cb != nil {
		c.later(func() { cb(nil) })
	}
}

func (c *Connection) removeSubscription(sub *subscription) {
	delete(c.subscriptions, sub.id)
	if sub.ready {
		c.later(sub.readyDep.Changed)
	}
}

func (c *Connection) subscriptionsInOrder() []*subscription {
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

// AllSubscriptionsReady reports whether every subscription is ready.
func (c *Connection) AllSubscriptionsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscriptions {
		if !sub.ready {
			return false
		}
	}
	return true
}
