package ddp

import (
	"github.com/patdz/ddp/helper"
	"github.com/patdz/ddp/proto"
	"github.com/patdz/ddp/store"
)

type docKey struct {
	collection string
	id         string
}

// serverDoc is the server's version of a document that an outstanding
// stub has written locally. It exists exactly while writtenByStubs is not
// empty.
type serverDoc struct {
	// document is nil when the document does not exist on the server.
	document       proto.Document
	writtenByStubs map[string]struct{}
	flushCallbacks []func()
}

// RegisterStore attaches the local store for a collection and applies the
// updates queued for it. It returns false if a store is already registered.
func (c *Connection) RegisterStore(name string, s proto.Store) bool {
	c.mu.Lock()
	defer c.unlock()
	if _, ok := c.stores[name]; ok {
		return false
	}
	c.stores[name] = s

	if queued, ok := c.updatesForUnknownStores[name]; ok {
		delete(c.updatesForUnknownStores, name)
		s.BeginUpdate(len(queued), false)
		for _, m := range queued {
			if err := s.Update(m); err != nil {
				c.log.WithError(err).WithField("collection", name).Error("Cannot apply queued update")
			}
		}
		s.EndUpdate()
	}
	return true
}

func pushUpdate(updates map[string][]*proto.Message, collection string, msg *proto.Message) {
	updates[collection] = append(updates[collection], msg)
}

func (c *Connection) saveOriginals() {
	if !c.waitingForQuiescence() {
		if err := c.flushBufferedWrites(); err != nil {
			c.log.WithError(err).Error("Cannot apply buffered writes")
		}
	}
	for _, s := range c.stores {
		s.SaveOriginals()
	}
}

// retrieveAndStoreOriginals records every document the stub of methodID
// wrote, keeping the pre-stub version as the server's version.
func (c *Connection) retrieveAndStoreOriginals(methodID string) error {
	if _, ok := c.documentsWrittenByStub[methodID]; ok {
		return proto.NewProtocolError("duplicate method id %s in retrieveAndStoreOriginals", methodID)
	}
	var written []docKey
	for collection, s := range c.stores {
		originals := s.RetrieveOriginals()
		for id, doc := range originals {
			key := docKey{collection: collection, id: id}
			written = append(written, key)
			sd, ok := c.serverDocs[key]
			if !ok {
				sd = &serverDoc{document: doc, writtenByStubs: make(map[string]struct{})}
				c.serverDocs[key] = sd
			}
			sd.writtenByStubs[methodID] = struct{}{}
		}
	}
	if len(written) > 0 {
		c.documentsWrittenByStub[methodID] = written
	}
	return nil
}

func (c *Connection) processAdded(msg *proto.Message, updates map[string][]*proto.Message) error {
	sd, ok := c.serverDocs[docKey{msg.Collection, msg.ID}]
	if !ok {
		pushUpdate(updates, msg.Collection, msg)
		return nil
	}

	// An outstanding stub wrote here.
	existing := sd.document != nil
	doc := helper.CloneDocument(msg.Fields)
	if doc == nil {
		doc = proto.Document{}
	}
	doc["_id"] = msg.ID
	sd.document = doc

	if c.resetStores {
		// A reconnect re-adds every id. The store is about to be reset, so
		// push the current local version to keep stub values visible.
		if s, ok := c.stores[msg.Collection]; ok {
			if current := s.GetDoc(msg.ID); current != nil {
				msg.Fields = current
			}
		}
		pushUpdate(updates, msg.Collection, msg)
	} else if existing {
		return proto.NewProtocolError("server sent add for existing id: %s", msg.ID)
	}
	return nil
}

func (c *Connection) processChanged(msg *proto.Message, updates map[string][]*proto.Message) error {
	sd, ok := c.serverDocs[docKey{msg.Collection, msg.ID}]
	if !ok {
		pushUpdate(updates, msg.Collection, msg)
		return nil
	}
	if sd.document == nil {
		return proto.NewProtocolError("server sent changed for nonexisting id: %s", msg.ID)
	}
	store.ApplyChanges(sd.document, helper.CloneDocument(msg.Fields), msg.Cleared)
	return nil
}

func (c *Connection) processRemoved(msg *proto.Message, updates map[string][]*proto.Message) error {
	sd, ok := c.serverDocs[docKey{msg.Collection, msg.ID}]
	if !ok {
		pushUpdate(updates, msg.Collection, &proto.Message{
			Kind:       proto.KindRemoved,
			Collection: msg.Collection,
			ID:         msg.ID,
		})
		return nil
	}
	if sd.document == nil {
		return proto.NewProtocolError("server sent removed for nonexisting id: %s", msg.ID)
	}
	sd.document = nil
	return nil
}

// processUpdated handles "method done" notifications.
func (c *Connection) processUpdated(msg *proto.Message, updates map[string][]*proto.Message) error {
	for _, methodID := range msg.Methods {
		if err := c.releaseStubWrites(methodID, updates); err != nil {
			return err
		}

		// The data-written callback waits until every buffered message has
		// been flushed.
		m, ok := c.methodInvokers[methodID]
		if !ok {
			return proto.NewProtocolError("no callback invoker for method %s", methodID)
		}
		c.runWhenAllServerDocsAreFlushed(m.markDataVisible)
	}
	return nil
}

// releaseStubWrites drops methodID from every document its stub wrote.
// Documents no outstanding stub wrote any more get their server version
// written to the store.
func (c *Connection) releaseStubWrites(methodID string, updates map[string][]*proto.Message) error {
	for _, key := range c.documentsWrittenByStub[methodID] {
		sd, ok := c.serverDocs[key]
		if !ok {
			return proto.NewProtocolError("lost serverDoc for %s/%s", key.collection, key.id)
		}
		if _, ok := sd.writtenByStubs[methodID]; !ok {
			return proto.NewProtocolError("doc %s/%s not written by method %s", key.collection, key.id, methodID)
		}
		delete(sd.writtenByStubs, methodID)
		if len(sd.writtenByStubs) > 0 {
			continue
		}
		// Revert the stub if the server did not write here, or apply the
		// server's writes if it did.
		pushUpdate(updates, key.collection, &proto.Message{
			Kind:       proto.KindReplace,
			Collection: key.collection,
			ID:         key.id,
			Replace:    sd.document,
		})
		for _, f := range sd.flushCallbacks {
			f()
		}
		delete(c.serverDocs, key)
	}
	delete(c.documentsWrittenByStub, methodID)
	return nil
}

// discardStubWrites reverts the local writes of a stub whose call is never
// sent.
func (c *Connection) discardStubWrites(methodID string) error {
	updates := make(map[string][]*proto.Message)
	if err := c.releaseStubWrites(methodID, updates); err != nil {
		return err
	}
	return c.performWrites(updates)
}

// processReady marks subscriptions ready once the documents currently
// shadowed by stubs are in the stores.
func (c *Connection) processReady(msg *proto.Message) {
	for _, id := range msg.Subs {
		id := id
		c.runWhenAllServerDocsAreFlushed(func() {
			sub, ok := c.subscriptions[id]
			if !ok || sub.ready {
				return
			}
			sub.ready = true
			if cb := sub.readyCallback; cb != nil {
				c.later(cb)
			}
			c.later(sub.readyDep.Changed)
		})
	}
}
