// Package store is an in-memory document cache for one DDP collection.
package store

import (
	"sort"
	"sync"

	"github.com/patdz/ddp/helper"
	"github.com/patdz/ddp/proto"
	"github.com/pkg/errors"
)

// Collection implements proto.Store. Stubs write to it with Insert, Modify
// and Remove; the connection writes to it with Update.
type Collection struct {
	name string

	mu        sync.RWMutex
	docs      map[string]proto.Document
	originals map[string]proto.Document
	// OnEndUpdate, if set, runs after every batch with the number of
	// updates it applied.
	OnEndUpdate func(applied int)
	applied     int
}

func NewCollection(name string) *Collection {
	return &Collection{name: name, docs: make(map[string]proto.Document)}
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) BeginUpdate(batchSize int, reset bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = 0
	if reset {
		c.docs = make(map[string]proto.Document)
	}
}

func (c *Collection) Update(msg *proto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied++
	doc := c.docs[msg.ID]

	switch msg.Kind {
	case proto.KindReplace:
		if msg.Replace == nil {
			delete(c.docs, msg.ID)
			return nil
		}
		c.docs[msg.ID] = withID(helper.CloneDocument(msg.Replace), msg.ID)
	case proto.KindAdded:
		if doc != nil {
			return errors.Errorf("%s: expected not to find a document already present for an add: %s", c.name, msg.ID)
		}
		c.docs[msg.ID] = withID(helper.CloneDocument(msg.Fields), msg.ID)
	case proto.KindRemoved:
		if doc == nil {
			return errors.Errorf("%s: expected to find a document already present for removed: %s", c.name, msg.ID)
		}
		delete(c.docs, msg.ID)
	case proto.KindChanged:
		if doc == nil {
			return errors.Errorf("%s: expected to find a document to change: %s", c.name, msg.ID)
		}
		ApplyChanges(doc, helper.CloneDocument(msg.Fields), msg.Cleared)
	default:
		return errors.Errorf("%s: cannot apply %s message", c.name, msg.Kind)
	}
	return nil
}

func (c *Collection) EndUpdate() {
	c.mu.Lock()
	applied := c.applied
	hook := c.OnEndUpdate
	c.mu.Unlock()
	if hook != nil {
		hook(applied)
	}
}

func (c *Collection) SaveOriginals() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.originals = make(map[string]proto.Document)
}

func (c *Collection) RetrieveOriginals() map[string]proto.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	originals := c.originals
	c.originals = nil
	return originals
}

func (c *Collection) GetDoc(id string) proto.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return helper.CloneDocument(c.docs[id])
}

// FindOne returns a copy of the document with the given id, or nil.
func (c *Collection) FindOne(id string) proto.Document {
	return c.GetDoc(id)
}

// Find returns copies of every document ordered by id.
func (c *Collection) Find() []proto.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]proto.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, helper.CloneDocument(c.docs[id]))
	}
	return out
}

func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Insert adds doc locally. doc must carry an "_id".
func (c *Collection) Insert(doc proto.Document) (string, error) {
	id, ok := helper.Interface2ID(doc["_id"])
	if !ok || id == "" {
		return "", errors.Errorf("%s: insert without _id", c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.docs[id]; exists {
		return "", errors.Errorf("%s: duplicate _id %s", c.name, id)
	}
	c.saveOriginal(id)
	c.docs[id] = withID(helper.CloneDocument(doc), id)
	return id, nil
}

// Modify sets the given fields and removes the unset ones.
func (c *Collection) Modify(id string, set proto.Document, unset ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok {
		return errors.Errorf("%s: no document %s", c.name, id)
	}
	c.saveOriginal(id)
	ApplyChanges(doc, helper.CloneDocument(set), unset)
	return nil
}

// Remove deletes the document, reporting whether it existed.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return false
	}
	c.saveOriginal(id)
	delete(c.docs, id)
	return true
}

// saveOriginal keeps the first pre-write version of id seen since
// SaveOriginals.
func (c *Collection) saveOriginal(id string) {
	if c.originals == nil {
		return
	}
	if _, seen := c.originals[id]; seen {
		return
	}
	c.originals[id] = helper.CloneDocument(c.docs[id])
}

// ApplyChanges applies a DDP field diff to doc in place.
func ApplyChanges(doc proto.Document, fields proto.Document, cleared []string) {
	for k, v := range fields {
		doc[k] = v
	}
	for _, k := range cleared {
		delete(doc, k)
	}
}

func withID(doc proto.Document, id string) proto.Document {
	if doc == nil {
		doc = proto.Document{}
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = id
	}
	return doc
}
