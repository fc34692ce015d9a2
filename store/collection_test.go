package store

import (
	"testing"

	"github.com/patdz/ddp/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFollowsServerMessages(t *testing.T) {
	c := NewCollection("items")
	c.BeginUpdate(3, false)
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindAdded, ID: "a", Fields: proto.Document{"name": "apple", "n": 1}}))
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindChanged, ID: "a", Fields: proto.Document{"n": 2}, Cleared: []string{"name"}}))
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindAdded, ID: "b"}))
	c.EndUpdate()

	assert.Equal(t, proto.Document{"_id": "a", "n": 2}, c.FindOne("a"))
	assert.Equal(t, 2, c.Count())

	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindRemoved, ID: "b"}))
	assert.Nil(t, c.FindOne("b"))
}

func TestUpdateRejectsInconsistentMessages(t *testing.T) {
	c := NewCollection("items")
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindAdded, ID: "a"}))

	assert.Error(t, c.Update(&proto.Message{Kind: proto.KindAdded, ID: "a"}))
	assert.Error(t, c.Update(&proto.Message{Kind: proto.KindChanged, ID: "missing"}))
	assert.Error(t, c.Update(&proto.Message{Kind: proto.KindRemoved, ID: "missing"}))
	assert.Error(t, c.Update(&proto.Message{Kind: proto.KindPing, ID: "a"}))
}

func TestReplace(t *testing.T) {
	c := NewCollection("items")
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindReplace, ID: "a", Replace: proto.Document{"v": 1}}))
	assert.Equal(t, proto.Document{"_id": "a", "v": 1}, c.FindOne("a"))

	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindReplace, ID: "a", Replace: proto.Document{"w": 2}}))
	assert.Equal(t, proto.Document{"_id": "a", "w": 2}, c.FindOne("a"))

	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindReplace, ID: "a"}))
	assert.Zero(t, c.Count())

	// Replacing a missing document with nothing is fine.
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindReplace, ID: "a"}))
}

func TestResetClears(t *testing.T) {
	c := NewCollection("items")
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindAdded, ID: "a"}))

	var applied []int
	c.OnEndUpdate = func(n int) { applied = append(applied, n) }
	c.BeginUpdate(0, true)
	c.EndUpdate()
	assert.Zero(t, c.Count())
	assert.Equal(t, []int{0}, applied)
}

func TestOriginalsRecordFirstVersion(t *testing.T) {
	c := NewCollection("items")
	require.NoError(t, c.Update(&proto.Message{Kind: proto.KindAdded, ID: "a", Fields: proto.Document{"n": 1}}))

	// Writes outside a recording are not tracked.
	require.NoError(t, c.Modify("a", proto.Document{"n": 2}))

	c.SaveOriginals()
	require.NoError(t, c.Modify("a", proto.Document{"n": 3}))
	require.NoError(t, c.Modify("a", proto.Document{"n": 4}))
	_, err := c.Insert(proto.Document{"_id": "b"})
	require.NoError(t, err)
	originals := c.RetrieveOriginals()

	assert.Equal(t, map[string]proto.Document{
		"a": {"_id": "a", "n": 2},
		"b": nil,
	}, originals)
	assert.Nil(t, c.RetrieveOriginals())
}

func TestLocalWrites(t *testing.T) {
	c := NewCollection("items")

	_, err := c.Insert(proto.Document{"name": "no id"})
	assert.Error(t, err)

	id, err := c.Insert(proto.Document{"_id": "x", "name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", id)
	_, err = c.Insert(proto.Document{"_id": "x"})
	assert.Error(t, err)

	require.NoError(t, c.Modify("x", proto.Document{"n": 1}, "name"))
	assert.Equal(t, proto.Document{"_id": "x", "n": 1}, c.FindOne("x"))
	assert.Error(t, c.Modify("y", proto.Document{"n": 1}))

	assert.True(t, c.Remove("x"))
	assert.False(t, c.Remove("x"))
}

func TestReadsReturnCopies(t *testing.T) {
	c := NewCollection("items")
	_, err := c.Insert(proto.Document{"_id": "b"})
	require.NoError(t, err)
	_, err = c.Insert(proto.Document{"_id": "a", "n": 1})
	require.NoError(t, err)

	doc := c.FindOne("a")
	doc["n"] = 99
	assert.Equal(t, 1, c.FindOne("a")["n"])

	all := c.Find()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0]["_id"])
	assert.Equal(t, "b", all[1]["_id"])
}
