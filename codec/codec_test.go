package codec

import (
	"testing"

	"github.com/patdz/ddp/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMethod(t *testing.T) {
	c := NewJSONCodec(nil)
	raw, err := c.Encode(&proto.Message{
		Kind:       proto.KindMethod,
		ID:         "1",
		Method:     "add",
		Params:     []interface{}{1, "two"},
		RandomSeed: "seed",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"method","id":"1","method":"add","params":[1,"two"],"randomSeed":"seed"}`, raw)
}

func TestEncodeMethodWithoutArgs(t *testing.T) {
	c := NewJSONCodec(nil)
	raw, err := c.Encode(&proto.Message{Kind: proto.KindMethod, ID: "1", Method: "noop"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"method","id":"1","method":"noop","params":[]}`, raw)

	raw, err = c.Encode(&proto.Message{Kind: proto.KindSub, ID: "s", Name: "items"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"sub","id":"s","name":"items"}`, raw)
}

func TestEncodeConnect(t *testing.T) {
	c := NewJSONCodec(nil)
	raw, err := c.Encode(&proto.Message{Kind: proto.KindConnect, Version: "1", Support: []string{"1", "pre2", "pre1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"connect","version":"1","support":["1","pre2","pre1"]}`, raw)
}

func TestEncodeRejectsLocalMessages(t *testing.T) {
	c := NewJSONCodec(nil)
	_, err := c.Encode(&proto.Message{Kind: proto.KindReplace, ID: "x"})
	assert.Error(t, err)
	_, err = c.Encode(&proto.Message{})
	assert.Error(t, err)
	_, err = c.Encode(nil)
	assert.Error(t, err)
}

func TestDecodeData(t *testing.T) {
	c := NewJSONCodec(nil)
	msg, err := c.Decode(`{"msg":"changed","collection":"items","id":"a","fields":{"n":2},"cleared":["name"]}`)
	require.NoError(t, err)
	assert.Equal(t, proto.KindChanged, msg.Kind)
	assert.Equal(t, "items", msg.Collection)
	assert.Equal(t, "a", msg.ID)
	assert.Equal(t, proto.Document{"n": float64(2)}, msg.Fields)
	assert.Equal(t, []string{"name"}, msg.Cleared)
}

func TestDecodeResult(t *testing.T) {
	c := NewJSONCodec(nil)
	msg, err := c.Decode(`{"msg":"result","id":"7","result":{"ok":true}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(msg.Result))
	assert.Nil(t, msg.Error)

	msg, err = c.Decode(`{"msg":"result","id":"7","error":{"error":500,"reason":"Internal server error","errorType":"Meteor.Error"}}`)
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, proto.ErrorCode("500"), msg.Error.Code)
	assert.Equal(t, "Internal server error [500]", msg.Error.Error())
}

func TestDecodeRejectsNonDDP(t *testing.T) {
	c := NewJSONCodec(nil)
	for _, raw := range []string{
		"",
		"hello",
		`["msg","ping"]`,
		`{"id":"1"}`,
		`{"msg":"replace","id":"1"}`,
	} {
		_, err := c.Decode(raw)
		assert.Error(t, err, raw)
	}
}

func TestObserverSeesFrames(t *testing.T) {
	var out, in []string
	c := NewJSONCodec(&proto.DebugObserver{
		Outgoing: func(s string) { out = append(out, s) },
		Incoming: func(s string) { in = append(in, s) },
	})
	_, err := c.Encode(&proto.Message{Kind: proto.KindPing})
	require.NoError(t, err)
	_, err = c.Decode(`{"msg":"pong"}`)
	require.NoError(t, err)

	assert.Equal(t, []string{`{"msg":"ping"}`}, out)
	assert.Equal(t, []string{`{"msg":"pong"}`}, in)
}
