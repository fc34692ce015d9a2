package codec

import (
	"github.com/goccy/go-json"
	"github.com/patdz/ddp/proto"
	"github.com/pkg/errors"
)

type jsonCodec struct {
	observer *proto.DebugObserver
}

// methodFrame is the wire shape of a method call. Servers reject a call
// without params, so they are sent even when empty.
type methodFrame struct {
	Kind       proto.Kind    `json:"msg"`
	ID         string        `json:"id"`
	Method     string        `json:"method"`
	Params     []interface{} `json:"params"`
	RandomSeed string        `json:"randomSeed,omitempty"`
}

// NewJSONCodec returns a proto.Codec for DDP over JSON text frames. The
// observer, if any, sees every frame.
func NewJSONCodec(observer *proto.DebugObserver) proto.Codec {
	return &jsonCodec{observer: observer}
}

func (c *jsonCodec) Encode(msg *proto.Message) (string, error) {
	if msg == nil || msg.Kind == "" {
		return "", errors.New("message without msg field")
	}
	if msg.Kind == proto.KindReplace {
		return "", errors.New("replace messages are local only")
	}
	var v interface{} = msg
	if msg.Kind == proto.KindMethod {
		params := msg.Params
		if params == nil {
			params = []interface{}{}
		}
		v = &methodFrame{Kind: msg.Kind, ID: msg.ID, Method: msg.Method, Params: params, RandomSeed: msg.RandomSeed}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "encode %s message", msg.Kind)
	}
	raw := string(data)
	if c.observer != nil && c.observer.Outgoing != nil {
		c.observer.Outgoing(raw)
	}
	return raw, nil
}

func (c *jsonCodec) Decode(raw string) (*proto.Message, error) {
	if c.observer != nil && c.observer.Incoming != nil {
		c.observer.Incoming(raw)
	}
	msg := &proto.Message{}
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		return nil, errors.Wrap(err, "invalid ddp frame")
	}
	if msg.Kind == "" {
		return nil, errors.New("invalid ddp frame: missing msg field")
	}
	if msg.Kind == proto.KindReplace {
		return nil, errors.New("invalid ddp frame: replace is not a wire message")
	}
	return msg, nil
}
