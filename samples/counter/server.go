package counter

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/patdz/ddp/codec"
	"github.com/patdz/ddp/proto"
	"github.com/sirupsen/logrus"
)

const (
	collectionName  = "counters"
	publicationName = "counters"
	incrementMethod = "increment"
)

// Server is a minimal DDP server. It publishes the "counters" collection
// and serves the "increment" method.
type Server struct {
	log      logrus.FieldLogger
	codec    proto.Codec
	upgrader websocket.Upgrader

	mu          sync.Mutex
	counters    map[string]float64
	sessions    map[*session]struct{}
	nextSession int
}

type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	// subs is protected by Server.mu
	subs map[string]struct{}
}

func NewServer(log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger().WithField("component", "counter")
	}
	return &Server{
		log:      log,
		codec:    codec.NewJSONCodec(nil),
		counters: make(map[string]float64),
		sessions: make(map[*session]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Upgrade failed")
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.nextSession++
	sess := &session{
		id:   fmt.Sprintf("session-%d", s.nextSession),
		conn: conn,
		subs: make(map[string]struct{}),
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).WithField("session", sess.id).Debug("Session closed")
			return
		}
		msg, err := s.codec.Decode(string(data))
		if err != nil {
			s.send(sess, &proto.Message{Kind: proto.KindError, Reason: "Bad request", OffendingMessage: string(data)})
			continue
		}
		s.handle(sess, msg)
	}
}

func (s *Server) handle(sess *session, msg *proto.Message) {
	switch msg.Kind {
	case proto.KindConnect:
		if msg.Version != "1" {
			s.send(sess, &proto.Message{Kind: proto.KindFailed, Version: "1"})
			return
		}
		s.send(sess, &proto.Message{Kind: proto.KindConnected, Session: sess.id})
	case proto.KindPing:
		s.send(sess, &proto.Message{Kind: proto.KindPong, ID: msg.ID})
	case proto.KindSub:
		s.subscribe(sess, msg)
	case proto.KindUnsub:
		s.mu.Lock()
		delete(sess.subs, msg.ID)
		s.mu.Unlock()
		s.send(sess, &proto.Message{Kind: proto.KindNosub, ID: msg.ID})
	case proto.KindMethod:
		s.call(sess, msg)
	}
}

func (s *Server) subscribe(sess *session, msg *proto.Message) {
	if msg.Name != publicationName {
		s.send(sess, &proto.Message{
			Kind:  proto.KindNosub,
			ID:    msg.ID,
			Error: proto.NewError("404", fmt.Sprintf("Subscription '%s' not found", msg.Name)),
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The session sees a collection once, however many subscriptions it has.
	if len(sess.subs) == 0 {
		ids := make([]string, 0, len(s.counters))
		for id := range s.counters {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s.send(sess, &proto.Message{
				Kind:       proto.KindAdded,
				Collection: collectionName,
				ID:         id,
				Fields:     proto.Document{"value": s.counters[id]},
			})
		}
	}
	sess.subs[msg.ID] = struct{}{}
	s.send(sess, &proto.Message{Kind: proto.KindReady, Subs: []string{msg.ID}})
}

func (s *Server) call(sess *session, msg *proto.Message) {
	defer s.send(sess, &proto.Message{Kind: proto.KindUpdated, Methods: []string{msg.ID}})

	if msg.Method != incrementMethod {
		s.send(sess, &proto.Message{
			Kind:  proto.KindResult,
			ID:    msg.ID,
			Error: proto.NewError("404", fmt.Sprintf("Method '%s' not found", msg.Method)),
		})
		return
	}
	id, ok := "", len(msg.Params) == 1
	if ok {
		id, ok = msg.Params[0].(string)
	}
	if !ok || id == "" {
		s.send(sess, &proto.Message{
			Kind:  proto.KindResult,
			ID:    msg.ID,
			Error: proto.NewError("400", "Match failed"),
		})
		return
	}

	s.mu.Lock()
	value, existed := s.counters[id]
	value++
	s.counters[id] = value
	for other := range s.sessions {
		if len(other.subs) == 0 {
			continue
		}
		update := &proto.Message{Collection: collectionName, ID: id, Fields: proto.Document{"value": value}}
		if existed {
			update.Kind = proto.KindChanged
		} else {
			update.Kind = proto.KindAdded
		}
		s.send(other, update)
	}
	s.mu.Unlock()

	result, err := json.Marshal(value)
	if err != nil {
		s.log.WithError(err).Error("Cannot encode result")
		return
	}
	s.send(sess, &proto.Message{Kind: proto.KindResult, ID: msg.ID, Result: result})
}

func (s *Server) send(sess *session, msg *proto.Message) {
	raw, err := s.codec.Encode(msg)
	if err != nil {
		s.log.WithError(err).Error("Cannot encode message")
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		s.log.WithError(err).WithField("session", sess.id).Debug("Write failed")
	}
}
