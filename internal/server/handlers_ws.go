package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/ralph0830/stockcast/internal/domain"
	"github.com/ralph0830/stockcast/internal/logging"
	"github.com/ralph0830/stockcast/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Frontend origin is enforced upstream by the proxy
	},
}

// controlFrame is an inbound client message: subscribe or unsubscribe to a topic.
type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	id := uuid.New()
	log := logging.WithSession(id.String())

	sess, err := s.manager.Register(id, conn)
	if err != nil {
		log.Error("Failed to register session", "error", err)
		_ = conn.Close()
		return nil
	}

	s.configureLiveness(conn, id, sess)
	s.sendWelcome(sess, id)

	// Read pump (blocks until disconnect or eviction closes the connection).
	s.readLoop(conn, id, sess, log)

	s.manager.Unregister(id)
	return nil
}

// configureLiveness wires transport pongs into the heartbeat manager and arms
// a read deadline as a backstop against dead TCP peers.
func (s *Server) configureLiveness(conn *websocket.Conn, id uuid.UUID, sess *ws.Session) {
	deadline := s.readDeadline()
	_ = conn.SetReadDeadline(s.clock.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(s.clock.Now().Add(deadline))
		s.heartbeat.Pong(id)
		return nil
	})
}

// readDeadline gives the client one grace interval beyond the heartbeat
// eviction window.
func (s *Server) readDeadline() time.Duration {
	return s.config.HeartbeatInterval * time.Duration(s.config.HeartbeatMissLimit+1)
}

func (s *Server) readLoop(conn *websocket.Conn, id uuid.UUID, sess *ws.Session, log *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(s.clock.Now().Add(s.readDeadline()))
		sess.Touch(s.clock.Now())

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug("Ignoring malformed control frame", "error", err)
			continue
		}

		switch frame.Action {
		case "subscribe":
			if err := s.manager.Subscribe(id, frame.Topic); err != nil {
				log.Warn("Subscribe failed", "topic", frame.Topic, "error", err)
				continue
			}
			s.sendAck(sess, "subscribed", frame.Topic)
		case "unsubscribe":
			if err := s.manager.Unsubscribe(id, frame.Topic); err != nil {
				log.Warn("Unsubscribe failed", "topic", frame.Topic, "error", err)
				continue
			}
			s.sendAck(sess, "unsubscribed", frame.Topic)
		default:
			log.Debug("Ignoring unknown control action", "action", frame.Action)
		}
	}
}

func (s *Server) sendWelcome(sess *ws.Session, id uuid.UUID) {
	payload, _ := json.Marshal(map[string]any{
		"event":                 "connected",
		"session_id":            id.String(),
		"heartbeat_interval_ms": s.config.HeartbeatInterval.Milliseconds(),
	})
	s.sendSystem(sess, "", payload)
}

func (s *Server) sendAck(sess *ws.Session, event, topic string) {
	payload, _ := json.Marshal(map[string]any{
		"event": event,
		"topic": topic,
	})
	s.sendSystem(sess, topic, payload)
}

func (s *Server) sendSystem(sess *ws.Session, topic string, payload json.RawMessage) {
	msg, err := domain.NewBroadcastMessage(topic, domain.TypeSystem, payload, s.clock.Now())
	if err != nil {
		slog.Error("Failed to build system message", "error", err)
		return
	}
	if err := sess.Send(msg); err != nil {
		slog.Debug("Failed to deliver system message", "session_id", sess.ID().String(), "error", err)
	}
}
