package server

import (
	"context"
	"encoding/json"
	"time"

	"chatrelay/internal/fanout"
	"chatrelay/internal/ingest"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	eventSend    = "sendMessage"
	eventMessage = "message"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string          `json:"event"`
	Data  storage.Message `json:"data"`
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) wsHandler() fiber.Handler {
	return websocket.New(s.handleConn)
}

func (s *Server) handleConn(conn *websocket.Conn) {
	s.conns.Add(1)
	defer s.conns.Done()

	id := uuid.NewString()
	log := s.log.With(logx.String("conn", id))
	m := s.reg.Connect(id)
	log.Info("client connected", logx.Int("clients", s.reg.Len()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(conn, m, log)
	}()

	s.readLoop(ctx, conn, log)
	s.reg.Disconnect(id)
	<-done
	log.Info("client disconnected", logx.Int("clients", s.reg.Len()))
}

// readLoop turns sendMessage frames into submissions. Failures are logged
// and never reported back on the channel.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, log logx.Logger) {
	pongWait := s.cfg.PongWait
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("read ended", logx.Err(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			log.Warn("dropping malformed frame", logx.Err(err))
			continue
		}
		switch in.Event {
		case eventSend:
			var sub ingest.Submission
			if len(in.Data) > 0 {
				if err := json.Unmarshal(in.Data, &sub); err != nil {
					log.Warn("dropping malformed submission", logx.Err(err))
					continue
				}
			}
			if _, err := s.gw.Submit(ctx, sub); err != nil {
				log.Warn("channel submission rejected", logx.Err(err))
			}
		default:
			log.Debug("ignoring event", logx.String("event", in.Event))
		}
	}
}

// writeLoop forwards fanout records and keeps the connection alive with
// pings. When the member channel closes it sends a close frame and unblocks
// the reader.
func (s *Server) writeLoop(conn *websocket.Conn, m *fanout.Member, log logx.Logger) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	defer func() { _ = conn.SetReadDeadline(time.Now()) }()

	for {
		select {
		case msg, ok := <-m.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(outbound{Event: eventMessage, Data: msg}); err != nil {
				log.Debug("write failed", logx.Err(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("ping failed", logx.Err(err))
				return
			}
		}
	}
}
