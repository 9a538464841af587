package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/controller"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	commandTimeout = 30 * time.Second
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Command is a call intent sent by the UI over the event stream
type Command struct {
	Action   string           `json:"action"`
	CalleeID string           `json:"calleeId,omitempty"`
	Kind     models.MediaKind `json:"kind,omitempty"`
}

// Reply acknowledges a Command
type Reply struct {
	Type      string            `json:"type"`
	Action    string            `json:"action"`
	SessionID string            `json:"sessionId,omitempty"`
	Error     string            `json:"error,omitempty"`
	State     *controller.State `json:"state,omitempty"`
}

const replyType = "reply"

// eventClient is one UI connection to the event stream
type eventClient struct {
	conn   *websocket.Conn
	events <-chan models.Event
	send   chan []byte
	ctx    context.Context
	log    zerolog.Logger
}

// HandleEvents upgrades to a WebSocket that streams call events and accepts
// call commands
func (h *CallHandler) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	events, unsubscribe := h.calls.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	client := &eventClient{
		conn:   conn,
		events: events,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		log:    h.log.With().Str("remote", c.Request.RemoteAddr).Logger(),
	}
	client.log.Info().Msg("event stream opened")

	st := h.calls.State()
	client.sendJSON(Reply{Type: replyType, Action: "state", State: &st})

	go client.writePump()
	go client.readPump(h, func() {
		cancel()
		unsubscribe()
	})
}

func (cl *eventClient) readPump(h *CallHandler, done func()) {
	defer func() {
		done()
		cl.conn.Close()
		cl.log.Info().Msg("event stream closed")
	}()

	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				cl.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			cl.log.Debug().Err(err).Msg("failed to parse command")
			cl.sendJSON(Reply{Type: replyType, Error: "invalid command"})
			continue
		}
		// Commands can block on media acquisition; keep reading pongs meanwhile.
		go func() { cl.sendJSON(h.run(cl.ctx, cmd)) }()
	}
}

func (h *CallHandler) run(parent context.Context, cmd Command) Reply {
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	reply := Reply{Type: replyType, Action: cmd.Action}
	var err error
	switch cmd.Action {
	case "start":
		reply.SessionID, err = h.calls.StartCall(ctx, cmd.CalleeID, cmd.Kind)
	case "answer":
		err = h.calls.AnswerCall(ctx)
	case "reject":
		err = h.calls.RejectCall(ctx)
	case "end":
		err = h.calls.EndCall(ctx)
	case "state":
		st := h.calls.State()
		reply.State = &st
	default:
		reply.Error = "unknown action"
		return reply
	}
	if err != nil {
		reply.Error = err.Error()
		if errorStatus(err) >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("op", cmd.Action).Msg("command failed")
		}
	}
	return reply
}

func (cl *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-cl.events:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(ev); err != nil {
				cl.log.Debug().Err(err).Msg("failed to write event")
				return
			}

		case message := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				cl.log.Debug().Err(err).Msg("failed to write reply")
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cl *eventClient) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		cl.log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	select {
	case cl.send <- data:
	default:
		cl.log.Warn().Msg("failed to send message, buffer full")
	}
}
