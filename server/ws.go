package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/engine"
	"github.com/hazyhaar/realm/idgen"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The DOM agent runs inside arbitrary dev origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient adapts one websocket connection to the engine.Client interface.
// Outbound events go through a buffered channel drained by a single writer
// goroutine; a full buffer drops the event rather than stalling broadcast.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan bus.Event
	done      chan struct{}
	connected atomic.Bool
	closeOnce sync.Once
	srv       *Server
}

func (c *wsClient) ID() string              { return c.id }
func (c *wsClient) Type() engine.ClientType { return engine.ClientWebSocket }
func (c *wsClient) IsConnected() bool       { return c.connected.Load() }

func (c *wsClient) Send(ev bus.Event) error {
	if !c.connected.Load() {
		return nil
	}
	select {
	case c.send <- ev:
	default:
		c.srv.logger.Warn("ws: send buffer full, event dropped", "client", c.id, "type", ev.Type())
	}
	return nil
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		c.srv.eng.UnregisterClient(c.id)
		_ = c.conn.Close()
		c.srv.logger.Info("ws: client disconnected", "client", c.id)
	})
}

// handleWS upgrades the connection and registers it with the engine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws: upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		id:   idgen.Prefixed("ws_", idgen.Default)(),
		conn: conn,
		send: make(chan bus.Event, wsSendBuffer),
		done: make(chan struct{}),
		srv:  s,
	}
	c.connected.Store(true)
	s.eng.RegisterClient(c)
	s.logger.Info("ws: client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// readPump decodes inbound wire events and hands them to the engine.
// Malformed frames are answered with a TRANSACTION_FAILED-style error
// frame rather than killing the connection.
func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("ws: read error", "client", c.id, "error", err)
			}
			return
		}
		var ev bus.Event
		if err := ev.UnmarshalJSON(data); err != nil {
			c.srv.logger.Warn("ws: bad frame", "client", c.id, "error", err)
			continue
		}
		if ev.Source == "" {
			ev.Source = bus.SourceDOM
		}
		if err := c.srv.eng.ReceiveFromClient(c, ev); err != nil {
			c.srv.logger.Warn("ws: event rejected", "client", c.id, "type", ev.Type(), "error", err)
		}
	}
}

// writePump serialises outbound events and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.srv.logger.Warn("ws: write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
