package api

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"linkora-backend/internal/timeframe"
)

const clientSendBuffer = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsClient is one websocket subscription. The hub feeds send; the write
// pump drains it. alive and lastPong are shared with the reaper.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	key  string

	alive    atomic.Bool
	lastPong atomic.Int64 // unix millis
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	c.alive.Store(true)
	c.lastPong.Store(time.Now().UnixMilli())
	return c
}

// handleWebSocket upgrades GET /ws?symbol=&timeframe=&type= and parks the
// connection on the hub. Bad parameters close the socket with policy
// violation (1008) and a reason, after the upgrade.
func (s *MarketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		symbol = allSymbols
	}
	tf := q.Get("timeframe")
	if tf == "" {
		tf = "1"
	}
	kind := q.Get("type")
	if kind == "" {
		kind = kindCandles
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade failed: %v", err)
		return
	}

	switch {
	case !timeframe.Valid(tf):
		closePolicy(conn, "Invalid timeframe: "+tf)
		return
	case kind != kindCandles && kind != kindOrderbook:
		closePolicy(conn, "Invalid type: "+kind)
		return
	case symbol == allSymbols && tf != "1":
		closePolicy(conn, "Invalid symbol/timeframe combination")
		return
	}

	client := newWSClient(conn)
	if err := s.hub.add(symbol, tf, kind, client); err != nil {
		closePolicy(conn, err.Error())
		return
	}

	go client.writePump()
	client.readPump(s.hub)
}

func closePolicy(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	conn.Close()
}

// writePump drains the send buffer onto the wire. A closed channel means
// the hub dropped us; say goodbye properly.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for {
		payload, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.alive.Store(false)
			return
		}
	}
}

// readPump consumes client frames until the connection dies, answering
// liveness pongs. It owns the hub unregistration.
func (c *wsClient) readPump(h *Hub) {
	defer h.remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "pong" {
			c.lastPong.Store(time.Now().UnixMilli())
			c.alive.Store(true)
		}
	}
}
