package hub

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket timings use wall time, not the hub clock: gorilla deadlines are
// absolute time.Time values checked by the network stack.
const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 << 10            // Maximum message size allowed from peer.
	sendBuffer     = 64
)

// Upgrader is shared by the agent and viewer endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsPeer adapts a gorilla connection to Peer. Writes go through a buffered
// channel drained by writePump.
type wsPeer struct {
	conn *websocket.Conn
	ip   string
	send chan []byte

	once sync.Once
	done chan struct{}
}

func newPeer(conn *websocket.Conn, ip string) *wsPeer {
	return &wsPeer{
		conn: conn,
		ip:   ip,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) Send(msg []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *wsPeer) Close(code int, reason string) {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = p.conn.Close()
	})
}

func (p *wsPeer) RemoteIP() string { return p.ip }

func (p *wsPeer) shutdown() {
	p.Close(websocket.CloseNormalClosure, "")
}

// writePump pumps messages from the send buffer to the websocket connection.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.shutdown()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.shutdown()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsPeer) prepareRead() {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func logReadError(kind, ip string, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
		log.Printf("[hub] %s %s read: %v", kind, ip, err)
	}
}

// ServeAgent runs an agent connection until it closes.
func (h *Hub) ServeAgent(ctx context.Context, conn *websocket.Conn, ip string) {
	p := newPeer(conn, ip)
	sess := h.RegisterAgent(p)
	go p.writePump()
	defer func() {
		sess.Close(context.WithoutCancel(ctx))
		p.shutdown()
	}()

	p.prepareRead()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logReadError("agent", ip, err)
			return
		}
		if err := sess.Handle(ctx, raw); err != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				log.Printf("[hub] agent %s rejected: %v", ip, ce.Err)
				p.Close(ce.Code, ce.Reason)
				return
			}
			log.Printf("[hub] agent %s: %v", ip, err)
		}
	}
}

// ServeViewer runs a viewer connection until it closes.
func (h *Hub) ServeViewer(conn *websocket.Conn, ip, userID string) {
	p := newPeer(conn, ip)
	go p.writePump()
	v := h.RegisterViewer(p, userID)
	defer func() {
		v.Close()
		p.shutdown()
	}()

	p.prepareRead()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logReadError("viewer "+v.userID, ip, err)
			return
		}
		v.Handle(raw)
	}
}
