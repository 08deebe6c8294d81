package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ReloadPath is the websocket endpoint browsers connect to for live reload.
const ReloadPath = "/__chunkbld/ws"

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
	wsSendQueue = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Message is sent to every connected browser.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func reloadMessage() Message { return Message{Type: "reload"} }

func errorMessage(err error) Message {
	return Message{Type: "error", Message: err.Error()}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans messages out to the connected websocket clients.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
	log     *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	return &hub{clients: map[*client]struct{}{}, log: log}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, wsSendQueue)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(2)
	go h.write(c)
	go h.read(c)
}

// read discards incoming frames and unregisters the client once the
// connection drops.
func (h *hub) read(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) write(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// remove unregisters c and closes its send queue, once.
func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends m to every client. Clients whose queue is full are dropped.
func (h *hub) Broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.log.Error("encode reload message", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow live reload client")
			delete(h.clients, c)
			close(c.send)
		}
	}
	h.log.Debug("broadcast", zap.String("type", m.Type), zap.Int("clients", len(h.clients)))
}

// Close disconnects every client and waits for their goroutines.
func (h *hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// clientJS is injected into index.html as an inline script. It reloads the
// page on a reload message and logs build errors to the console.
const clientJS = `
(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "` + ReloadPath + `");
  ws.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    if (msg.type === "reload") location.reload();
    if (msg.type === "error") console.error("[chunkbld] " + msg.message);
  };
})();
`
