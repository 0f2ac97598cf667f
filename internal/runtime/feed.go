package runtime

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-capture/internal/preload"
	"github.com/loqalabs/loqa-capture/internal/session"
)

const (
	feedBuffer   = 32
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is one frame of the snapshot feed.
type Message struct {
	Type      string            `json:"type"`
	Recording *session.Snapshot `json:"recording,omitempty"`
	Preload   *preload.Snapshot `json:"preload,omitempty"`
}

const (
	MessageRecording = "recording"
	MessagePreload   = "preload"
)

// feed fans session and preload snapshots out to websocket clients. Each
// client has its own write pump; a client that falls behind loses frames.
type feed struct {
	logger *slog.Logger
	ctrl   *session.Controller
	pre    *preload.Preloader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	cancels []func()
}

type client struct {
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func newFeed(ctrl *session.Controller, pre *preload.Preloader, logger *slog.Logger) *feed {
	f := &feed{
		logger:  logger.With(slog.String("component", "feed")),
		ctrl:    ctrl,
		pre:     pre,
		clients: make(map[*client]struct{}),
	}
	f.cancels = append(f.cancels,
		ctrl.Subscribe(func(s session.Snapshot) {
			f.broadcast(Message{Type: MessageRecording, Recording: &s})
		}),
		pre.Subscribe(func(s preload.Snapshot) {
			f.broadcast(Message{Type: MessagePreload, Preload: &s})
		}),
	)
	return f
}

func (f *feed) broadcast(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (f *feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan Message, feedBuffer), done: make(chan struct{})}

	rec, pre := f.ctrl.Snapshot(), f.pre.Snapshot()
	c.send <- Message{Type: MessageRecording, Recording: &rec}
	c.send <- Message{Type: MessagePreload, Preload: &pre}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		c.close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Debug("feed client connected", slog.String("remote", r.RemoteAddr))

	go f.write(c)
	// The feed is one-way; reads only detect the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.remove(c)
}

func (f *feed) write(c *client) {
	defer f.remove(c)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				f.logger.Debug("feed write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (f *feed) remove(c *client) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
}

// Close disconnects every client and stops listening for snapshots.
func (f *feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	clients := f.clients
	f.clients = make(map[*client]struct{})
	cancels := f.cancels
	f.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for c := range clients {
		c.close()
	}
}
