package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/embuer/embuer/internal/update"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var ErrTooManyConnections = errors.New("too many watch connections")

// Subscriber hands out status subscriptions. *update.Machine and
// *update.Service implement it.
type Subscriber interface {
	Subscribe() *update.Subscription
}

// client pumps one subscription onto one connection. The write pump is the
// only writer on conn.
type client struct {
	conn *websocket.Conn
	sub  *update.Subscription
	log  *log.Entry
}

func (c *client) writePump(onExit func()) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
		onExit()
	}()

	for {
		select {
		case st, ok := <-c.sub.Events():
			if !ok {
				c.closeFrame()
				return
			}
			data, err := newStatusMessage(st)
			if err != nil {
				c.log.Errorf("marshal status: %v", err)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debugf("write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeFrame tells the peer why its watch ended.
func (c *client) closeFrame() {
	code, reason := websocket.CloseNormalClosure, "watch closed"
	if errors.Is(c.sub.Err(), update.ErrWatcherTooSlow) {
		code, reason = websocket.CloseTryAgainLater, update.ErrWatcherTooSlow.Error()
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// readPump discards inbound messages and notices a vanished peer.
func (c *client) readPump() {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcaster bridges status subscriptions to WebSocket watchers.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   Subscriber
	maxConns int
}

// NewBroadcaster creates a broadcaster. maxConns <= 0 means unlimited.
func NewBroadcaster(source Subscriber, maxConns int) *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*client]bool),
		source:   source,
		maxConns: maxConns,
	}
}

// AddClient subscribes conn and starts its write pump. The first message it
// receives is the baseline status.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		return nil, ErrTooManyConnections
	}

	sub := b.source.Subscribe()
	c := &client{
		conn: conn,
		sub:  sub,
		log:  log.WithFields(log.Fields{"component": "ws", "watcher": sub.ID()}),
	}
	b.clients[c] = true
	go c.writePump(func() { b.forget(c) })
	return c, nil
}

// RemoveClient ends the client's subscription; the write pump then closes
// the connection.
func (b *Broadcaster) RemoveClient(c *client) {
	c.sub.Close()
	b.forget(c)
}

func (b *Broadcaster) forget(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close ends every watch.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.RemoveClient(c)
	}
}
