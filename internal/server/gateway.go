// Package server exposes the daemon's WebSocket endpoints: one per
// observed tab, one for the companion app, one per popup window.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Gateway accepts WebSocket connections and converts their frames
// into events on the coordinator's queue. It never touches coordinator
// state itself: connect, disconnect, and every inbound frame go
// through the events channel.
type Gateway struct {
	listenAddr string
	events     chan<- domain.Event
	logger     *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewGateway creates the gateway. Events posted to the channel are
// consumed by the daemon run loop.
func NewGateway(listenAddr string, events chan<- domain.Event, logger *zap.Logger) *Gateway {
	return &Gateway{
		listenAddr: listenAddr,
		events:     events,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds to loopback; extension and app pages
			// carry arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving. It returns once the listener stops; a closed
// server yields nil.
func (g *Gateway) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/observer", g.handleObserver)
	mux.HandleFunc("/ws/companion", g.handleCompanion)
	mux.HandleFunc("/ws/popup", g.handlePopup)

	g.server = &http.Server{
		Addr:              g.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway listening", zap.String("addr", g.listenAddr))
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the listener.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// handleObserver serves one page-world channel. The tab id comes from
// the query string and keys the channel in the session registry.
func (g *Gateway) handleObserver(w http.ResponseWriter, r *http.Request) {
	tabID := r.URL.Query().Get("tab")
	if tabID == "" {
		http.Error(w, "missing tab parameter", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrade(w, r)
	if err != nil {
		return
	}

	ch := newWSChannel(conn)
	g.events <- domain.Event{
		Kind:  domain.EventObserverConnected,
		TabID: tabID,
		Conn:  ch,
		At:    time.Now(),
	}
	g.logger.Debug("observer connected", zap.String("tab", tabID))

	g.readPump(ch, domain.Event{Kind: domain.EventChannelMessage, Source: domain.ChannelObserver, TabID: tabID})

	// A dropped observer channel means its tab is gone. The channel
	// rides along so the coordinator can tell this close apart from a
	// reconnect that has already replaced it under the same tab id.
	g.events <- domain.Event{Kind: domain.EventTabClosed, TabID: tabID, Conn: ch, At: time.Now()}
	g.logger.Debug("observer disconnected", zap.String("tab", tabID))
}

// handleCompanion serves the single companion-app channel.
func (g *Gateway) handleCompanion(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	conn, err := g.upgrade(w, r)
	if err != nil {
		return
	}

	ch := newWSChannel(conn)
	g.events <- domain.Event{
		Kind:   domain.EventCompanionConnected,
		Origin: origin,
		Conn:   ch,
		At:     time.Now(),
	}
	g.logger.Info("companion connected", zap.String("origin", origin))

	g.readPump(ch, domain.Event{Kind: domain.EventChannelMessage, Source: domain.ChannelCompanion, Origin: origin})

	g.events <- domain.Event{Kind: domain.EventCompanionDisconnected, Origin: origin, At: time.Now()}
	g.logger.Info("companion disconnected", zap.String("origin", origin))
}

// handlePopup serves a popup window channel, keyed by a generated id.
func (g *Gateway) handlePopup(w http.ResponseWriter, r *http.Request) {
	key := uuid.New().String()

	conn, err := g.upgrade(w, r)
	if err != nil {
		return
	}

	ch := newWSChannel(conn)
	g.events <- domain.Event{
		Kind: domain.EventPopupConnected,
		Key:  key,
		Conn: ch,
		At:   time.Now(),
	}
	g.logger.Debug("popup connected", zap.String("key", key))

	g.readPump(ch, domain.Event{Kind: domain.EventChannelMessage, Source: domain.ChannelPopup, Key: key})

	g.events <- domain.Event{Kind: domain.EventPopupDisconnected, Key: key, At: time.Now()}
	g.logger.Debug("popup disconnected", zap.String("key", key))
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// readPump reads frames until the connection drops, posting each as a
// copy of the template event with the payload filled in.
func (g *Gateway) readPump(ch *wsChannel, template domain.Event) {
	defer ch.Close()
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		ev := template
		ev.Raw = data
		ev.At = time.Now()
		g.events <- ev
	}
}

// wsChannel adapts a websocket connection to domain.Channel. Gorilla
// permits one concurrent writer, so sends are mutex-serialized: the
// event loop and the gateway's close path may race on the same
// connection.
type wsChannel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

// Send writes v as a JSON text frame.
func (c *wsChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Close shuts the underlying connection. Safe to call more than once.
func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Ensure wsChannel implements domain.Channel.
var _ domain.Channel = (*wsChannel)(nil)
