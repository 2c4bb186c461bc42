package progress

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const feedInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed serves local monitoring tooling, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed serves live progress snapshots over a websocket at /ws. Monitoring
// tooling connects and receives one JSON Stats message per second until the
// run ends. The feed is best-effort: a slow or dead client is dropped, never
// waited on.
type Feed struct {
	meter  *Meter
	logger *slog.Logger
	server *http.Server
	addr   net.Addr

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	done    chan struct{}
}

// NewFeed creates a feed publishing snapshots of meter.
func NewFeed(meter *Meter, logger *slog.Logger) *Feed {
	return &Feed{
		meter:   meter,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins listening on addr and broadcasting snapshots. It returns
// once the listener is bound; serving continues in the background.
func (f *Feed) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	f.addr = ln.Addr()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	f.server = &http.Server{Handler: mux}

	go func() {
		if err := f.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.logger.Warn("progress feed server stopped", "error", err)
		}
	}()
	go f.broadcastLoop()

	f.logger.Info("progress feed listening", "addr", ln.Addr().String())
	return nil
}

// listenAddr returns the bound address, usable after Start.
func (f *Feed) listenAddr() string {
	if f.addr == nil {
		return ""
	}
	return f.addr.String()
}

// Close stops the broadcast loop and shuts the server down.
func (f *Feed) Close() {
	close(f.done)
	if f.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.server.Shutdown(ctx)
	}
	f.mu.Lock()
	for conn := range f.clients {
		_ = conn.Close()
	}
	f.clients = make(map[*websocket.Conn]struct{})
	f.mu.Unlock()
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("progress feed upgrade failed", "error", err)
		return
	}
	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()

	// Push the current snapshot immediately so late subscribers see state
	// without waiting a full interval.
	_ = conn.WriteJSON(f.meter.Snapshot())
}

func (f *Feed) broadcastLoop() {
	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.broadcast(f.meter.Snapshot())
		}
	}
}

func (f *Feed) broadcast(stats Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.clients {
		conn.SetWriteDeadline(time.Now().Add(feedInterval))
		if err := conn.WriteJSON(stats); err != nil {
			_ = conn.Close()
			delete(f.clients, conn)
		}
	}
}
