package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

// DefaultTTL is how long an announcement stays valid.
const DefaultTTL = 2 * time.Minute

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the registry over HTTP and WebSocket.
type Server struct {
	store *Store
	pin   string
	ttl   time.Duration

	listener net.Listener
	http     *http.Server
}

// NewServer creates a registry server. An empty pin disables the check.
func NewServer(store *Store, pin string, ttl time.Duration) *Server {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Server{store: store, pin: pin, ttl: ttl}
}

// Start listens on addr and serves in the background until ctx is done.
// Returns the bound port.
func (s *Server) Start(ctx context.Context, addr string) (int, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start registry server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("registry server: %v", err)
		}
	}()
	go s.pruneLoop(ctx)
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Close shuts the server down.
func (s *Server) Close() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

// Handler returns the registry routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Group(func(r chi.Router) {
		r.Use(s.pinMiddleware)
		r.Get("/workers", s.handleWorkers)
		r.Get("/ws", s.handleWS)
	})
	return r
}

func (s *Server) pinMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.pin != "" && r.URL.Query().Get("pin") != s.pin {
			http.Error(w, "Invalid PIN", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Active(r.Context(), time.Now().Add(-s.ttl))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "workers": len(entries)})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Active(r.Context(), time.Now().Add(-s.ttl))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		m, err := transport.ToMultiaddr(e.Addr)
		if err != nil {
			continue
		}
		views = append(views, entryView{Name: e.Name, Addr: m.String(), Seen: e.Seen})
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := conn.WriteJSON(s.reply(r.Context(), msg)); err != nil {
			return
		}
	}
}

func (s *Server) reply(ctx context.Context, msg Message) Message {
	switch msg.Type {
	case MsgAnnounce:
		if msg.Name == "" {
			return Message{Type: MsgError, Error: "missing name"}
		}
		addr, err := transport.ParseAddr(msg.Addr)
		if err != nil {
			return Message{Type: MsgError, Error: err.Error()}
		}
		if err := s.store.Upsert(ctx, Entry{Name: msg.Name, Addr: addr, Seen: time.Now()}); err != nil {
			return Message{Type: MsgError, Error: err.Error()}
		}
		util.LogDebug("registry: %s at %s", msg.Name, addr)
		return Message{Type: MsgAck}

	case MsgQuery:
		entries, err := s.store.Active(ctx, time.Now().Add(-s.ttl))
		if err != nil {
			return Message{Type: MsgError, Error: err.Error()}
		}
		out := Message{Type: MsgWorkers, Addrs: make([]string, 0, len(entries))}
		for _, e := range entries {
			if m, err := transport.ToMultiaddr(e.Addr); err == nil {
				out.Addrs = append(out.Addrs, m.String())
			}
		}
		return out
	}
	return Message{Type: MsgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)}
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.store.Prune(ctx, time.Now().Add(-s.ttl))
			if err != nil {
				util.LogWarning("registry prune: %v", err)
			} else if n > 0 {
				util.LogDebug("registry: pruned %d stale workers", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
