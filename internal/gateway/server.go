// Package gateway bridges session event streams to WebSocket clients. One
// socket serves one session subscription; commands flow back over the same
// socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lemonhq/lemon/internal/config"
	"github.com/lemonhq/lemon/internal/session"
	"github.com/lemonhq/lemon/internal/supervisor"
	"github.com/lemonhq/lemon/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// Server is the WebSocket event bridge.
type Server struct {
	cfg      config.GatewayConfig
	sup      *supervisor.Supervisor
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg config.GatewayConfig, sup *supervisor.Supervisor) *Server {
	s := &Server{cfg: cfg, sup: sup}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleHealth reports the supervisor's aggregate health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sum := s.sup.Summary()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"protocol": protocol.ProtocolVersion,
		"health":   sum,
	})
}

// handleWebSocket attaches one socket to one session subscription.
// Query params: session (required), mode (stream|poll, default stream).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = session.ModeStream
	}

	root, err := s.sup.Get(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	actor, err := root.Session()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := &client{conn: conn, actor: actor, sessionID: sessionID}
	client.run(r.Context(), mode)
}

// client is one attached socket.
type client struct {
	conn      *websocket.Conn
	actor     *session.Actor
	sessionID string

	writeMu sync.Mutex
}

func (c *client) run(ctx context.Context, mode string) {
	defer c.conn.Close()

	subID, frames, err := c.actor.Subscribe(mode)
	if err != nil {
		c.send(protocol.ErrorResponse("", err.Error()))
		return
	}
	defer c.actor.Unsubscribe(subID)

	slog.Info("gateway.client_attached", "session", c.sessionID, "subscription", subID, "mode", mode)

	done := make(chan struct{})
	go c.readLoop(done)

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := c.send(protocol.NewEvent(c.sessionID, f)); err != nil {
				return
			}
		case <-c.actor.Done():
			return
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop serves client commands until the socket closes.
func (c *client) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(protocol.ErrorResponse("", "bad request: "+err.Error()))
			continue
		}
		c.send(c.dispatch(req))
	}
}

func (c *client) dispatch(req protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodPrompt, protocol.MethodSteer:
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Text == "" {
			return protocol.ErrorResponse(req.ID, "text is required")
		}
		var err error
		if req.Method == protocol.MethodPrompt {
			err = c.actor.Prompt(params.Text)
		} else {
			err = c.actor.Steer(params.Text)
		}
		if err != nil {
			return protocol.ErrorResponse(req.ID, err.Error())
		}
		return protocol.NewResponse(req.ID, map[string]any{"accepted": true})

	case protocol.MethodAbort:
		if err := c.actor.Abort(); err != nil {
			return protocol.ErrorResponse(req.ID, err.Error())
		}
		return protocol.NewResponse(req.ID, map[string]any{"accepted": true})

	case protocol.MethodState:
		state, err := c.actor.GetState()
		if err != nil {
			return protocol.ErrorResponse(req.ID, err.Error())
		}
		return protocol.NewResponse(req.ID, state)

	case protocol.MethodStats:
		stats, err := c.actor.GetStats()
		if err != nil {
			return protocol.ErrorResponse(req.ID, err.Error())
		}
		return protocol.NewResponse(req.ID, stats)

	default:
		return protocol.ErrorResponse(req.ID, "unknown method: "+req.Method)
	}
}

func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}
