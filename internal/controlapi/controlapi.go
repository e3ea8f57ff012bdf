// Package controlapi is the bridge's local control-plane HTTP API:
// status/queue introspection over REST and a live event stream over a
// WebSocket, mirroring the shape of the teacher's own control plane
// (internal/client/controlplane_routes.go) and its websocket hub
// (internal/server/handlers/ws/ws_hub.go), scaled down to one
// process-local bus with no auth/rate-limiting concerns.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/syncbridge/cachebridge/internal/events"
	"github.com/syncbridge/cachebridge/internal/queue"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Server is the control-plane HTTP server.
type Server struct {
	addr   string
	engine *gin.Engine
	http   *http.Server
	bus    *events.Bus
	q      *queue.RequestQueue
	log    *slog.Logger
}

// New builds a Server bound to addr, streaming bus events over
// GET /v1/events and queue depth over GET /v1/status.
func New(addr string, q *queue.RequestQueue, bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{addr: addr, bus: bus, q: q, log: log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/v1/status", s.handleStatus)
	r.GET("/v1/events", s.handleEvents)

	s.engine = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // the events stream is long-lived
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until Stop is called. It blocks the caller;
// run it in its own goroutine.
func (s *Server) Start() error {
	s.log.Info("control api listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("controlapi: listen: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	RootQueueDepth int `json:"root_queue_depth"`
}

func (s *Server) handleStatus(c *gin.Context) {
	reqs, err := s.q.GetRequests("/")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusResponse{RootQueueDepth: len(reqs)})
}

// handleEvents upgrades to a WebSocket and relays every bus event to the
// client as a JSON text frame until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("controlapi: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("controlapi: marshal event", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
