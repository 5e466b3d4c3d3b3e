// Package server exposes a read-only monitor over a running scan: the
// recorded event stream, a live websocket feed, the run state snapshot and
// Prometheus metrics. It never mutates the run.
package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TWN-Systems/strix/internal/agent"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/telemetry"
)

// State is the /api/state payload: everything a dashboard needs to render a
// run without reading the run directory.
type State struct {
	RunID      string              `json:"run_id"`
	RunName    string              `json:"run_name"`
	Target     string              `json:"target"`
	StartedAt  string              `json:"started_at"`
	Complete   bool                `json:"complete"`
	Agents     []agent.Snapshot    `json:"agents"`
	Findings   []telemetry.Finding `json:"findings"`
	EventCount int                 `json:"event_count"`
}

// StateFunc assembles the current State. The runtime provides it so the
// monitor stays decoupled from agent bookkeeping.
type StateFunc func() State

// EventsResponse pages the recorded event stream. Next is the cursor to
// pass as since on the following poll.
type EventsResponse struct {
	Events []telemetry.Event `json:"events"`
	Next   int               `json:"next"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	RunDir  string `json:"run_dir"`
	Uptime  string `json:"uptime"`
	Clients int    `json:"clients"`
}

// Options configures the monitor. Tracer is required; State may be nil, in
// which case /api/state reports 503.
type Options struct {
	Tracer *telemetry.Tracer
	State  StateFunc
	Logger logging.Logger
}

// Server serves the monitor API. All endpoints are unauthenticated and
// read-only; the monitor binds loopback unless the operator says otherwise.
type Server struct {
	tracer   *telemetry.Tracer
	state    StateFunc
	log      logging.Logger
	hub      *hub
	upgrader websocket.Upgrader
	started  time.Time

	httpServer *http.Server
}

// New builds the monitor and subscribes its feed to the tracer. Events
// emitted from this point on reach every connected websocket client.
func New(opts Options) *Server {
	s := &Server{
		tracer: opts.Tracer,
		state:  opts.State,
		log:    logging.OrNop(opts.Logger),
		hub:    newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.tracer.Subscribe(s.hub.broadcast)
	return s
}

// Handler builds the gin engine with all routes mounted.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	engine.GET("/api/health", s.handleHealth)
	engine.GET("/api/events", s.handleEvents)
	engine.GET("/api/state", s.handleState)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws/events", s.handleEventsFeed)

	return engine
}

// Start listens on addr (host:0 picks a free port) and serves until Stop.
// It returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("monitor listen: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("monitor server: %v", err)
		}
	}()
	bound := listener.Addr().String()
	s.log.Info("monitor listening on http://%s", bound)
	return bound, nil
}

// Stop disconnects feed clients and shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		RunDir:  s.tracer.RunDir(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Clients: s.hub.count(),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	raw := c.DefaultQuery("since", "0")
	since, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("since must be an integer, got %q", raw)})
		return
	}
	events, next := s.tracer.EventsSince(since)
	if events == nil {
		events = []telemetry.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: events, Next: next})
}

func (s *Server) handleState(c *gin.Context) {
	if s.state == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run state is not available"})
		return
	}
	c.JSON(http.StatusOK, s.state())
}

// handleEventsFeed upgrades to a websocket and streams every event emitted
// after the hello frame. The hello carries the cursor where live delivery
// begins so clients can backfill older events from /api/events. Events that
// land between hub registration and the hello may appear on both channels;
// clients dedupe on event_id.
func (s *Server) handleEventsFeed(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("websocket upgrade rejected: %v", err)
		return
	}

	client := newWSClient(conn)
	_, cursor := s.tracer.EventsSince(math.MaxInt)
	s.hub.add(client)

	if err := conn.WriteJSON(feedHello{Type: "hello", Cursor: cursor}); err != nil {
		s.hub.remove(client)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.hub)
}
