package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/tools"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	AgentID    string            `json:"agent_id" binding:"required"`
	ActionName string            `json:"action_name" binding:"required"`
	Arguments  map[string]string `json:"arguments"`
}

// ExecuteResponse carries exactly one of result or error.
type ExecuteResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// RegisterRequest is the body of POST /register_agent. Role is optional;
// agents registered without one run unrestricted.
type RegisterRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Role    string `json:"role"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string   `json:"status"`
	ActiveAgents int      `json:"active_agents"`
	Agents       []string `json:"agents"`
}

// Server exposes the dispatcher over bearer-authenticated HTTP. The health
// endpoint is open; everything else requires the per-run token.
type Server struct {
	dispatcher *Dispatcher
	registry   *tools.Registry
	token      string
	log        logging.Logger

	httpServer *http.Server

	mu    sync.Mutex
	roles map[string]tools.Role
}

// NewServer builds the RPC surface over a dispatcher. The token is the
// per-run bearer secret; requests without it are rejected with 401.
func NewServer(dispatcher *Dispatcher, registry *tools.Registry, token string, log logging.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		registry:   registry,
		token:      token,
		log:        logging.OrNop(log),
		roles:      make(map[string]tools.Role),
	}
}

// Handler builds the gin engine with all routes mounted.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)

	authed := engine.Group("/")
	authed.Use(s.authMiddleware())
	authed.POST("/execute", s.handleExecute)
	authed.POST("/register_agent", s.handleRegister)

	return engine
}

// Start listens on addr (host:0 picks a free port) and serves until Stop.
// It returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("sandbox server listen: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("sandbox server: %v", err)
		}
	}()
	bound := listener.Addr().String()
	s.log.Info("sandbox server listening on %s", bound)
	return bound, nil
}

// Stop shuts the HTTP listener down and closes the dispatcher.
func (s *Server) Stop(ctx context.Context) error {
	s.dispatcher.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" || token != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// handleExecute gates the action against the agent's registered role and
// hands it to the dispatcher. Action failures are reported as 200 with an
// error body so callers can turn them into observations; only transport
// level problems use HTTP error codes.
func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	if err := s.registry.Permitted(s.roleOf(req.AgentID), req.ActionName); err != nil {
		c.JSON(http.StatusOK, gin.H{"error": strixerrors.FormatForLLM(err)})
		return
	}

	result, err := s.dispatcher.Execute(c.Request.Context(), req.AgentID, req.ActionName, req.Arguments)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": strixerrors.FormatForLLM(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	role := tools.RoleFullAccess
	if req.Role != "" {
		if !tools.ValidRole(req.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown role %q", req.Role)})
			return
		}
		role = tools.Role(req.Role)
	}

	s.mu.Lock()
	s.roles[req.AgentID] = role
	s.mu.Unlock()
	s.log.Debug("registered agent %s with role %s", req.AgentID, role)

	c.JSON(http.StatusOK, gin.H{"status": "registered", "agent_id": req.AgentID})
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	agents := make([]string, 0, len(s.roles))
	for id := range s.roles {
		agents = append(agents, id)
	}
	s.mu.Unlock()
	sort.Strings(agents)

	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		ActiveAgents: len(agents),
		Agents:       agents,
	})
}

// roleOf resolves the registered role for an agent. Unregistered agents run
// unrestricted; registration is how a role attaches to an agent id.
func (s *Server) roleOf(agentID string) tools.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role, ok := s.roles[agentID]; ok {
		return role
	}
	return tools.RoleFullAccess
}
