// Package httpapi wires the Speculator to an HTTP+WebSocket transport: a
// gin router accepting the start request (spec §6.1) and upgrading the
// connection to stream the event union (spec §6.2) back over WebSocket.
// This is the one concrete adapter for the "HTTP/WebSocket transport"
// collaborator spec §1 otherwise treats as external.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/specdecode/orchestrator/internal/sink"
	"github.com/specdecode/orchestrator/internal/speculator"
)

// startRequest mirrors the wire shape of spec §6.1: underscore_case field
// names are the canonical wire format.
type startRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	K           int     `json:"k"`
}

// Server wraps a gin.Engine around a Speculator.
type Server struct {
	engine    *gin.Engine
	spec      *speculator.Speculator
	upgrader  websocket.Upgrader
	log       *zap.Logger
	wsStagger time.Duration
}

// Options configures the HTTP server. CORSOrigins follows spec §6.3's
// cors_origins option; WebSocketStagger, if non-zero, is passed through to
// each generation's WebSocketSink for animation pacing (spec §5).
type Options struct {
	CORSOrigins      []string
	WebSocketStagger time.Duration
}

// NewServer builds a Server around spec, ready to ServeHTTP.
func NewServer(spec *speculator.Speculator, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ginZapLogger(log))

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsCfg := cors.DefaultConfig()
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	engine.Use(cors.New(corsCfg))

	s := &Server{
		engine: engine,
		spec:   spec,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     allowOriginChecker(origins),
		},
		wsStagger: opts.WebSocketStagger,
	}
	s.registerRoutes()
	return s
}

// ServeHTTP lets Server be used directly as an http.Handler (e.g. with
// http.Server or in tests via httptest).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.engine.ServeHTTP(w, r) }

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/v1/generate", s.handleGenerate)
}

// handleGenerate upgrades the connection, reads exactly one start-request
// message (spec §6.1), validates it, then drives one generation whose
// event stream is written back over the same connection via a
// sink.WebSocketSink (spec §6.2, §5's ordering/stagger rules).
func (s *Server) handleGenerate(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	var req startRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.log.Debug("failed to read start request", zap.Error(err))
		conn.Close()
		return
	}

	eventSink := sink.NewWebSocketSink(conn, s.wsStagger, s.log)

	ctx := c.Request.Context()
	runReq := speculator.Request{
		Prompt:      req.Prompt,
		K:           req.K,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if err := s.spec.Run(ctx, runReq, eventSink); err != nil {
		s.log.Info("generation ended with error", zap.Error(err))
	}
}

// allowOriginChecker builds a CheckOrigin func from the configured CORS
// allow-list; "*" permits any origin, matching DefaultServerConfig's
// EnableCORS-with-wildcard behavior in the teacher.
func allowOriginChecker(origins []string) func(r *http.Request) bool {
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range origins {
			if o == origin {
				return true
			}
		}
		return false
	}
}

// ginZapLogger mirrors the teacher's LoggerWithConfig middleware shape
// (core/webserver/server.go's configureMiddleware) but emits structured
// zap fields instead of a formatted string.
func ginZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
