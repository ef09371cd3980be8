package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	golog "github.com/ipfs/go-log/v2"
	servertiming "github.com/mitchellh/go-server-timing"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydra-dash/hydradash"
)

var goLogger = golog.Logger("hydradash/api")

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server exposes a Dashboard over HTTP.
type Server struct {
	d      *hydradash.Dashboard
	router *gin.Engine
}

func NewServer(d *hydradash.Dashboard) *Server {
	s := &Server{d: d, router: gin.New()}
	s.router.Use(gin.Recovery(), requestLogger())

	nodes := s.router.Group("/api/nodes")
	nodes.GET("", s.listNodes)
	nodes.POST("", s.addNode)
	nodes.GET("/:id", s.getNode)
	nodes.PATCH("/:id", s.updateNode)
	nodes.DELETE("/:id", s.removeNode)
	nodes.POST("/:id/connect", s.testConnection)
	nodes.POST("/:id/refresh", s.refreshNode)
	nodes.POST("/:id/commands", s.sendCommand)
	nodes.PUT("/:id/error", s.setError)
	nodes.POST("/:id/stream", s.connectStream)
	nodes.DELETE("/:id/stream", s.disconnectStream)
	nodes.POST("/:id/stream/commands", s.sendStreamCommand)

	s.router.GET("/api/activity", s.activity)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(hydradash.HydraDashMetrics, promhttp.HandlerOpts{})))
	return s
}

// Handler returns the router wrapped so each response carries a
// Server-Timing header covering the node requests it caused.
func (s *Server) Handler() http.Handler {
	return servertiming.Middleware(s.router, nil)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		goLogger.Debugw("api request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, Response{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), Response{Success: false, Error: err.Error()})
}

func failWith(c *gin.Context, code int, msg string) {
	c.JSON(code, Response{Success: false, Error: msg})
}

func statusFor(err error) int {
	var httpErr *hydradash.ErrHTTPStatus
	var malformed *hydradash.ErrMalformedResponse
	switch {
	case errors.Is(err, hydradash.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, hydradash.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, hydradash.ErrNotConnected), errors.Is(err, hydradash.ErrStreamNotConnected):
		return http.StatusConflict
	case errors.Is(err, hydradash.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, hydradash.ErrUnreachable), errors.As(err, &httpErr), errors.As(err, &malformed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
