// Package gateway is the HTTP surface of labgate: the browser access
// routes, the desktop relay and viewer proxy, and the operator API.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labgate/internal/access"
	"labgate/internal/lifecycle"
	"labgate/internal/logger"
	"labgate/internal/metrics"
	"labgate/internal/profile"
	"labgate/internal/registry"
)

// AccessService resolves access tokens and drives enrollment desktops.
type AccessService interface {
	ResolveAccess(ctx context.Context, token string) (*access.Access, error)
	ResolveExamAccess(ctx context.Context, assignmentID int64, token string) (*access.Access, error)
	StartEnrollmentContainer(ctx context.Context, enrollmentID int64) (*access.Access, error)
	StopEnrollmentContainer(ctx context.Context, enrollmentID int64) error
	TeardownEnrollment(ctx context.Context, enrollmentID int64) error
	EndSession(ctx context.Context, key string) error
}

// ExpiryService ends exam sessions.
type ExpiryService interface {
	CheckExpired(ctx context.Context) (int, error)
	EndExamSession(ctx context.Context, id int64) error
}

// Sessions is the read side of the session registry.
type Sessions interface {
	Lookup(key string) (registry.Handle, bool)
	List(ctx context.Context) []registry.Handle
	Len() int
}

// Relay serves the remote-desktop WebSocket for a session.
type Relay interface {
	Serve(w http.ResponseWriter, r *http.Request, key string)
}

// Prober reports whether a desktop accepts connections.
type Prober interface {
	IsReady(ctx context.Context, key string) bool
}

// UpstreamFunc returns the base URL of a desktop's viewer assets.
type UpstreamFunc func(key string, p *profile.Profile) string

// DefaultUpstream reaches the desktop by its session key on the desktop
// network.
func DefaultUpstream(key string, p *profile.Profile) string {
	return "http://" + net.JoinHostPort(key, strconv.Itoa(p.Port))
}

// Config holds configuration for creating a new Server.
type Config struct {
	Addr      string
	Access    AccessService
	Expiry    ExpiryService
	Sessions  Sessions
	Relay     Relay
	Prober    Prober
	Profiles  lifecycle.ProfileSource
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	JWTSecret string
	AuditPath string
	Upstream  UpstreamFunc
}

// Server is the gateway HTTP server.
type Server struct {
	access    AccessService
	expiry    ExpiryService
	sessions  Sessions
	relay     Relay
	prober    Prober
	profiles  lifecycle.ProfileSource
	metrics   *metrics.Metrics
	logger    *zap.Logger
	auditPath string
	upstream  UpstreamFunc
	secret    []byte

	engine *gin.Engine
	server *http.Server
}

// New creates the server and its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Profiles == nil {
		cfg.Profiles = profile.NewHolder(nil)
	}
	if cfg.Upstream == nil {
		cfg.Upstream = DefaultUpstream
	}

	s := &Server{
		access:    cfg.Access,
		expiry:    cfg.Expiry,
		sessions:  cfg.Sessions,
		relay:     cfg.Relay,
		prober:    cfg.Prober,
		profiles:  cfg.Profiles,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.Named("gateway"),
		auditPath: cfg.AuditPath,
		upstream:  cfg.Upstream,
		secret:    []byte(cfg.JWTSecret),
	}
	s.engine = s.routes()

	// No write timeout: relay connections live as long as the desktop
	// session.
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.RequestID(), logger.GinMiddleware(s.logger), s.observe())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	r.GET("/access/:token", s.handleAccess)
	r.GET("/exam/:assignmentId/:token", s.handleExamAccess)
	r.GET("/ready/:key", s.handleReady)
	r.Any("/desktop/:key/*path", s.handleDesktop)

	api := r.Group("/api", s.authenticate(), requireRoles(RoleProfessor, RoleAdmin))
	api.GET("/sessions", s.handleListSessions)
	api.DELETE("/sessions/:key", s.handleEndSession)
	api.GET("/sessions/:key/ready", s.handleReady)
	api.POST("/enrollments/:id/start", s.handleStartEnrollment)
	api.POST("/enrollments/:id/stop", s.handleStopEnrollment)
	api.DELETE("/enrollments/:id/container", s.handleTeardownEnrollment)
	api.POST("/exams/check-expired", s.handleCheckExpired)
	api.POST("/exam-sessions/:id/end", s.handleEndExamSession)
	api.GET("/audit", s.handleAudit)

	return r
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Hijacked relay connections are not tracked by http.Server and close
// with their desktops.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// observe records request metrics.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
