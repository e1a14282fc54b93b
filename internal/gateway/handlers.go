package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"labgate/internal/apperr"
	"labgate/internal/audit"
	"labgate/internal/registry"
)

const defaultAuditLimit = 100

func (s *Server) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// handleAccess redirects a student to their course desktop.
func (s *Server) handleAccess(c *gin.Context) {
	acc, err := s.access.ResolveAccess(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Redirect(http.StatusFound, acc.RedirectTarget)
}

// handleExamAccess redirects a student to their exam desktop.
func (s *Server) handleExamAccess(c *gin.Context) {
	assignmentID, err := strconv.ParseInt(c.Param("assignmentId"), 10, 64)
	if err != nil || assignmentID <= 0 {
		s.fail(c, apperr.Clone(apperr.ErrNotFound, "exam not found"))
		return
	}
	acc, err := s.access.ResolveExamAccess(c.Request.Context(), assignmentID, c.Param("token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Redirect(http.StatusFound, acc.RedirectTarget)
}

// handleReady reports whether a registered desktop accepts connections.
func (s *Server) handleReady(c *gin.Context) {
	key := c.Param("key")
	ready := false
	if _, ok := s.sessions.Lookup(key); ok {
		ready = s.prober.IsReady(c.Request.Context(), key)
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"ready": ready})
}

// handleDesktop relays the remote-desktop WebSocket and proxies every
// other request to the desktop's viewer.
func (s *Server) handleDesktop(c *gin.Context) {
	key := c.Param("key")
	path := c.Param("path")

	if path == s.profiles.Current().WebsocketPath || websocket.IsWebSocketUpgrade(c.Request) {
		s.relay.Serve(c.Writer, c.Request, key)
		return
	}

	if _, ok := s.sessions.Lookup(key); !ok {
		s.fail(c, apperr.Clone(apperr.ErrNotFound, "session not found"))
		return
	}

	target, err := url.Parse(s.upstream(key, s.profiles.Current()))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.viewerProxy(key, target, path).ServeHTTP(c.Writer, c.Request)
}

func (s *Server) viewerProxy(key string, target *url.URL, path string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("viewer proxy failed", zap.String("key", key), zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.List(c.Request.Context())
	if sessions == nil {
		sessions = []registry.Handle{}
	}
	respond(c, http.StatusOK, sessions)
}

func (s *Server) handleEndSession(c *gin.Context) {
	if err := s.access.EndSession(c.Request.Context(), c.Param("key")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartEnrollment(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	acc, err := s.access.StartEnrollmentContainer(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, acc)
}

func (s *Server) handleStopEnrollment(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	if err := s.access.StopEnrollmentContainer(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTeardownEnrollment(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	if err := s.access.TeardownEnrollment(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCheckExpired(c *gin.Context) {
	n, err := s.expiry.CheckExpired(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"terminated": n})
}

func (s *Server) handleEndExamSession(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	if err := s.expiry.EndExamSession(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAudit(c *gin.Context) {
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(c, apperr.Clone(apperr.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := audit.ReadLog(s.auditPath, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	respond(c, http.StatusOK, entries)
}

func (s *Server) idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.fail(c, apperr.Clone(apperr.ErrValidation, "invalid id"))
		return 0, false
	}
	return id, true
}
