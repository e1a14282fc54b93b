package gateway

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"labgate/internal/apperr"
)

// Operator roles accepted by the operator API.
const (
	RoleProfessor = "professor"
	RoleAdmin     = "admin"
	RoleStudent   = "student"
)

const operatorKey = "operator"

// Claims is the operator token payload issued by the course platform.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// authenticate requires a valid HS256 bearer token.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			respondError(c, apperr.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondError(c, apperr.Clone(apperr.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := s.parseToken(parts[1])
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}

		c.Set(operatorKey, claims)
		c.Next()
	}
}

func (s *Server) parseToken(raw string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, apperr.Clone(apperr.ErrUnauthorized, "operator API disabled")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Wrap(err, apperr.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

// requireRoles rejects operators whose role is not listed.
func requireRoles(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := operator(c)
		if !ok {
			respondError(c, apperr.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			respondError(c, apperr.ErrOperatorForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

func operator(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(operatorKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
