package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RolePlayer   = "player"
	RoleOperator = "operator"

	ctxUserID = "userID"
	ctxRole   = "role"
)

// Claims identify the caller. The user id travels in the standard subject claim.
type Claims struct {
	Role string `json:"role"`

	jwt.RegisteredClaims
}

// Authenticator turns bearer tokens into a user id and role.
type Authenticator struct {
	Secret []byte
	Issuer string
	// DevHeaders accepts X-User-ID / X-User-Role when no token is sent.
	DevHeaders bool
}

func (a Authenticator) Sign(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a Authenticator) Verify(token string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return Claims{}, errors.New("invalid token")
	}
	return *c, nil
}

// Middleware authenticates every request of the group it is attached to.
func (a Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && len(a.Secret) > 0 {
			claims, err := a.Verify(strings.TrimSpace(token))
			if err != nil {
				abortError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}
			role := claims.Role
			if role == "" {
				role = RolePlayer
			}
			c.Set(ctxUserID, claims.Subject)
			c.Set(ctxRole, role)
			c.Next()
			return
		}
		if a.DevHeaders {
			if userID := c.GetHeader("X-User-ID"); userID != "" {
				role := c.GetHeader("X-User-Role")
				if role == "" {
					role = RolePlayer
				}
				c.Set(ctxUserID, userID)
				c.Set(ctxRole, role)
				c.Next()
				return
			}
		}
		abortError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing credentials")
	}
}

// RequireOperator restricts a group to operators.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != RoleOperator {
			abortError(c, http.StatusForbidden, "FORBIDDEN", "operator role required")
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
