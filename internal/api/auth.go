package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants access to the maintenance endpoints
const RoleAdmin = "admin"

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// Claims are the token claims the API reads. The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate verifies an HS256 bearer token and stores its subject and
// role on the request context. An empty secret rejects every request.
func Authenticate(secret string) gin.HandlerFunc {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(key) == 0 || !strings.HasPrefix(header, "Bearer ") {
			abortWithError(c, errUnauthorized)
			return
		}

		var claims Claims
		token, err := parser.ParseWithClaims(strings.TrimSpace(header[len("Bearer "):]), &claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			abortWithError(c, errUnauthorized)
			return
		}

		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequireRole rejects authenticated callers without role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !hasRole(c, role) {
			abortWithError(c, errForbidden)
			return
		}
		c.Next()
	}
}

func hasRole(c *gin.Context, role string) bool {
	return c.GetString(ctxRole) == role
}

func abortWithError(c *gin.Context, e *Error) {
	c.AbortWithStatusJSON(e.Code, gin.H{"success": false, "error": e.Message})
}

// SignToken issues an HS256 token for userID valid for ttl
func SignToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
