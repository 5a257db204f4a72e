package apiserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys populated by the identity middleware. The fanout engine
// treats the calling account and session as ambient values resolved by the
// request pipeline; it never authenticates anything itself.
const (
	ctxAccountID = "notifyhub.accountID"
	ctxSessionID = "notifyhub.sessionID"
)

// sessionIDHeader names the header carrying the caller's tab/session id.
const sessionIDHeader = "X-Session-ID"

// Identity resolves the calling account and session for downstream
// handlers. Anonymous callers are allowed: no bearer token means no
// account. A bearer token that fails verification is rejected so that a
// caller cannot act as an account it cannot prove.
func Identity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxSessionID, c.GetHeader(sessionIDHeader))

		auth := c.GetHeader("Authorization")
		if auth == "" || secret == "" {
			c.Next()
			return
		}
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			c.Next()
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		if sub, err := token.Claims.GetSubject(); err == nil {
			c.Set(ctxAccountID, sub)
		}
		c.Next()
	}
}

// CurrentAccountID returns the calling account id, empty for anonymous.
func CurrentAccountID(c *gin.Context) string {
	return c.GetString(ctxAccountID)
}

// CurrentSessionID returns the calling session id from the request header.
func CurrentSessionID(c *gin.Context) string {
	return c.GetString(ctxSessionID)
}
