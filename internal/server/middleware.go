package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/craftd/craftd/internal/config"
	"github.com/gin-gonic/gin"
)

const bearerErrorMessage = "Invalid or missing Bearer token"

// requireBearer guards a route group with the configured tokens. The
// comparison is constant-time per token; expired tokens never match. An
// empty token list leaves the group open, which the serve command warns
// about on non-loopback listeners.
func requireBearer(tokens []config.Token) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(tokens) == 0 {
			c.Next()
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			unauthorized(c)
			return
		}
		presented := []byte(strings.TrimSpace(header[len(prefix):]))
		now := time.Now()
		for _, t := range tokens {
			if t.Expired(now) {
				continue
			}
			if subtle.ConstantTimeCompare(presented, []byte(t.Value)) == 1 {
				c.Next()
				return
			}
		}
		unauthorized(c)
	}
}

func unauthorized(c *gin.Context) {
	fail(c, http.StatusUnauthorized, bearerErrorMessage)
	c.Abort()
}
