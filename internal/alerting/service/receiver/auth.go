package receiver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// authorized checks the bearer token. An empty configured token disables the check.
func (h *Handler) authorized(c *gin.Context) bool {
	if h.bearer == "" {
		return true
	}
	got := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.bearer)) == 1 {
		return true
	}
	c.JSON(http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
	return false
}
