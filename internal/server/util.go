package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/craftd/craftd/internal/manager"
	"github.com/craftd/craftd/internal/project"
	"github.com/craftd/craftd/internal/registry"
	"github.com/craftd/craftd/internal/supervisor"
	"github.com/craftd/craftd/internal/terminal"
	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// ok writes the uniform success envelope, merging extra fields in.
func ok(c *gin.Context, code int, extra gin.H) {
	payload := gin.H{"success": true}
	for k, v := range extra {
		payload[k] = v
	}
	writeJSON(c, code, payload)
}

func fail(c *gin.Context, code int, msg string) {
	writeJSON(c, code, gin.H{"success": false, "error": msg})
}

func failErr(c *gin.Context, err error) {
	fail(c, statusFor(err), err.Error())
}

// statusFor classifies errors from the manager stack into HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, supervisor.ErrUnknownProject),
		errors.Is(err, terminal.ErrUnknownToken),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, terminal.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, manager.ErrNotAllowed),
		errors.Is(err, manager.ErrPathEscapes):
		return http.StatusForbidden
	case errors.Is(err, manager.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, registry.ErrDuplicatePath),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, manager.ErrProjectRunning),
		errors.Is(err, terminal.ErrTokenConsumed):
		return http.StatusConflict
	case errors.Is(err, project.ErrInvalidConfig),
		errors.Is(err, manager.ErrNotAFile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// projectID parses the :id route parameter; a non-numeric id answers 400.
func projectID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}
