package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/craftd/craftd/internal/project"
	"github.com/gin-gonic/gin"
)

// maxCreateBody bounds the create/add request documents; uploads go
// through the file endpoint with its own limit.
const maxCreateBody = 1 << 20

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleStatus(c *gin.Context) {
	ov, err := r.mgr.Overview(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"projects":   ov.Projects,
		"running":    ov.Running,
		"started_at": ov.StartedAt,
	})
}

func (r *Router) handleList(c *gin.Context) {
	list, err := r.mgr.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"projects": list})
}

func (r *Router) handleAdd(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Path == "" {
		fail(c, http.StatusBadRequest, "path required")
		return
	}
	rec, err := r.mgr.Add(c.Request.Context(), req.Path)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"project": rec})
}

// handleCreate accepts the JSON mirror of project.toml. Omitted sections
// keep their defaults, exactly like loading the file would.
func (r *Router) handleCreate(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCreateBody))
	if err != nil {
		fail(c, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var probe struct {
		Project struct {
			Name string `json:"name"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	cfg := project.Default(probe.Project.Name)
	if err := json.Unmarshal(body, &cfg); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rec, err := r.mgr.Create(c.Request.Context(), cfg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"project": rec})
}

func (r *Router) handleRemove(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	if err := r.mgr.Remove(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (r *Router) handleDescribe(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	d, err := r.mgr.Describe(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"project": d})
}

func (r *Router) handleStart(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	if err := r.mgr.Start(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (r *Router) handleStop(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	if err := r.mgr.Stop(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (r *Router) handleBackup(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	res, err := r.mgr.BackupNow(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"result": res})
}

func (r *Router) handleFileGet(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	rel := c.Query("path")
	if rel == "" {
		fail(c, http.StatusBadRequest, "path query parameter required")
		return
	}
	f, fi, err := r.mgr.ReadFile(c.Request.Context(), id, rel)
	if err != nil {
		failErr(c, err)
		return
	}
	defer func() { _ = f.Close() }()
	c.DataFromReader(http.StatusOK, fi.Size(), "application/octet-stream", f, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", fi.Name()),
	})
}

func (r *Router) handleFilePut(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	rel := c.Query("path")
	if rel == "" {
		fail(c, http.StatusBadRequest, "path query parameter required")
		return
	}
	n, err := r.mgr.WriteFile(c.Request.Context(), id, rel, c.Request.Body)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"written": n})
}

func (r *Router) handleConnect(c *gin.Context) {
	id, okID := projectID(c)
	if !okID {
		return
	}
	g, err := r.mgr.Connect(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"path":       r.basePath + "/ws/" + g.Token,
		"expires_at": g.ExpiresAt,
	})
}
