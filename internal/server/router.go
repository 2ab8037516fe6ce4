// Package server exposes the manager over HTTP: a JSON control API, file
// transfer, the websocket terminal, and the metrics endpoint. All handlers
// are thin; behavior and authorization of project operations live in the
// manager.
package server

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/craftd/craftd/internal/config"
	"github.com/craftd/craftd/internal/manager"
	"github.com/craftd/craftd/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Config wires a Router.
type Config struct {
	Manager *manager.Manager
	// BasePath prefixes every route, e.g. "/api". Empty mounts at root.
	BasePath string
	// Tokens are the accepted bearer tokens. An empty list disables
	// authentication; the default config binds to loopback only.
	Tokens []config.Token
	// Metrics exposes GET /metrics (behind auth) when true.
	Metrics bool
	Logger  *slog.Logger
}

// Router provides the embeddable HTTP surface of the daemon.
type Router struct {
	mgr      *manager.Manager
	basePath string
	tokens   []config.Token
	metrics  bool
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewRouter(cfg Config) *Router {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		mgr:      cfg.Manager,
		basePath: sanitizeBase(cfg.BasePath),
		tokens:   cfg.Tokens,
		metrics:  cfg.Metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Terminal access is granted by the single-use token in the
			// path, not by the page origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the gin-powered handler, mountable in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	base := g.Group(r.basePath)

	base.GET("/healthz", r.handleHealthz)
	base.GET("/ws/:token", r.handleTerminal)

	authed := base.Group("", requireBearer(r.tokens))
	if r.metrics {
		authed.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	control := authed.Group("/control")
	control.GET("/status", r.handleStatus)
	control.GET("/list", r.handleList)
	control.POST("/add", r.handleAdd)
	control.POST("/create", r.handleCreate)
	control.DELETE("/remove/:id", r.handleRemove)

	proj := authed.Group("/project")
	proj.GET("/:id", r.handleDescribe)
	proj.POST("/:id/start", r.handleStart)
	proj.POST("/:id/stop", r.handleStop)
	proj.POST("/:id/backup", r.handleBackup)
	proj.GET("/:id/file", r.handleFileGet)
	proj.PUT("/:id/file", r.handleFilePut)
	proj.GET("/:id/connect", r.handleConnect)

	return g
}

// NewServer builds the http.Server for the control API. Read and write
// timeouts are deliberately not set: terminal websockets are long-lived.
func NewServer(addr string, tlsConf *tls.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
