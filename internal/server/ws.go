package server

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/craftd/craftd/internal/supervisor"
	"github.com/craftd/craftd/internal/terminal"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long the peer may stay silent before the read
	// side gives up; pings go out at a third of it.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait / 3
	// Close frame payloads are capped at 125 bytes by the protocol.
	wsMaxReason = 120
)

// handleTerminal upgrades /ws/:token. The single-use token is the whole
// authorization; no bearer token is required here. Console lines flow out
// as text frames, each inbound frame is one command, and the close frame
// tells the client why the session ended.
func (r *Router) handleTerminal(c *gin.Context) {
	sess, err := r.mgr.Exchange(c.Param("token"))
	if err != nil {
		failErr(c, err)
		return
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the client.
		sess.Close()
		return
	}
	r.log.Debug("terminal attached", "project_id", sess.ProjectID(), "remote", conn.RemoteAddr())

	// The hijacked connection outlives the request; lifetime is governed
	// by the session and the pumps below.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer sess.Close()

	// Console to client. Sole WriteMessage caller; control frames from
	// the other goroutines use WriteControl, which gorilla permits
	// concurrently.
	go func() {
		defer cancel()
		for {
			line, err := sess.Read(ctx)
			if err != nil {
				deadline := time.Now().Add(wsWriteWait)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason(err))
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(line, "\n")); err != nil {
				return
			}
		}
	}()

	// Keepalive pings.
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				deadline := time.Now().Add(wsWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	// Client to console: one command per frame.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		if err := sess.Write(data); err != nil {
			r.log.Debug("terminal write rejected", "project_id", sess.ProjectID(), "error", err)
			// The console is gone; the reader goroutine delivers the
			// close frame with the reason.
			if errors.Is(err, supervisor.ErrNotRunning) {
				continue
			}
			break
		}
	}

	cancel()
	_ = conn.Close()
}

// closeReason renders the session end cause for the close frame.
func closeReason(err error) string {
	var reason string
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		reason = "session closed"
	case errors.Is(err, terminal.ErrSessionIdle):
		reason = "idle timeout"
	default:
		reason = err.Error()
	}
	if len(reason) > wsMaxReason {
		reason = reason[:wsMaxReason]
	}
	return reason
}
