package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/craftd/craftd/pkg/client"
)

// attachConsole bridges the local terminal to a project's console: fetch a
// single-use ticket, upgrade the websocket, then pump line traffic both
// ways until the daemon closes the session or the input hits EOF.
func attachConsole(api *client.Client, id int64, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	grant, err := api.Connect(ctx, id)
	cancel()
	if err != nil {
		return err
	}
	wsURL, err := api.WebsocketURL(grant.Path)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		TLSClientConfig:  api.TLSConfig(),
	}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("terminal upgrade rejected: %s", resp.Status)
		}
		return fmt.Errorf("terminal upgrade: %w", err)
	}
	defer func() { _ = conn.Close() }()

	fmt.Fprintf(out, "Attached to project %d console. Ctrl-D detaches.\n", id)

	// Console frames out. ReadMessage also services the daemon's pings.
	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			fmt.Fprintf(out, "%s\n", data)
		}
	}()

	// One command per local line. On EOF ask the daemon for a clean close;
	// the read side then drains the close frame and finishes.
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detached")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}()

	err = <-done
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" && ce.Text != "detached" {
			fmt.Fprintf(out, "Session closed: %s\n", ce.Text)
		}
		return nil
	}
	return err
}
