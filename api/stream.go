package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// StreamSession handles GET /sessions/stream. It upgrades to a websocket
// and pushes a snapshot on every countdown tick and state change, starting
// with the current one.
func (a *API) StreamSession(w http.ResponseWriter, r *http.Request) {
	c, ok := a.controller(w, r)
	if !ok {
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(a.wsOrigins) > 0 {
		opts.OriginPatterns = a.wsOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snaps, unsubscribe := c.Subscribe()
	defer unsubscribe()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-c.Done():
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case snap, ok := <-snaps:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, snap)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
