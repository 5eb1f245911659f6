// Package room connects to the provider's real-time media room over a
// websocket and reports track and disconnect events.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// HeaderClientID carries the caller's opaque device identifier.
const HeaderClientID = "X-Client-Id"

// Kinds of media track.
const (
	KindVideo = "video"
	KindAudio = "audio"
)

// Track is a remote media track published in the room.
type Track struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Participant string `json:"participant"`
}

// Handler receives room events. Callbacks run on the room's read goroutine
// and must not block or call Disconnect. Nil callbacks are skipped.
type Handler struct {
	OnTrackSubscribed   func(Track)
	OnTrackUnsubscribed func(Track)
	// OnDisconnected fires once when the room goes away without a local
	// Disconnect. err is nil for a clean remote close.
	OnDisconnected func(err error)
}

type frame struct {
	Type   string `json:"type"`
	Track  *Track `json:"track,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	frameTrackSubscribed   = "track_subscribed"
	frameTrackUnsubscribed = "track_unsubscribed"
	frameDisconnected      = "disconnected"
	frameLeave             = "leave"
)

// Dialer opens rooms.
type Dialer struct {
	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Connect dials roomURL presenting accessToken and clientID.
func (d *Dialer) Connect(ctx context.Context, roomURL, accessToken, clientID string, h Handler) (*Room, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+accessToken)
	if clientID != "" {
		headers.Set(HeaderClientID, clientID)
	}

	conn, resp, err := dialer.DialContext(ctx, roomURL, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("room connect: status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), err)
		}
		return nil, fmt.Errorf("room connect: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Room{
		conn:    conn,
		handler: h,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Room is a live media room connection.
type Room struct {
	conn    *websocket.Conn
	handler Handler
	logger  *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed once the read loop exits.
func (r *Room) Done() <-chan struct{} { return r.done }

// Disconnect leaves the room and waits for the read loop to stop. It is safe
// to call more than once. OnDisconnected does not fire for a local
// disconnect.
func (r *Room) Disconnect() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.writeMu.Lock()
		_ = r.conn.WriteJSON(frame{Type: frameLeave})
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		r.writeMu.Unlock()
		_ = r.conn.Close()
	})
	<-r.done
	return nil
}

func (r *Room) readLoop() {
	defer close(r.done)
	var cause error
	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.logger.Debug("room: ignoring malformed frame", slog.Any("error", err))
			continue
		}
		if f.Type == frameDisconnected {
			if f.Reason != "" {
				cause = errors.New(f.Reason)
			}
			break
		}
		r.dispatch(f)
	}

	if r.closed.Swap(true) {
		return
	}
	_ = r.conn.Close()
	if r.handler.OnDisconnected != nil {
		r.handler.OnDisconnected(cause)
	}
}

func (r *Room) dispatch(f frame) {
	if f.Track == nil {
		return
	}
	switch f.Type {
	case frameTrackSubscribed:
		if r.handler.OnTrackSubscribed != nil {
			r.handler.OnTrackSubscribed(*f.Track)
		}
	case frameTrackUnsubscribed:
		if r.handler.OnTrackUnsubscribed != nil {
			r.handler.OnTrackUnsubscribed(*f.Track)
		}
	}
}
