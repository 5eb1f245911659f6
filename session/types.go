package session

import (
	"context"
	"time"

	"github.com/jmcleod/avatarkey/provider"
	"github.com/jmcleod/avatarkey/room"
	"github.com/jmcleod/avatarkey/vault"
)

// State is the lifecycle state of a client's streaming session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateWarning    State = "warning"
	StateEnded      State = "ended"
)

// Live reports whether the state has an established session.
func (s State) Live() bool { return s == StateConnected || s == StateWarning }

// Reasons recorded when a session ends.
const (
	ReasonStopped          = "stopped"
	ReasonTimeout          = "timeout"
	ReasonRoomDisconnected = "room_disconnected"
	ReasonInactive         = "provider_inactive"
	ReasonIdle             = "idle"
	ReasonShutdown         = "shutdown"
)

// Provider is the subset of the remote provider API a session uses.
type Provider interface {
	NewSession(ctx context.Context, req provider.NewSessionRequest) (provider.SessionInfo, error)
	KeepAlive(ctx context.Context, sessionID string, minutes int) error
	Interrupt(ctx context.Context, sessionID string) error
	End(ctx context.Context, sessionID string) error
	Say(ctx context.Context, sessionID, text string) error
	SpeechToText(ctx context.Context, audio []byte, contentType string) (string, error)
}

// ProviderFactory builds a Provider for one API key and client.
type ProviderFactory func(apiKey, clientID string) Provider

// Room is a joined media room.
type Room interface {
	Disconnect() error
}

// RoomConnector joins media rooms.
type RoomConnector interface {
	Connect(ctx context.Context, roomURL, accessToken, clientID string, h room.Handler) (Room, error)
}

// RoomDialer adapts a room.Dialer to RoomConnector.
func RoomDialer(d *room.Dialer) RoomConnector { return dialerConnector{d} }

type dialerConnector struct{ d *room.Dialer }

func (c dialerConnector) Connect(ctx context.Context, roomURL, accessToken, clientID string, h room.Handler) (Room, error) {
	r, err := c.d.Connect(ctx, roomURL, accessToken, clientID, h)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CredentialSource looks up decrypted provider credentials.
type CredentialSource interface {
	Fetch(ctx context.Context, avatarID string) (vault.Credentials, error)
}

// Config holds session timing.
type Config struct {
	// Duration is the initial and post-extension session length.
	Duration time.Duration
	// WarnThreshold is the remaining time at which the session enters Warning.
	WarnThreshold time.Duration
	// ExtendMinutes is sent to the provider on each extension.
	ExtendMinutes int
	// Cooldown is enforced between the end of teardown and the next Start.
	Cooldown time.Duration
	// IdleTimeout ends a live session with no activity. Zero disables it.
	IdleTimeout time.Duration
	// TickInterval drives the countdown.
	TickInterval time.Duration
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// MaxAudioBytes caps one buffered utterance.
	MaxAudioBytes int
}

// DefaultConfig returns a five minute session with a ten second warning.
func DefaultConfig() Config {
	return Config{
		Duration:      5 * time.Minute,
		WarnThreshold: 10 * time.Second,
		ExtendMinutes: 5,
		Cooldown:      time.Second,
		TickInterval:  time.Second,
		CallTimeout:   15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = d.WarnThreshold
	}
	if c.ExtendMinutes <= 0 {
		c.ExtendMinutes = d.ExtendMinutes
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// durationMinutes rounds Duration up to whole minutes for the provider.
func (c Config) durationMinutes() int {
	return int((c.Duration + time.Minute - 1) / time.Minute)
}

// StartRequest selects the avatar and conversation options for Start.
type StartRequest struct {
	AvatarID  string
	Language  string
	Backstory string
}

// Snapshot is the externally visible state of a client's session.
type Snapshot struct {
	ClientID         string       `json:"client_id"`
	State            State        `json:"state"`
	SessionID        string       `json:"session_id,omitempty"`
	AvatarID         string       `json:"avatar_id,omitempty"`
	StartedAt        time.Time    `json:"started_at,omitzero"`
	SecondsRemaining int          `json:"seconds_remaining"`
	Extensions       int          `json:"extensions"`
	Tracks           []room.Track `json:"tracks,omitempty"`
	RoomConnected    bool         `json:"room_connected"`
	VideoReady       bool         `json:"video_ready"`
	RecorderActive   bool         `json:"recorder_active"`
	BufferedAudio    int          `json:"buffered_audio_bytes"`
	IdleArmed        bool         `json:"idle_armed"`
	EndReason        string       `json:"end_reason,omitempty"`
}

// EventKind classifies lifecycle notifications.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventExtended EventKind = "extended"
	EventEnded    EventKind = "ended"
)

// Event is a lifecycle notification for audit logging.
type Event struct {
	Kind      EventKind
	ClientID  string
	SessionID string
	AvatarID  string
	Reason    string
}
