package provider

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

// NewSessionRequest starts a streaming avatar session.
type NewSessionRequest struct {
	AvatarID        string `json:"avatar_id"`
	VoiceID         string `json:"voice_id,omitempty"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	Language        string `json:"language,omitempty"`
	Backstory       string `json:"knowledge_base,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// SessionInfo is the provider's answer to NewSession.
type SessionInfo struct {
	SessionID   string `json:"session_id"`
	RoomURL     string `json:"url"`
	AccessToken string `json:"access_token"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

// NewSession creates a remote streaming session.
func (c *Client) NewSession(ctx context.Context, req NewSessionRequest) (SessionInfo, error) {
	var info SessionInfo
	if err := c.postJSON(ctx, "/v1/streaming.new", req, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.SessionID == "" || info.RoomURL == "" || info.AccessToken == "" {
		return SessionInfo{}, unavailable("/v1/streaming.new", fmt.Errorf("incomplete session info"))
	}
	return info, nil
}

// KeepAlive extends sessionID by minutes. It returns ErrSessionInactive if
// the provider already ended the session.
func (c *Client) KeepAlive(ctx context.Context, sessionID string, minutes int) error {
	return c.postJSON(ctx, "/v1/streaming.keep_alive", struct {
		SessionID     string `json:"session_id"`
		ExtendMinutes int    `json:"extend_minutes"`
	}{sessionID, minutes}, nil)
}

// Interrupt stops whatever the avatar is currently saying.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/v1/streaming.interrupt", sessionRef{sessionID}, nil)
}

// End terminates sessionID on the provider.
func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/v1/streaming.stop", sessionRef{sessionID}, nil)
}

// Say makes the avatar speak text verbatim.
func (c *Client) Say(ctx context.Context, sessionID, text string) error {
	return c.postJSON(ctx, "/v1/streaming.task", struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
		TaskType  string `json:"task_type"`
	}{sessionID, text, "repeat"}, nil)
}

// SpeechToText uploads an audio clip and returns its transcript.
func (c *Client) SpeechToText(ctx context.Context, audio []byte, contentType string) (string, error) {
	const path = "/v1/audio/transcriptions"
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio."+audioExt(contentType))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, path, buf.Bytes(), mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := decodeResponse(path, status, body, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func audioExt(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return "wav"
	case strings.Contains(contentType, "ogg"):
		return "ogg"
	case strings.Contains(contentType, "mpeg"), strings.Contains(contentType, "mp3"):
		return "mp3"
	default:
		return "webm"
	}
}
