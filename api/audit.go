package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditUnlockSuccess       AuditEvent = "unlock_success"
	AuditUnlockFailure       AuditEvent = "unlock_failure"
	AuditUnlockRateLimited   AuditEvent = "unlock_rate_limited"
	AuditCredentialsSaved    AuditEvent = "credentials_saved"
	AuditCredentialsRejected AuditEvent = "credentials_rejected"
	AuditCredentialsDenied   AuditEvent = "credentials_denied"
	AuditCredentialsRead     AuditEvent = "credentials_read"
	AuditCredentialsDeleted  AuditEvent = "credentials_deleted"
	AuditSessionStarted      AuditEvent = "session_started"
	AuditSessionExtended     AuditEvent = "session_extended"
	AuditSessionEnded        AuditEvent = "session_ended"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Entries carry grant IDs, never
// grant tokens, passwords or credential values.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("remote_addr", r.RemoteAddr),
	}
	al.write(r.Context(), event, append(baseAttrs, attrs...))
}

// logBackground records an event that did not originate from a request.
func (al *auditLogger) logBackground(event AuditEvent, attrs ...slog.Attr) {
	al.write(context.Background(), event, attrs)
}

func (al *auditLogger) write(ctx context.Context, event AuditEvent, attrs []slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all,
		slog.String("event", string(event)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	)
	all = append(all, attrs...)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", all...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logAvatar is a convenience for credential events.
func (al *auditLogger) logAvatar(event AuditEvent, r *http.Request, avatarID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("avatar_id", avatarID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
