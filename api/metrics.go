package api

import (
	"log/slog"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertUnlockFailureSpike AlertType = "unlock_failure_spike"
	AlertCredentialDenials  AlertType = "credential_denials"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

func logAlert(logger *slog.Logger) AlertFunc {
	logger = logger.With("component", "alerts")
	return func(e AlertEvent) {
		logger.Warn(e.Message,
			slog.String("type", string(e.Type)),
			slog.Int("count", e.Count),
			slog.Int("threshold", e.Threshold),
		)
	}
}

// window is a sliding-window counter that alerts once per spike.
type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
}

// add records an event at now and reports the count if the threshold was
// reached. The window is emptied after an alert.
func (w *window) add(now time.Time) (int, bool) {
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.span)
	if len(w.times) < w.threshold {
		return 0, false
	}
	n := len(w.times)
	w.times = w.times[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	unlockFailures window
	denials        window

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultUnlockFailureWindow    = 1 * time.Minute
	defaultUnlockFailureThreshold = 20
	defaultDenialWindow           = 5 * time.Minute
	defaultDenialThreshold        = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		unlockFailures: window{span: defaultUnlockFailureWindow, threshold: defaultUnlockFailureThreshold},
		denials:        window{span: defaultDenialWindow, threshold: defaultDenialThreshold},
		alertFn:        alertFn,
		now:            time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditUnlockFailure:
		m.record(&m.unlockFailures, AlertUnlockFailureSpike, "unlock failure rate exceeds threshold")
	case AuditCredentialsDenied:
		m.record(&m.denials, AlertCredentialDenials, "credential writes with bad grants exceed threshold")
	}
}

func (m *metricsCollector) record(w *window, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	n, fire := w.add(now)
	threshold := w.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
