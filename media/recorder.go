package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jmcleod/avatarkey/internal/uuid"
)

var (
	// ErrNotRecording is returned by Push and Stop on an idle recorder.
	ErrNotRecording = errors.New("recorder is not active")
	// ErrTooLarge is returned when a push would exceed the size limit.
	ErrTooLarge = errors.New("recording exceeds size limit")
)

// DefaultMaxBytes caps one utterance.
const DefaultMaxBytes = 10 << 20

// Recording is a finished utterance.
type Recording struct {
	ID          string
	ContentType string
	Data        []byte
}

// Recorder buffers audio chunks for one utterance at a time.
type Recorder struct {
	mu          sync.Mutex
	maxBytes    int
	active      bool
	id          string
	contentType string
	chunks      [][]byte
	size        int
}

// NewRecorder returns an idle recorder. maxBytes <= 0 uses DefaultMaxBytes.
func NewRecorder(maxBytes int) *Recorder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Recorder{maxBytes: maxBytes}
}

// Push appends chunk, starting a new utterance if none is active. The
// content type of the first chunk wins.
func (r *Recorder) Push(chunk []byte, contentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		r.active = true
		r.id = uuid.New()
		r.contentType = contentType
	}
	if r.size+len(chunk) > r.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, r.maxBytes)
	}
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
	r.size += len(chunk)
	return nil
}

// Stop ends the utterance and returns the buffered audio.
func (r *Recorder) Stop() (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return Recording{}, ErrNotRecording
	}
	data := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		data = append(data, c...)
	}
	rec := Recording{ID: r.id, ContentType: r.contentType, Data: data}
	r.reset()
	return rec, nil
}

// Discard stops recording and drops any buffered chunks.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Recorder) reset() {
	r.active = false
	r.id = ""
	r.contentType = ""
	r.chunks = nil
	r.size = 0
}

// Active reports whether an utterance is being recorded.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Buffered returns the number of buffered bytes.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
