// Package media holds the local side of a session's media: the set of
// remote tracks attached to the video sink and the microphone recorder.
package media

import (
	"sort"
	"sync"

	"github.com/jmcleod/avatarkey/room"
)

// Sink tracks which remote tracks are attached for playback.
type Sink struct {
	mu     sync.Mutex
	tracks map[string]room.Track
}

func NewSink() *Sink {
	return &Sink{tracks: make(map[string]room.Track)}
}

// Attach records a subscribed track. Re-attaching replaces it.
func (s *Sink) Attach(t room.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[t.ID] = t
}

// Detach removes a track. Unknown IDs are ignored.
func (s *Sink) Detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracks, id)
}

// Clear drops every attached track.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tracks)
}

// Tracks returns the attached tracks ordered by ID.
func (s *Sink) Tracks() []room.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]room.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasVideo reports whether a video track is attached.
func (s *Sink) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind == room.KindVideo {
			return true
		}
	}
	return false
}
