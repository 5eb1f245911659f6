package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHub_PublishKeepsNewest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Snapshot{SecondsRemaining: 3})
	h.Publish(Snapshot{SecondsRemaining: 2})
	h.Publish(Snapshot{SecondsRemaining: 1})

	got := <-ch
	assert.Equal(t, 1, got.SecondsRemaining)
	select {
	case <-ch:
		t.Fatal("expected a single buffered snapshot")
	default:
	}
}

func TestHub_UnsubscribeClosesOnce(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Len())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())

	h.Publish(Snapshot{})
}
