package delivery

import (
	"slices"
	"sync"
	"time"

	"github.com/tOgg1/parley/internal/models"
)

// Transcript is a viewer's ordered, id-deduplicated copy of a thread.
// The watermark only moves on store batches, so a message appended locally
// never hides counterpart messages stored before it.
type Transcript struct {
	mu        sync.RWMutex
	messages  []models.Message
	seen      map[string]struct{}
	watermark time.Time
}

// NewTranscript returns an empty transcript starting at watermark.
func NewTranscript(watermark time.Time) *Transcript {
	return &Transcript{
		seen:      make(map[string]struct{}),
		watermark: watermark,
	}
}

// Merge adds a batch fetched from the store and returns the messages that
// were not already present, in transcript order. The watermark advances to
// the newest message in the batch and never moves backwards.
func (t *Transcript) Merge(batch []models.Message) []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []models.Message
	for _, msg := range batch {
		if msg.SentAt.After(t.watermark) {
			t.watermark = msg.SentAt
		}
		if t.insertLocked(msg) {
			added = append(added, msg)
		}
	}
	slices.SortStableFunc(added, compareMessages)
	return added
}

// AppendLocal adds a message the viewer just sent. Returns false when the
// message was already present.
func (t *Transcript) AppendLocal(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(msg)
}

func (t *Transcript) insertLocked(msg models.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, ok := t.seen[msg.ID]; ok {
		return false
	}
	t.seen[msg.ID] = struct{}{}

	// Batches arrive in order, so the common case appends at the tail.
	i := len(t.messages)
	for i > 0 && msg.Before(t.messages[i-1]) {
		i--
	}
	t.messages = slices.Insert(t.messages, i, msg)
	return true
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Watermark returns the SentAt of the newest merged store message.
func (t *Transcript) Watermark() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watermark
}

func compareMessages(a, b models.Message) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}
