package dialogue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/quarrel/pkg/types"
)

// EventKind names a lifecycle transition published on a [Bus].
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventEnded     EventKind = "ended"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"

	EventSessionStarted EventKind = "session_started"
	EventSegmentStarted EventKind = "segment_started"
	EventSegmentFailed  EventKind = "segment_failed"
	EventSessionEnded   EventKind = "session_ended"
	EventInterjection   EventKind = "interjection"
)

// Event is a lifecycle notification. Fields that do not apply to a kind are
// left at their zero value.
type Event struct {
	Kind        EventKind      `json:"kind"`
	Time        time.Time      `json:"time"`
	SpeakerID   string         `json:"speaker_id,omitempty"`
	UtteranceID string         `json:"utterance_id,omitempty"`
	Priority    types.Priority `json:"priority"`
	Text        string         `json:"text,omitempty"`
	Error       string         `json:"error,omitempty"`

	// Long-form playback.
	SessionID   string `json:"session_id,omitempty"`
	Segment     int    `json:"segment,omitempty"`
	Total       int    `json:"total,omitempty"`
	Completed   int    `json:"completed,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`

	// Interjections.
	InterrupterID string `json:"interrupter_id,omitempty"`
}

// defaultSubscriberBuffer is the channel capacity given to subscribers that
// ask for zero.
const defaultSubscriberBuffer = 256

// Bus fans events out to any number of subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event, and the miss is
// counted in [Bus.Dropped].
//
// The zero value is ready to use. A nil *Bus discards everything.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextSubID int
	dropped   atomic.Int64
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers a new subscriber with the given channel buffer and
// returns its channel together with an unsubscribe function. Unsubscribing
// closes the channel; calling it twice is harmless.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber. Time is filled in when zero.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// not keeping up.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
