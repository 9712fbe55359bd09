package dialogue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/types"
)

var (
	// ErrCancelled is the result error of an utterance removed from the queue
	// before it was admitted.
	ErrCancelled = errors.New("dialogue: utterance cancelled")

	// ErrClosed is returned by [Scheduler.Submit] after [Scheduler.Close], and
	// is the result error of utterances still pending at Close.
	ErrClosed = errors.New("dialogue: scheduler closed")

	// ErrInvalidUtterance is returned by [Scheduler.Submit] for utterances
	// without a speaker or with an unknown priority tier.
	ErrInvalidUtterance = errors.New("dialogue: invalid utterance")
)

// Utterance is one unit of speech work. It is a closed value: the scheduler
// copies it on submission and never mutates the caller's copy.
type Utterance struct {
	// ID identifies the utterance. [Scheduler.Submit] assigns a UUID when
	// empty.
	ID string `json:"id"`

	// SpeakerID is the opaque, stable identity of the voice source.
	SpeakerID string `json:"speaker_id"`

	// Text is what is said. It is used for synthesis and logging.
	Text string `json:"text"`

	Priority types.Priority `json:"priority"`

	// Civility is an advisory intensity level; the engine only forwards it.
	Civility int `json:"civility,omitempty"`

	// Language is a BCP-47 tag forwarded to synthesis.
	Language string `json:"language,omitempty"`

	// Audio is an optional pre-synthesized clip. When set, synthesis is
	// skipped.
	Audio *audio.Buffer `json:"-"`

	// Pan and Volume optionally override the speaker's channel position and
	// the clip gain.
	Pan    *float64 `json:"pan,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
}

// Status is the terminal state of an utterance.
type Status int

const (
	// StatusEnded means the playback function returned without error.
	StatusEnded Status = iota + 1

	// StatusFailed means the playback function returned an error.
	StatusFailed

	// StatusCancelled means the utterance was removed before admission.
	StatusCancelled
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Result describes how an utterance finished.
type Result struct {
	UtteranceID string
	SpeakerID   string
	Priority    types.Priority
	Status      Status
	Err         error

	QueuedAt  time.Time
	StartedAt time.Time // zero for cancelled utterances
	EndedAt   time.Time
}

// Ticket tracks one submitted utterance through the scheduler. It replaces
// per-utterance start/end/error callbacks: callers wait on [Ticket.Started]
// and [Ticket.Done] or call [Ticket.Wait].
type Ticket struct {
	id        string
	speakerID string
	sched     *Scheduler

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}

	mu     sync.Mutex
	result Result
}

func newTicket(s *Scheduler, u Utterance) *Ticket {
	return &Ticket{
		id:        u.ID,
		speakerID: u.SpeakerID,
		sched:     s,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the utterance ID.
func (t *Ticket) ID() string { return t.id }

// SpeakerID returns the utterance's speaker.
func (t *Ticket) SpeakerID() string { return t.speakerID }

// Started is closed when the utterance is admitted to a playback slot. It is
// never closed for utterances cancelled while pending.
func (t *Ticket) Started() <-chan struct{} { return t.started }

// Done is closed when the utterance reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the terminal result. It is only meaningful after Done is
// closed.
func (t *Ticket) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Wait blocks until the utterance finishes or ctx is done. The returned error
// is the playback error, [ErrCancelled], [ErrClosed], or ctx.Err().
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		r := t.Result()
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel removes the utterance from the queue if it has not been admitted
// yet. It reports whether the utterance was removed; an admitted utterance is
// unaffected.
func (t *Ticket) Cancel() bool {
	return t.sched.Cancel(t.id)
}

func (t *Ticket) markStarted() {
	t.startedOnce.Do(func() { close(t.started) })
}

func (t *Ticket) finish(r Result) {
	t.mu.Lock()
	t.result = r
	t.mu.Unlock()
	close(t.done)
}
