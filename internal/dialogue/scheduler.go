// Package dialogue implements the dialogue scheduler: a bounded-concurrency,
// priority-ordered admission controller for utterances.
//
// The scheduler decides when each utterance is handed to the playback
// function; it does not know how audio is produced. Admission follows three
// rules:
//
//   - At most [Scheduler.MaxConcurrent] speakers play at once (default 2).
//   - Pending utterances are admitted by tier (MainFight > QuickJab >
//     NormalChat) and by submission order within a tier.
//   - A speaker never occupies two slots; an utterance whose speaker is
//     already playing waits while later utterances of other speakers may be
//     admitted past it.
//
// Completion of an utterance, successful or not, always frees its slot and
// triggers a new scheduling pass, so one failure never blocks the queue.
package dialogue

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/quarrel/internal/observe"
)

// DefaultMaxConcurrent is the default number of speakers allowed to play at
// the same time.
const DefaultMaxConcurrent = 2

// PlayFunc produces the sound for an admitted utterance and returns when
// playback ended. It runs on its own goroutine. ctx is cancelled only when
// the scheduler is closed.
type PlayFunc func(ctx context.Context, u *Utterance) error

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithMaxConcurrent sets the concurrency bound. Values below 1 are ignored.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithBus sets the event bus lifecycle events are published on.
func WithBus(b *Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Playing describes one admitted utterance.
type Playing struct {
	UtteranceID string    `json:"utterance_id"`
	SpeakerID   string    `json:"speaker_id"`
	Priority    string    `json:"priority"`
	Text        string    `json:"text"`
	StartedAt   time.Time `json:"started_at"`
}

// Scheduler is the dialogue scheduler. Create it with [New]; all exported
// methods are safe for concurrent use.
type Scheduler struct {
	play    PlayFunc
	bus     *Bus
	metrics *observe.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	maxConcurrent int
	queue         utteranceHeap
	byID          map[string]*entry // pending entries
	playing       map[string]*entry // speaker → admitted entry
	seq           uint64
	closed        bool
}

// New creates a scheduler that hands admitted utterances to play.
func New(play PlayFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		play:          play,
		maxConcurrent: DefaultMaxConcurrent,
		log:           slog.Default(),
		byID:          make(map[string]*entry),
		playing:       make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	heap.Init(&s.queue)
	return s
}

// Bus returns the bus lifecycle events are published on (possibly nil).
func (s *Scheduler) Bus() *Bus { return s.bus }

// Submit enqueues u and runs a scheduling pass. The returned ticket reports
// admission and completion.
func (s *Scheduler) Submit(u Utterance) (*Ticket, error) {
	if u.SpeakerID == "" {
		return nil, fmt.Errorf("%w: missing speaker", ErrInvalidUtterance)
	}
	if !u.Priority.IsValid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidUtterance, int(u.Priority))
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, dup := s.byID[u.ID]; dup {
		return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidUtterance, u.ID)
	}

	s.seq++
	e := &entry{utt: u, seq: s.seq, queuedAt: time.Now()}
	e.ticket = newTicket(s, u)
	heap.Push(&s.queue, e)
	s.byID[u.ID] = e
	s.metrics.QueueLength.Add(s.ctx, 1)

	s.bus.Publish(Event{
		Kind:        EventQueued,
		SpeakerID:   u.SpeakerID,
		UtteranceID: u.ID,
		Priority:    u.Priority,
		Text:        u.Text,
	})
	s.log.Debug("dialogue: utterance queued",
		"speaker", u.SpeakerID, "utterance_id", u.ID, "priority", u.Priority.String())

	s.scheduleLocked()
	return e.ticket, nil
}

// scheduleLocked admits pending utterances while slots are free. Entries
// whose speaker is already playing are skipped and put back afterwards with
// their original sequence number, so they keep their place.
func (s *Scheduler) scheduleLocked() {
	if s.closed {
		return
	}
	var skipped []*entry
	for len(s.playing) < s.maxConcurrent && s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*entry)
		if _, busy := s.playing[e.utt.SpeakerID]; busy {
			skipped = append(skipped, e)
			continue
		}
		s.admitLocked(e)
	}
	for _, e := range skipped {
		heap.Push(&s.queue, e)
	}
}

func (s *Scheduler) admitLocked(e *entry) {
	delete(s.byID, e.utt.ID)
	s.playing[e.utt.SpeakerID] = e
	startedAt := time.Now()
	e.startedAt = startedAt

	s.metrics.QueueLength.Add(s.ctx, -1)
	s.metrics.ActiveSpeakers.Add(s.ctx, 1)
	s.bus.Publish(Event{
		Kind:        EventStarted,
		Time:        startedAt,
		SpeakerID:   e.utt.SpeakerID,
		UtteranceID: e.utt.ID,
		Priority:    e.utt.Priority,
		Text:        e.utt.Text,
	})
	e.ticket.markStarted()

	s.wg.Add(1)
	go s.run(e)
}

// run executes the playback function for an admitted entry and releases its
// slot afterwards.
func (s *Scheduler) run(e *entry) {
	defer s.wg.Done()
	startedAt := e.startedAt

	u := e.utt
	err := s.play(s.ctx, &u)
	endedAt := time.Now()

	res := Result{
		UtteranceID: e.utt.ID,
		SpeakerID:   e.utt.SpeakerID,
		Priority:    e.utt.Priority,
		Status:      StatusEnded,
		Err:         err,
		QueuedAt:    e.queuedAt,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
	}
	ev := Event{
		Kind:        EventEnded,
		Time:        endedAt,
		SpeakerID:   e.utt.SpeakerID,
		UtteranceID: e.utt.ID,
		Priority:    e.utt.Priority,
	}
	if err != nil {
		res.Status = StatusFailed
		ev.Kind = EventFailed
		ev.Error = err.Error()
		s.log.Warn("dialogue: playback failed",
			"speaker", e.utt.SpeakerID, "utterance_id", e.utt.ID, "err", err)
	}

	s.metrics.ActiveSpeakers.Add(s.ctx, -1)
	s.metrics.RecordPlayback(s.ctx, e.utt.Priority.String(), endedAt.Sub(startedAt))
	s.metrics.RecordUtterance(s.ctx, e.utt.Priority.String(), res.Status.String())

	s.mu.Lock()
	if s.playing[e.utt.SpeakerID] == e {
		delete(s.playing, e.utt.SpeakerID)
	}
	s.bus.Publish(ev)
	e.ticket.finish(res)
	s.scheduleLocked()
	s.mu.Unlock()
}

// Cancel removes one pending utterance. It reports whether the utterance was
// pending; admitted utterances are not affected.
func (s *Scheduler) Cancel(utteranceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[utteranceID]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	s.dropLocked(e, ErrCancelled)
	return true
}

// CancelSpeaker removes every pending utterance of speakerID and returns how
// many were removed. An utterance of that speaker that is already playing is
// not affected; use the mixer's Silence for that.
func (s *Scheduler) CancelSpeaker(speakerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(func(e *entry) bool { return e.utt.SpeakerID == speakerID }, ErrCancelled)
}

// StopAll clears the pending queue and returns how many utterances were
// removed. In-flight playback continues.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(func(*entry) bool { return true }, ErrCancelled)
}

func (s *Scheduler) removeLocked(match func(*entry) bool, reason error) int {
	var keep utteranceHeap
	removed := 0
	for _, e := range s.queue {
		if match(e) {
			s.dropLocked(e, reason)
			removed++
			continue
		}
		keep = append(keep, e)
	}
	s.queue = keep
	for i, e := range s.queue {
		e.index = i
	}
	heap.Init(&s.queue)
	return removed
}

// dropLocked finishes a pending entry that has already been taken out of the
// heap.
func (s *Scheduler) dropLocked(e *entry, reason error) {
	delete(s.byID, e.utt.ID)
	s.metrics.QueueLength.Add(s.ctx, -1)
	s.metrics.RecordUtterance(s.ctx, e.utt.Priority.String(), StatusCancelled.String())
	s.bus.Publish(Event{
		Kind:        EventCancelled,
		SpeakerID:   e.utt.SpeakerID,
		UtteranceID: e.utt.ID,
		Priority:    e.utt.Priority,
		Error:       reason.Error(),
	})
	e.ticket.finish(Result{
		UtteranceID: e.utt.ID,
		SpeakerID:   e.utt.SpeakerID,
		Priority:    e.utt.Priority,
		Status:      StatusCancelled,
		Err:         reason,
		QueuedAt:    e.queuedAt,
		EndedAt:     time.Now(),
	})
}

// PlayingSpeakers returns the speakers that currently hold a slot, ordered by
// admission time.
func (s *Scheduler) PlayingSpeakers() []string {
	p := s.PlayingUtterances()
	out := make([]string, len(p))
	for i := range p {
		out[i] = p[i].SpeakerID
	}
	return out
}

// PlayingUtterances returns the admitted utterances, ordered by admission
// time.
func (s *Scheduler) PlayingUtterances() []Playing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Playing, 0, len(s.playing))
	for _, e := range s.playing {
		out = append(out, Playing{
			UtteranceID: e.utt.ID,
			SpeakerID:   e.utt.SpeakerID,
			Priority:    e.utt.Priority.String(),
			Text:        e.utt.Text,
			StartedAt:   e.startedAt,
		})
	}
	slices.SortFunc(out, func(a, b Playing) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SpeakerID, b.SpeakerID)
	})
	return out
}

// IsSpeakerPlaying reports whether speakerID currently holds a slot.
func (s *Scheduler) IsSpeakerPlaying(speakerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.playing[speakerID]
	return ok
}

// QueueLength returns the number of pending utterances.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Pending returns the pending utterances in admission order.
func (s *Scheduler) Pending() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := slices.Clone(s.queue)
	slices.SortFunc(entries, func(a, b *entry) int {
		if a.utt.Priority != b.utt.Priority {
			return cmp.Compare(b.utt.Priority, a.utt.Priority)
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]Utterance, len(entries))
	for i, e := range entries {
		out[i] = e.utt
	}
	return out
}

// HasFreeSlot reports whether another speaker could be admitted right now.
func (s *Scheduler) HasFreeSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playing) < s.maxConcurrent
}

// MaxConcurrent returns the concurrency bound.
func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// SetMaxConcurrent changes the concurrency bound. Raising it admits waiting
// utterances immediately; lowering it never interrupts playing ones, it only
// delays further admissions.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConcurrent = n
	s.scheduleLocked()
}

// Close rejects further submissions, finishes pending utterances with
// [ErrClosed], cancels the context handed to in-flight playback and waits
// for it to return. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.removeLocked(func(*entry) bool { return true }, ErrClosed)
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}
