// Package quarrel implements the segmented playback controller: it walks a
// speaker through an ordered list of beats, synthesizing and scheduling one
// segment at a time with a short gap between segments in which other
// speakers may cut in.
//
// Each speaker has at most one session. A session always reaches a terminal
// state: a segment whose synthesis or playback fails is skipped and the
// cursor advances. [Controller.Interrupt] ends a session early; the segment
// that is already sounding keeps playing (its channel can be silenced
// separately), a queued one is withdrawn.
package quarrel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/quarrel/internal/dialogue"
	"github.com/MrWong99/quarrel/internal/observe"
	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/types"
)

var (
	// ErrNoSegments is returned by [Controller.StartPlayback] for an empty
	// beat list.
	ErrNoSegments = errors.New("quarrel: no segments")

	// ErrClosed is returned by [Controller.StartPlayback] after Close.
	ErrClosed = errors.New("quarrel: controller closed")
)

const (
	// DefaultSegmentGap is the pause between two segments of one session.
	DefaultSegmentGap = 300 * time.Millisecond

	// DefaultInterruptionWindow is how long after a segment ends another
	// speaker may still cut in.
	DefaultInterruptionWindow = 300 * time.Millisecond
)

// Config holds the pacing of long-form playback.
type Config struct {
	SegmentGap         time.Duration `yaml:"segment_gap" json:"segment_gap"`
	InterruptionWindow time.Duration `yaml:"interruption_window" json:"interruption_window"`
}

// DefaultConfig returns the default pacing.
func DefaultConfig() Config {
	return Config{SegmentGap: DefaultSegmentGap, InterruptionWindow: DefaultInterruptionWindow}
}

// SynthesizeFunc renders one segment for a speaker.
type SynthesizeFunc func(ctx context.Context, speakerID, text, language string) (*audio.Buffer, error)

// Submitter is the part of the dialogue scheduler the controller needs.
type Submitter interface {
	Submit(u dialogue.Utterance) (*dialogue.Ticket, error)
	Cancel(utteranceID string) bool
}

// HistoryResetter forgets interruption records of a target whose session
// ended. The interruption limiter satisfies it. The controller calls it while
// holding its own lock, so implementations must not call back into the
// controller.
type HistoryResetter interface {
	ResetInterruptionHistory(targetID string)
}

// PlaybackOptions are forwarded to every segment's utterance.
type PlaybackOptions struct {
	Language string
	Civility int
	Pan      *float64
	Volume   *float64
}

// Outcome is the terminal state of a session.
type Outcome struct {
	SessionID         string `json:"session_id"`
	SpeakerID         string `json:"speaker_id"`
	TotalSegments     int    `json:"total_segments"`
	CompletedSegments int    `json:"completed_segments"`
	FailedSegments    int    `json:"failed_segments"`
	Interrupted       bool   `json:"interrupted"`
}

// Progress is a session's position.
type Progress struct {
	Current int `json:"current"` // zero-based index of the segment being worked on
	Total   int `json:"total"`
}

// SessionStatus is a snapshot of one active session.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	SpeakerID string    `json:"speaker_id"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	InGap     bool      `json:"in_gap"`
}

// Playback is the future of one session.
type Playback struct {
	id        string
	speakerID string
	done      chan struct{}
	outcome   Outcome
}

// ID returns the session ID.
func (p *Playback) ID() string { return p.id }

// SpeakerID returns the session's speaker.
func (p *Playback) SpeakerID() string { return p.speakerID }

// Done is closed when the session reaches a terminal state.
func (p *Playback) Done() <-chan struct{} { return p.done }

// Outcome returns the terminal outcome. Only valid after Done is closed.
func (p *Playback) Outcome() Outcome {
	<-p.done
	return p.outcome
}

// Wait blocks until the session ends or ctx is done.
func (p *Playback) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type session struct {
	pb        *Playback
	beats     []types.Beat
	opts      PlaybackOptions
	startedAt time.Time
	cancel    context.CancelFunc

	// Guarded by Controller.mu.
	cursor      int
	completed   int
	failed      int
	inGap       bool
	lastEnd     time.Time
	interrupted bool
}

// Option configures a [Controller].
type Option func(*Controller)

// WithConfig sets the pacing.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = normalize(cfg) }
}

// WithHistoryResetter registers the limiter whose records are cleared when a
// session ends.
func WithHistoryResetter(r HistoryResetter) Option {
	return func(c *Controller) { c.resetter = r }
}

// WithBus publishes session events on b.
func WithBus(b *dialogue.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock replaces time.Now for the interruption window check.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs long-form playback sessions. It is safe for concurrent use.
type Controller struct {
	sched    Submitter
	synth    SynthesizeFunc
	resetter HistoryResetter
	bus      *dialogue.Bus
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a controller that synthesizes with synth and schedules on
// sched.
func New(sched Submitter, synth SynthesizeFunc, opts ...Option) *Controller {
	c := &Controller{
		sched:    sched,
		synth:    synth,
		log:      slog.Default(),
		now:      time.Now,
		cfg:      DefaultConfig(),
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

func normalize(cfg Config) Config {
	if cfg.SegmentGap < 0 {
		cfg.SegmentGap = 0
	}
	if cfg.InterruptionWindow <= 0 {
		cfg.InterruptionWindow = DefaultInterruptionWindow
	}
	return cfg
}

// SetConfig replaces the pacing. Running sessions pick it up at their next
// gap.
func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = normalize(cfg)
}

// Config returns the current pacing.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// StartPlayback starts a session for speakerID over beats. A session the
// speaker already has is interrupted first. The session outlives ctx; only
// its trace is inherited.
func (c *Controller) StartPlayback(ctx context.Context, speakerID string, beats []types.Beat, opts PlaybackOptions) (*Playback, error) {
	if len(beats) == 0 {
		return nil, ErrNoSegments
	}
	if speakerID == "" {
		return nil, fmt.Errorf("quarrel: missing speaker")
	}
	for i, b := range beats {
		if b.Text == "" {
			return nil, fmt.Errorf("quarrel: segment %d has no text", i)
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		pb: &Playback{
			id:        uuid.NewString(),
			speakerID: speakerID,
			done:      make(chan struct{}),
		},
		beats:     append([]types.Beat(nil), beats...),
		opts:      opts,
		startedAt: c.now(),
		cancel:    cancel,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	prev := c.sessions[speakerID]
	if prev != nil {
		c.interruptLocked(prev)
		c.resetHistory(speakerID)
	}
	c.sessions[speakerID] = s
	c.wg.Add(1)
	c.mu.Unlock()

	if prev != nil {
		c.log.Info("quarrel: session replaced", "speaker", speakerID, "session_id", prev.pb.id)
	}

	c.bus.Publish(dialogue.Event{
		Kind:      dialogue.EventSessionStarted,
		SpeakerID: speakerID,
		SessionID: s.pb.id,
		Total:     len(beats),
	})
	c.log.Info("quarrel: session started", "speaker", speakerID, "session_id", s.pb.id, "segments", len(beats))

	go c.run(sctx, s)
	return s.pb, nil
}

func (c *Controller) run(ctx context.Context, s *session) {
	defer c.wg.Done()
	ctx, span := observe.StartSpeakerSpan(ctx, "quarrel.session", s.pb.speakerID,
		observe.AttrSegments.Int(len(s.beats)),
		attribute.String("quarrel.session_id", s.pb.id),
	)

	for i, beat := range s.beats {
		if ctx.Err() != nil {
			break
		}
		c.mu.Lock()
		s.cursor = i
		s.inGap = false
		c.mu.Unlock()

		c.bus.Publish(dialogue.Event{
			Kind:      dialogue.EventSegmentStarted,
			SpeakerID: s.pb.speakerID,
			SessionID: s.pb.id,
			Segment:   i,
			Total:     len(s.beats),
			Priority:  beat.Tone.Priority(),
			Text:      beat.Text,
		})

		err := c.playSegment(ctx, s, beat)
		if ctx.Err() != nil {
			break
		}

		c.mu.Lock()
		if err != nil {
			s.failed++
		} else {
			s.completed++
		}
		s.inGap = true
		s.lastEnd = c.now()
		gap := c.cfg.SegmentGap
		c.mu.Unlock()

		if err != nil {
			c.metrics.RecordSegment(ctx, "failed")
			c.bus.Publish(dialogue.Event{
				Kind:      dialogue.EventSegmentFailed,
				SpeakerID: s.pb.speakerID,
				SessionID: s.pb.id,
				Segment:   i,
				Total:     len(s.beats),
				Error:     err.Error(),
			})
			observe.Logger(ctx).Warn("quarrel: segment failed, advancing",
				"speaker", s.pb.speakerID, "session_id", s.pb.id, "segment", i, "err", err)
		} else {
			c.metrics.RecordSegment(ctx, "completed")
		}

		if i == len(s.beats)-1 {
			break
		}
		if !sleep(ctx, gap) {
			break
		}
	}

	out := c.finish(s)
	span.SetAttributes(
		attribute.Int("quarrel.completed_segments", out.CompletedSegments),
		attribute.Bool("quarrel.interrupted", out.Interrupted),
	)
	observe.EndSpan(span, nil)
}

// playSegment synthesizes one beat, submits it and waits for its ticket.
func (c *Controller) playSegment(ctx context.Context, s *session, beat types.Beat) error {
	buf, err := c.synth(ctx, s.pb.speakerID, beat.Text, s.opts.Language)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	ticket, err := c.sched.Submit(dialogue.Utterance{
		SpeakerID: s.pb.speakerID,
		Text:      beat.Text,
		Priority:  beat.Tone.Priority(),
		Civility:  s.opts.Civility,
		Language:  s.opts.Language,
		Audio:     buf,
		Pan:       s.opts.Pan,
		Volume:    s.opts.Volume,
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	select {
	case <-ticket.Done():
		return ticket.Result().Err
	case <-ctx.Done():
		c.sched.Cancel(ticket.ID())
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish resolves the session's future exactly once.
func (c *Controller) finish(s *session) Outcome {
	c.mu.Lock()
	if c.sessions[s.pb.speakerID] == s {
		delete(c.sessions, s.pb.speakerID)
	}
	out := Outcome{
		SessionID:         s.pb.id,
		SpeakerID:         s.pb.speakerID,
		TotalSegments:     len(s.beats),
		CompletedSegments: s.completed,
		FailedSegments:    s.failed,
		Interrupted:       s.interrupted,
	}
	if !out.Interrupted {
		c.resetHistory(s.pb.speakerID)
	}
	c.mu.Unlock()
	s.cancel()

	s.pb.outcome = out
	close(s.pb.done)

	c.bus.Publish(dialogue.Event{
		Kind:        dialogue.EventSessionEnded,
		SpeakerID:   out.SpeakerID,
		SessionID:   out.SessionID,
		Total:       out.TotalSegments,
		Completed:   out.CompletedSegments,
		Interrupted: out.Interrupted,
	})
	c.log.Info("quarrel: session ended",
		"speaker", out.SpeakerID, "session_id", out.SessionID,
		"completed", out.CompletedSegments, "failed", out.FailedSegments,
		"total", out.TotalSegments, "interrupted", out.Interrupted)
	return out
}

// resetHistory must be called with c.mu held, so that no new session of
// speakerID can collect interruption records before they are cleared.
func (c *Controller) resetHistory(speakerID string) {
	if c.resetter != nil {
		c.resetter.ResetInterruptionHistory(speakerID)
	}
}

// interruptLocked marks s interrupted and drops it from the session table.
func (c *Controller) interruptLocked(s *session) {
	s.interrupted = true
	if c.sessions[s.pb.speakerID] == s {
		delete(c.sessions, s.pb.speakerID)
	}
	s.cancel()
}

// Interrupt ends speakerID's session. It reports whether a session was
// active. The segment currently sounding is not stopped; a segment still
// waiting in the queue is withdrawn.
func (c *Controller) Interrupt(speakerID string) bool {
	c.mu.Lock()
	s, ok := c.sessions[speakerID]
	if ok {
		c.interruptLocked(s)
		c.resetHistory(speakerID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.log.Info("quarrel: session interrupted", "speaker", speakerID, "session_id", s.pb.id)
	return true
}

// IsPlaying reports whether speakerID has an active session.
func (c *Controller) IsPlaying(speakerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[speakerID]
	return ok
}

// Progress returns the position of speakerID's session.
func (c *Controller) Progress(speakerID string) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[speakerID]
	if !ok {
		return Progress{}, false
	}
	return Progress{Current: s.cursor, Total: len(s.beats)}, true
}

// InInterruptionWindow reports whether speakerID's session is between two
// segments and its last segment ended no longer than the interruption window
// ago.
func (c *Controller) InInterruptionWindow(speakerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[speakerID]
	if !ok || !s.inGap {
		return false
	}
	return c.now().Sub(s.lastEnd) <= c.cfg.InterruptionWindow
}

// Sessions returns a snapshot of every active session.
func (c *Controller) Sessions() []SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionStatus, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, SessionStatus{
			SessionID: s.pb.id,
			SpeakerID: s.pb.speakerID,
			Current:   s.cursor,
			Total:     len(s.beats),
			Completed: s.completed,
			Failed:    s.failed,
			StartedAt: s.startedAt,
			InGap:     s.inGap,
		})
	}
	return out
}

// Close interrupts every session and waits for their goroutines.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, s := range c.sessions {
		c.interruptLocked(s)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
