// Package room is the glue that turns the dialogue components into one
// engine. A [Room] owns the scheduler, the segmented playback controller and
// the interruption limiter, and drives a [audio.Mixer] and a [tts.Provider]
// from the scheduler's playback callback.
//
// Game and UI code talk to a Room only; the HTTP surface in internal/httpapi
// is a thin translation of its methods.
package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/quarrel/internal/dialogue"
	"github.com/MrWong99/quarrel/internal/interrupt"
	"github.com/MrWong99/quarrel/internal/observe"
	"github.com/MrWong99/quarrel/internal/quarrel"
	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/audio/mixer"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
	"github.com/MrWong99/quarrel/pkg/types"
)

var (
	// ErrUnknownSpeaker is returned for operations on a speaker that was never
	// registered, and for submissions from unregistered speakers when
	// [Config.StrictSpeakers] is set.
	ErrUnknownSpeaker = errors.New("room: unknown speaker")

	// ErrInterruptionDenied is returned by [Room.Interject] when the
	// interruption policy vetoes the interjection.
	ErrInterruptionDenied = errors.New("room: interruption denied")

	// ErrSynthesis wraps every failure on the synthesis path.
	ErrSynthesis = errors.New("room: synthesis failed")

	// ErrPlayback wraps every failure returned by the mixer.
	ErrPlayback = errors.New("room: playback failed")
)

// DefaultSynthesisTimeout bounds a single synthesis call.
const DefaultSynthesisTimeout = 30 * time.Second

// Config holds the live-tunable engine settings.
type Config struct {
	MaxConcurrent    int
	Ducking          bool
	DuckLevel        float64
	SynthesisTimeout time.Duration

	// RequireWindow restricts interjections into a long-form session to the
	// interruption window after one of its segments.
	RequireWindow bool

	// StrictSpeakers rejects utterances of speakers that were not registered.
	StrictSpeakers bool

	Quarrel   quarrel.Config
	Interrupt interrupt.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    dialogue.DefaultMaxConcurrent,
		Ducking:          true,
		DuckLevel:        audio.DefaultDuckLevel,
		SynthesisTimeout: DefaultSynthesisTimeout,
		Quarrel:          quarrel.DefaultConfig(),
		Interrupt:        interrupt.DefaultConfig(),
	}
}

func normalize(cfg Config) Config {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = dialogue.DefaultMaxConcurrent
	}
	if cfg.DuckLevel < 0 || cfg.DuckLevel > 1 {
		cfg.DuckLevel = audio.DefaultDuckLevel
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = DefaultSynthesisTimeout
	}
	return cfg
}

// SpeakerConfig binds a voice and a default channel position to a speaker
// identity.
type SpeakerConfig struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Pan      float64          `json:"pan"`
	Volume   *float64         `json:"volume,omitempty"`
	Language string           `json:"language,omitempty"`
	Voice    tts.VoiceProfile `json:"voice"`
}

// Validate reports configuration errors.
func (s SpeakerConfig) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("speaker id is required"))
	}
	if s.Pan < -1 || s.Pan > 1 {
		errs = append(errs, fmt.Errorf("pan %v is outside [-1, 1]", s.Pan))
	}
	if s.Volume != nil && (*s.Volume < 0 || *s.Volume > 1) {
		errs = append(errs, fmt.Errorf("volume %v is outside [0, 1]", *s.Volume))
	}
	return errors.Join(errs...)
}

// InterjectOptions tune one interjection.
type InterjectOptions struct {
	Language string
	Civility int
	Audio    *audio.Buffer
}

// channelLister is implemented by mixers that can report channel state.
type channelLister interface {
	Channels() []mixer.ChannelState
}

// Status is a snapshot of the whole engine.
type Status struct {
	Playing       []dialogue.Playing      `json:"playing"`
	Pending       []dialogue.Utterance    `json:"pending"`
	QueueLength   int                     `json:"queue_length"`
	MaxConcurrent int                     `json:"max_concurrent"`
	FreeSlot      bool                    `json:"free_slot"`
	Sessions      []quarrel.SessionStatus `json:"sessions"`
	Channels      []mixer.ChannelState    `json:"channels,omitempty"`
}

// Option configures a [Room].
type Option func(*Room)

// WithConfig overrides [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(r *Room) { r.cfg = normalize(cfg) }
}

// WithBus publishes every lifecycle event on b instead of a private bus.
func WithBus(b *dialogue.Bus) Option {
	return func(r *Room) { r.bus = b }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Room) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Room) { r.log = l }
}

// WithClock replaces time.Now for the controller and the limiter.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

type activeClip struct {
	priority types.Priority
	seq      uint64 // admission order
}

// Room is the dialogue engine. All exported methods are safe for concurrent
// use.
type Room struct {
	tts     tts.Provider
	mixer   audio.Mixer
	bus     *dialogue.Bus
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	sched   *dialogue.Scheduler
	ctrl    *quarrel.Controller
	limiter *interrupt.Limiter

	mu       sync.Mutex
	cfg      Config
	speakers map[string]SpeakerConfig
	active   map[string]activeClip
	seq      uint64

	// interjectMu makes the policy check and the record of one interjection
	// atomic with respect to other interjections.
	interjectMu sync.Mutex
}

// New creates a room that synthesizes with provider and plays through mix.
// The room does not own mix; closing the room leaves it running.
func New(provider tts.Provider, mix audio.Mixer, opts ...Option) *Room {
	r := &Room{
		tts:      provider,
		mixer:    mix,
		log:      slog.Default(),
		now:      time.Now,
		cfg:      DefaultConfig(),
		speakers: make(map[string]SpeakerConfig),
		active:   make(map[string]activeClip),
	}
	for _, o := range opts {
		o(r)
	}
	if r.bus == nil {
		r.bus = dialogue.NewBus()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}

	r.limiter = interrupt.New(r.cfg.Interrupt, interrupt.WithClock(r.now))
	r.sched = dialogue.New(r.play,
		dialogue.WithMaxConcurrent(r.cfg.MaxConcurrent),
		dialogue.WithBus(r.bus),
		dialogue.WithMetrics(r.metrics),
		dialogue.WithLogger(r.log),
	)
	r.ctrl = quarrel.New(r.sched, r.synthesize,
		quarrel.WithConfig(r.cfg.Quarrel),
		quarrel.WithHistoryResetter(r.limiter),
		quarrel.WithBus(r.bus),
		quarrel.WithMetrics(r.metrics),
		quarrel.WithLogger(r.log),
		quarrel.WithClock(r.now),
	)
	return r
}

// play is the scheduler's playback callback.
func (r *Room) play(ctx context.Context, u *dialogue.Utterance) (err error) {
	ctx, span := observe.StartSpeakerSpan(ctx, "room.play", u.SpeakerID,
		observe.AttrPriority.String(u.Priority.String()),
		observe.AttrUtterance.String(u.ID),
	)
	defer func() { observe.EndSpan(span, err) }()

	buf := u.Audio
	if buf == nil {
		buf, err = r.synthesize(ctx, u.SpeakerID, u.Text, u.Language)
		if err != nil {
			return err
		}
	}

	spk, _ := r.speaker(u.SpeakerID)
	r.mixer.EnsureChannel(u.SpeakerID, spk.Pan)
	opts := audio.PlayOptions{Volume: u.Volume, Pan: u.Pan}

	r.enter(u)
	defer r.leave(u.SpeakerID)

	if err := r.mixer.Play(ctx, u.SpeakerID, buf, opts); err != nil {
		return fmt.Errorf("%w: %w", ErrPlayback, err)
	}
	return nil
}

// synthesize renders text in the speaker's voice within the synthesis
// timeout.
func (r *Room) synthesize(ctx context.Context, speakerID, text, language string) (*audio.Buffer, error) {
	spk, ok := r.speaker(speakerID)
	r.mu.Lock()
	strict, timeout := r.cfg.StrictSpeakers, r.cfg.SynthesisTimeout
	r.mu.Unlock()
	if strict && !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrSynthesis, ErrUnknownSpeaker, speakerID)
	}
	if language == "" {
		language = spk.Language
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := observe.StartSpeakerSpan(ctx, "tts.synthesize", speakerID,
		observe.AttrProvider.String(spk.Voice.Provider))

	res, err := r.tts.Synthesize(ctx, text, tts.SynthesisOptions{
		Language: language,
		Voice:    spk.Voice,
		UseCache: true,
	})
	if err == nil && (res == nil || res.Audio == nil) {
		err = errors.New("provider returned no audio")
	}
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Warn("room: synthesis failed", "speaker", speakerID, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	return res.Audio, nil
}

// enter marks u as sounding and rebalances the ducking.
func (r *Room) enter(u *dialogue.Utterance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.active[u.SpeakerID] = activeClip{priority: u.Priority, seq: r.seq}
	r.rebalanceLocked()
}

func (r *Room) leave(speakerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, speakerID)
	r.rebalanceLocked()
}

// rebalanceLocked keeps one speaker at full gain while several are sounding:
// the one with the highest priority, and among those the one that started
// first.
func (r *Room) rebalanceLocked() {
	if !r.cfg.Ducking || len(r.active) <= 1 {
		r.mixer.RestoreAllVolumes()
		return
	}
	var (
		leader string
		best   activeClip
	)
	for id, c := range r.active {
		if leader == "" || c.priority > best.priority ||
			(c.priority == best.priority && c.seq < best.seq) {
			leader, best = id, c
		}
	}
	r.mixer.DuckOthers(leader, r.cfg.DuckLevel)
}

func (r *Room) speaker(id string) (SpeakerConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.speakers[id]
	if !ok {
		s = SpeakerConfig{ID: id}
	}
	return s, ok
}

// RegisterSpeaker binds cfg to its speaker identity and creates the
// speaker's channel. Registering an identity again replaces its settings and
// moves its channel.
func (r *Room) RegisterSpeaker(cfg SpeakerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("room: register speaker: %w", err)
	}
	r.mu.Lock()
	r.speakers[cfg.ID] = cfg
	r.mu.Unlock()

	r.mixer.EnsureChannel(cfg.ID, cfg.Pan)
	r.mixer.SetPan(cfg.ID, cfg.Pan)
	if cfg.Volume != nil {
		r.mixer.SetVolume(cfg.ID, *cfg.Volume)
	}
	r.log.Info("room: speaker registered", "speaker", cfg.ID, "voice", cfg.Voice.ID, "pan", cfg.Pan)
	return nil
}

// RemoveSpeaker forgets a registered speaker. Its channel stays in the mixer
// and queued utterances still play with the default voice.
func (r *Room) RemoveSpeaker(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.speakers[id]; !ok {
		return false
	}
	delete(r.speakers, id)
	r.log.Info("room: speaker removed", "speaker", id)
	return true
}

// Speaker returns the registered settings of id.
func (r *Room) Speaker(id string) (SpeakerConfig, error) {
	s, ok := r.speaker(id)
	if !ok {
		return SpeakerConfig{}, fmt.Errorf("%w %q", ErrUnknownSpeaker, id)
	}
	return s, nil
}

// Speakers returns every registered speaker ordered by ID.
func (r *Room) Speakers() []SpeakerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SpeakerConfig, 0, len(r.speakers))
	for _, s := range r.speakers {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b SpeakerConfig) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// SetVolume overrides a registered speaker's channel volume.
func (r *Room) SetVolume(speakerID string, volume float64) error {
	if volume < 0 || volume > 1 {
		return fmt.Errorf("room: volume %v is outside [0, 1]", volume)
	}
	r.mu.Lock()
	s, ok := r.speakers[speakerID]
	if ok {
		s.Volume = &volume
		r.speakers[speakerID] = s
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSpeaker, speakerID)
	}
	r.mixer.SetVolume(speakerID, volume)
	return nil
}

// SetPan moves a registered speaker's channel.
func (r *Room) SetPan(speakerID string, pan float64) error {
	if pan < -1 || pan > 1 {
		return fmt.Errorf("room: pan %v is outside [-1, 1]", pan)
	}
	r.mu.Lock()
	s, ok := r.speakers[speakerID]
	if ok {
		s.Pan = pan
		r.speakers[speakerID] = s
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSpeaker, speakerID)
	}
	r.mixer.SetPan(speakerID, pan)
	return nil
}

// Submit schedules one utterance.
func (r *Room) Submit(u dialogue.Utterance) (*dialogue.Ticket, error) {
	if err := r.checkSpeaker(u.SpeakerID); err != nil {
		return nil, err
	}
	return r.sched.Submit(u)
}

func (r *Room) checkSpeaker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.StrictSpeakers {
		return nil
	}
	if _, ok := r.speakers[id]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownSpeaker, id)
	}
	return nil
}

// CancelSpeaker withdraws the speaker's pending utterances and returns how
// many were withdrawn. A clip that is already sounding is not affected; see
// [Room.Silence].
func (r *Room) CancelSpeaker(speakerID string) int {
	return r.sched.CancelSpeaker(speakerID)
}

// Cancel withdraws one pending utterance.
func (r *Room) Cancel(utteranceID string) bool {
	return r.sched.Cancel(utteranceID)
}

// StopAll clears the pending queue. Sounding clips continue.
func (r *Room) StopAll() int {
	return r.sched.StopAll()
}

// Silence drives the speaker's channel to zero gain. The sounding clip keeps
// running inaudibly until it ends; the next clip of the speaker is audible
// again.
func (r *Room) Silence(speakerID string) {
	r.mixer.Silence(speakerID)
}

// StartLongFormPlayback starts a segmented quarrel for speakerID.
func (r *Room) StartLongFormPlayback(ctx context.Context, speakerID string, beats []types.Beat, opts quarrel.PlaybackOptions) (*quarrel.Playback, error) {
	if err := r.checkSpeaker(speakerID); err != nil {
		return nil, err
	}
	return r.ctrl.StartPlayback(ctx, speakerID, beats, opts)
}

// Interrupt ends speakerID's long-form session.
func (r *Room) Interrupt(speakerID string) bool {
	return r.ctrl.Interrupt(speakerID)
}

// IsPlaying reports whether speakerID has a long-form session.
func (r *Room) IsPlaying(speakerID string) bool {
	return r.ctrl.IsPlaying(speakerID)
}

// Progress returns the position of speakerID's long-form session.
func (r *Room) Progress(speakerID string) (quarrel.Progress, bool) {
	return r.ctrl.Progress(speakerID)
}

// Interject lets interrupterID cut into targetID's long-form session with a
// quick jab. The interruption policy is checked first; an allowed
// interjection is submitted and counted against the pair.
func (r *Room) Interject(ctx context.Context, targetID, interrupterID, text string, opts InterjectOptions) (*dialogue.Ticket, error) {
	if targetID == interrupterID {
		return nil, fmt.Errorf("%w: a speaker cannot interrupt itself", ErrInterruptionDenied)
	}
	if err := r.checkSpeaker(interrupterID); err != nil {
		return nil, err
	}

	r.interjectMu.Lock()
	defer r.interjectMu.Unlock()

	r.mu.Lock()
	requireWindow := r.cfg.RequireWindow
	r.mu.Unlock()

	var reason string
	switch {
	case !r.limiter.CanInterrupt(targetID, interrupterID, r.ctrl):
		reason = "policy"
	case requireWindow && !r.ctrl.InInterruptionWindow(targetID):
		reason = "outside window"
	}
	if reason != "" {
		r.metrics.RecordInterruption(ctx, false)
		observe.Logger(ctx).Debug("room: interjection denied",
			"target", targetID, "interrupter", interrupterID, "reason", reason)
		return nil, fmt.Errorf("%w: %s", ErrInterruptionDenied, reason)
	}

	ticket, err := r.sched.Submit(dialogue.Utterance{
		SpeakerID: interrupterID,
		Text:      text,
		Priority:  types.PriorityQuickJab,
		Civility:  opts.Civility,
		Language:  opts.Language,
		Audio:     opts.Audio,
	})
	if err != nil {
		return nil, err
	}
	r.limiter.RecordInterruption(targetID, interrupterID)
	r.metrics.RecordInterruption(ctx, true)
	r.bus.Publish(dialogue.Event{
		Kind:          dialogue.EventInterjection,
		SpeakerID:     targetID,
		InterrupterID: interrupterID,
		UtteranceID:   ticket.ID(),
		Priority:      types.PriorityQuickJab,
		Text:          text,
	})
	observe.Logger(ctx).Info("room: interjection",
		"target", targetID, "interrupter", interrupterID, "utterance_id", ticket.ID())
	return ticket, nil
}

// CanInterrupt reports whether the policy would allow an interjection right
// now without recording anything.
func (r *Room) CanInterrupt(targetID, interrupterID string) bool {
	return r.limiter.CanInterrupt(targetID, interrupterID, r.ctrl)
}

// InterruptionHistory returns the interruption records of targetID keyed by
// interrupter.
func (r *Room) InterruptionHistory(targetID string) map[string]interrupt.Record {
	return r.limiter.History(targetID)
}

// Status returns a snapshot of the engine.
func (r *Room) Status() Status {
	st := Status{
		Playing:       r.sched.PlayingUtterances(),
		Pending:       r.sched.Pending(),
		QueueLength:   r.sched.QueueLength(),
		MaxConcurrent: r.sched.MaxConcurrent(),
		FreeSlot:      r.sched.HasFreeSlot(),
		Sessions:      r.ctrl.Sessions(),
	}
	slices.SortFunc(st.Sessions, func(a, b quarrel.SessionStatus) int { return cmp.Compare(a.SpeakerID, b.SpeakerID) })
	if cl, ok := r.mixer.(channelLister); ok {
		st.Channels = cl.Channels()
	}
	return st
}

// Subscribe returns a channel of lifecycle events and a function that ends
// the subscription.
func (r *Room) Subscribe(buffer int) (<-chan dialogue.Event, func()) {
	return r.bus.Subscribe(buffer)
}

// Config returns the active engine settings.
func (r *Room) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// ApplyTuning replaces the live-tunable settings. Sounding clips pick up a
// new ducking policy immediately; running sessions pick up new pacing at
// their next gap.
func (r *Room) ApplyTuning(cfg Config) {
	cfg = normalize(cfg)
	r.mu.Lock()
	r.cfg = cfg
	r.rebalanceLocked()
	r.mu.Unlock()

	r.sched.SetMaxConcurrent(cfg.MaxConcurrent)
	r.ctrl.SetConfig(cfg.Quarrel)
	r.limiter.SetConfig(cfg.Interrupt)
	r.log.Info("room: tuning applied",
		"max_concurrent", cfg.MaxConcurrent, "ducking", cfg.Ducking, "duck_level", cfg.DuckLevel)
}

// Close ends every long-form session, drops pending utterances and waits for
// sounding clips to return.
func (r *Room) Close() error {
	return errors.Join(r.ctrl.Close(), r.sched.Close())
}
