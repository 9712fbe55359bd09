// Package mixer provides [ChannelMixer], the concrete [audio.Mixer] that
// renders every speaker through its own persistent gain and pan stage into a
// single stereo mix.
//
// The mixer is pull-based: [ChannelMixer.Render] produces the next block of
// interleaved stereo samples, and [ChannelMixer.Run] drives Render in real
// time, handing PCM frames to an [audio.Sink]. Gain changes (ducking,
// restoring, silencing) are never applied instantly; each channel's gain
// converges exponentially on its target so that level changes are inaudible
// as clicks.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/quarrel/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Mixer = (*ChannelMixer)(nil)

var (
	// ErrEmptyBuffer is returned by [ChannelMixer.Play] for buffers that carry
	// no playable audio.
	ErrEmptyBuffer = errors.New("mixer: empty buffer")

	// ErrClosed is returned by [ChannelMixer.Play] after [ChannelMixer.Close].
	ErrClosed = errors.New("mixer: closed")
)

const (
	// DefaultSampleRate is the output rate of the mix (Discord Opus native).
	DefaultSampleRate = 48000

	// DefaultFrameDuration is the length of one frame handed to the sink.
	DefaultFrameDuration = 20 * time.Millisecond

	// DefaultSmoothing is the time constant of the channel gain smoother.
	DefaultSmoothing = 50 * time.Millisecond

	// DefaultFadeOut is the ramp applied to a clip that is replaced on its
	// channel before it ended.
	DefaultFadeOut = 50 * time.Millisecond

	// DefaultWatchdogPadding is added to a clip's duration to bound how long
	// Play waits for the end-of-playback signal.
	DefaultWatchdogPadding = 100 * time.Millisecond
)

// Option configures a [ChannelMixer] during construction.
type Option func(*ChannelMixer)

// WithSampleRate sets the output sample rate.
func WithSampleRate(hz int) Option {
	return func(m *ChannelMixer) {
		if hz > 0 {
			m.sampleRate = hz
		}
	}
}

// WithFrameDuration sets the length of the frames [ChannelMixer.Run] writes.
func WithFrameDuration(d time.Duration) Option {
	return func(m *ChannelMixer) {
		if d > 0 {
			m.frameDur = d
		}
	}
}

// WithSmoothing sets the time constant of the per-channel gain smoother. Zero
// makes gain changes take effect on the next sample.
func WithSmoothing(tau time.Duration) Option {
	return func(m *ChannelMixer) {
		if tau >= 0 {
			m.smoothing = tau
		}
	}
}

// WithFadeOut sets the fade-replace ramp length.
func WithFadeOut(d time.Duration) Option {
	return func(m *ChannelMixer) {
		if d >= 0 {
			m.fadeOut = d
		}
	}
}

// WithWatchdogPadding sets the slack added to a clip's duration before Play
// gives up waiting for the clip to end.
func WithWatchdogPadding(d time.Duration) Option {
	return func(m *ChannelMixer) {
		if d >= 0 {
			m.watchdogPadding = d
		}
	}
}

// WithMasterGain sets the initial master gain.
func WithMasterGain(g float64) Option {
	return func(m *ChannelMixer) {
		m.master = clampUnit(g)
	}
}

// WithLogger sets the logger used by [ChannelMixer.Run]. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *ChannelMixer) {
		if l != nil {
			m.log = l
		}
	}
}

// ChannelState is a point-in-time snapshot of one speaker's channel.
type ChannelState struct {
	ID       string  `json:"id"`
	Pan      float64 `json:"pan"`
	Volume   float64 `json:"volume"`
	Gain     float64 `json:"gain"`
	Target   float64 `json:"target"`
	Ducked   bool    `json:"ducked"`
	Silenced bool    `json:"silenced"`
	Playing  bool    `json:"playing"`

	// Clips counts the clips still rendering on the channel, including ones
	// that are fading out after being replaced.
	Clips int `json:"clips"`
}

// ChannelMixer is the concrete [audio.Mixer]. Each speaker owns a channel with
// a persistent gain and pan; each Play adds a short-lived clip with its own
// gain, and optionally its own pan, in front of the channel.
//
// All exported methods are safe for concurrent use.
type ChannelMixer struct {
	sampleRate      int
	frameDur        time.Duration
	smoothing       time.Duration
	fadeOut         time.Duration
	watchdogPadding time.Duration
	log             *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
	order    []string // creation order, for deterministic rendering
	master   float64
	alpha    float64 // per-sample smoothing coefficient
	rendered int64   // frames rendered so far

	done   chan struct{}
	closed bool
}

// New creates a [ChannelMixer]. Nothing is rendered until [ChannelMixer.Run]
// or [ChannelMixer.Render] is called.
func New(opts ...Option) *ChannelMixer {
	m := &ChannelMixer{
		sampleRate:      DefaultSampleRate,
		frameDur:        DefaultFrameDuration,
		smoothing:       DefaultSmoothing,
		fadeOut:         DefaultFadeOut,
		watchdogPadding: DefaultWatchdogPadding,
		log:             slog.Default(),
		channels:        make(map[string]*channel),
		master:          1,
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.alpha = smoothingAlpha(m.smoothing, m.sampleRate)
	return m
}

// smoothingAlpha converts a time constant into the per-sample coefficient of
// a one-pole lowpass.
func smoothingAlpha(tau time.Duration, sampleRate int) float64 {
	if tau <= 0 {
		return 1
	}
	return 1 - math.Exp(-1/(tau.Seconds()*float64(sampleRate)))
}

// SampleRate returns the output sample rate.
func (m *ChannelMixer) SampleRate() int { return m.sampleRate }

// FrameSamples returns the number of stereo frames per rendered frame.
func (m *ChannelMixer) FrameSamples() int {
	return int(int64(m.sampleRate) * int64(m.frameDur) / int64(time.Second))
}

// EnsureChannel implements [audio.Mixer].
func (m *ChannelMixer) EnsureChannel(speakerID string, pan float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(speakerID, pan)
}

func (m *ChannelMixer) ensureLocked(speakerID string, pan float64) *channel {
	if ch, ok := m.channels[speakerID]; ok {
		return ch
	}
	ch := newChannel(speakerID, pan)
	m.channels[speakerID] = ch
	m.order = append(m.order, speakerID)
	return ch
}

// Play implements [audio.Mixer].
//
// Play returns nil once the clip has finished rendering or the watchdog
// (clip duration plus padding) has fired, ctx.Err() if ctx ends first, and
// [ErrClosed] if the mixer is closed while waiting. In the latter two cases
// the clip is faded out rather than cut.
func (m *ChannelMixer) Play(ctx context.Context, speakerID string, buf *audio.Buffer, opts audio.PlayOptions) error {
	if err := buf.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrEmptyBuffer, err)
	}
	samples := audio.ToMono(buf, m.sampleRate)
	if len(samples) == 0 {
		return ErrEmptyBuffer
	}

	gain := 1.0
	if opts.Volume != nil {
		gain = *opts.Volume
	}
	k := newClip(samples, gain)
	if opts.Pan != nil {
		k.setPan(*opts.Pan)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.ensureLocked(speakerID, 0)
	ch.retire(m.fadeSamples())
	ch.unsilence()
	ch.active = k
	m.mu.Unlock()

	watchdog := time.NewTimer(buf.Duration() + m.watchdogPadding)
	defer watchdog.Stop()

	select {
	case <-k.done:
		return nil
	case <-watchdog.C:
		m.retireClip(speakerID, k)
		return nil
	case <-ctx.Done():
		m.retireClip(speakerID, k)
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// retireClip fades k out if it is still the active clip of speakerID.
func (m *ChannelMixer) retireClip(speakerID string, k *clip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[speakerID]; ok && ch.active == k {
		ch.retire(m.fadeSamples())
	}
}

func (m *ChannelMixer) fadeSamples() int {
	return int(m.fadeOut.Seconds() * float64(m.sampleRate))
}

// DuckOthers implements [audio.Mixer].
func (m *ChannelMixer) DuckOthers(activeSpeakerID string, level float64) {
	level = clampUnit(level)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.channels {
		if id == activeSpeakerID {
			ch.ducked = false
			continue
		}
		ch.ducked = true
		ch.duckLevel = level
	}
}

// RestoreAllVolumes implements [audio.Mixer]. Silenced channels stay silent.
func (m *ChannelMixer) RestoreAllVolumes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		ch.ducked = false
	}
}

// SetVolume implements [audio.Mixer]. The channel is created if needed.
func (m *ChannelMixer) SetVolume(speakerID string, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(speakerID, 0).volume = clampUnit(volume)
}

// SetPan implements [audio.Mixer]. The channel is created if needed.
func (m *ChannelMixer) SetPan(speakerID string, pan float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(speakerID, pan).pan = clampPan(pan)
}

// Silence implements [audio.Mixer]. Unknown speakers are ignored.
func (m *ChannelMixer) Silence(speakerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[speakerID]; ok {
		ch.silenced = true
	}
}

// SetMasterGain sets the gain applied to the whole mix.
func (m *ChannelMixer) SetMasterGain(g float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.master = clampUnit(g)
}

// Channel returns a snapshot of the speaker's channel.
func (m *ChannelMixer) Channel(speakerID string) (ChannelState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[speakerID]
	if !ok {
		return ChannelState{}, false
	}
	return snapshot(ch), true
}

// Channels returns snapshots of every channel in creation order.
func (m *ChannelMixer) Channels() []ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, snapshot(m.channels[id]))
	}
	return out
}

// ActiveSpeakers returns the speakers whose channel has a clip playing, in
// channel creation order.
func (m *ChannelMixer) ActiveSpeakers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		if m.channels[id].playing() {
			out = append(out, id)
		}
	}
	return out
}

func snapshot(ch *channel) ChannelState {
	clips := len(ch.fading)
	if ch.playing() {
		clips++
	}
	return ChannelState{
		ID:       ch.id,
		Pan:      ch.pan,
		Volume:   ch.volume,
		Gain:     ch.gain,
		Target:   ch.target(),
		Ducked:   ch.ducked,
		Silenced: ch.silenced,
		Playing:  ch.playing(),
		Clips:    clips,
	}
}

// Render mixes the next frames stereo sample frames and returns them
// interleaved (L0 R0 L1 R1 …), clamped to [-1, 1]. Clips that finish during
// the block release their Play callers.
func (m *ChannelMixer) Render(frames int) []float32 {
	out := make([]float32, 2*frames)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		m.channels[id].render(out, m.alpha, m.master)
	}
	m.rendered += int64(frames)
	for i, v := range out {
		out[i] = float32(math.Max(-1, math.Min(1, float64(v))))
	}
	return out
}

// Run renders one frame per frame duration and writes it to sink until ctx
// is cancelled or the mixer is closed. Sink errors are logged and the frame is
// dropped.
func (m *ChannelMixer) Run(ctx context.Context, sink audio.Sink) error {
	ticker := time.NewTicker(m.frameDur)
	defer ticker.Stop()

	frames := m.FrameSamples()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-ticker.C:
		}

		m.mu.Lock()
		ts := time.Duration(m.rendered) * time.Second / time.Duration(m.sampleRate)
		m.mu.Unlock()

		mix := m.Render(frames)
		frame := audio.AudioFrame{
			Data:       audio.EncodePCM16(mix),
			SampleRate: m.sampleRate,
			Channels:   2,
			Timestamp:  ts,
		}
		if err := sink.WriteFrame(frame); err != nil {
			m.log.Warn("mixer: sink write failed", "err", err, "timestamp", ts)
		}
	}
}

// Close releases every waiting Play call with [ErrClosed]. Close is
// idempotent; subsequent calls are no-ops and return nil.
func (m *ChannelMixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.channels {
		ch.active = nil
		ch.fading = nil
	}
	close(m.done)
	return nil
}
