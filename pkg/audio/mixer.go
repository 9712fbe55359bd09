package audio

import "context"

// DefaultDuckLevel is the gain applied to non-active channels while ducking
// is in effect.
const DefaultDuckLevel = 0.25

// PlayOptions carries the per-clip overrides accepted by [Mixer.Play].
// Nil fields keep the channel's current setting.
type PlayOptions struct {
	// Volume is the gain of the short-lived per-clip stage, in [0, 1].
	Volume *float64

	// Pan places this clip at the given stereo position in [-1, 1]. The
	// channel's own pan is left untouched for later clips.
	Pan *float64
}

// Mixer owns one persistent signal path (gain + stereo position) per speaker
// and plays decoded clips through it. It sits between the dialogue scheduler
// and the [Sink], allowing several speakers to sound at once while ducking
// whoever does not hold the floor.
//
// The final amplitude of a speaker's sample is
// clip_gain × channel_gain × master_gain; pan is applied after gain.
//
// Implementations must be safe for concurrent use.
type Mixer interface {
	// EnsureChannel creates the speaker's persistent channel at the given pan
	// if it does not yet exist. Calling it for an existing speaker is a no-op.
	EnsureChannel(speakerID string, pan float64)

	// Play starts buf on the speaker's channel and blocks until the clip has
	// been rendered, the duration watchdog fires, or ctx is done. A clip that
	// is still sounding on the same channel is faded out first (fade-replace,
	// never a hard cut). Clips on different channels overlap freely.
	Play(ctx context.Context, speakerID string, buf *Buffer, opts PlayOptions) error

	// DuckOthers moves every channel except activeSpeakerID smoothly toward
	// level and restores activeSpeakerID to full gain. It is idempotent.
	DuckOthers(activeSpeakerID string, level float64)

	// RestoreAllVolumes smoothly returns every channel to full gain.
	RestoreAllVolumes()

	// SetVolume overrides the speaker's full-gain level.
	SetVolume(speakerID string, volume float64)

	// SetPan overrides the speaker's stereo position.
	SetPan(speakerID string, pan float64)

	// Silence drives the speaker's channel gain to zero. In-flight clips keep
	// rendering (inaudibly) until they end; they are never hard-stopped,
	// because cutting a started source clicks. The next Play on the channel
	// lifts the silence.
	Silence(speakerID string)
}

// Sink is the platform audio output: it receives rendered frames of the mix
// in real time. Implementations wrap a device or transport (local speakers,
// a Discord voice channel, …).
//
// WriteFrame may block for at most one frame duration; implementations that
// cannot keep up should drop frames rather than stall the renderer.
type Sink interface {
	WriteFrame(frame AudioFrame) error
	Close() error
}

// Float returns a pointer to v. It is a convenience for filling
// [PlayOptions].
func Float(v float64) *float64 { return &v }

// Discard is a [Sink] that drops every frame. It backs the "null" output.
type Discard struct{}

// WriteFrame implements [Sink].
func (Discard) WriteFrame(AudioFrame) error { return nil }

// Close implements [Sink].
func (Discard) Close() error { return nil }
