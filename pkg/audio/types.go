// Package audio defines the audio data types and output contracts used by the
// dialogue engine.
//
// The two data types are:
//
//   - [Buffer]: a fully decoded clip (float32 PCM) as returned by a speech
//     synthesis provider and consumed by a [Mixer].
//   - [AudioFrame]: one fixed-length slice of the rendered mix (int16 PCM),
//     handed to a [Sink] for playback.
//
// This package lives under pkg/ because external code (third-party output
// sinks and synthesis providers) is expected to produce and consume these
// types.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidBuffer is returned when a [Buffer] has no samples or an invalid
// format description.
var ErrInvalidBuffer = errors.New("audio: invalid buffer")

// Buffer is a decoded audio clip. Samples are interleaved float32 values in
// the range [-1, 1].
type Buffer struct {
	// Samples holds interleaved PCM samples. For stereo data the layout is
	// L0 R0 L1 R1 …
	Samples []float32

	// SampleRate in Hz (e.g., 24000 for OpenAI speech, 48000 for the mixer).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Validate checks that the buffer carries playable audio.
func (b *Buffer) Validate() error {
	switch {
	case b == nil:
		return fmt.Errorf("%w: nil buffer", ErrInvalidBuffer)
	case b.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidBuffer, b.SampleRate)
	case b.Channels <= 0:
		return fmt.Errorf("%w: channel count %d", ErrInvalidBuffer, b.Channels)
	case b.Frames() == 0:
		return fmt.Errorf("%w: no samples", ErrInvalidBuffer)
	}
	return nil
}

// AudioFrame represents a single frame of rendered audio flowing to a [Sink].
type AudioFrame struct {
	// PCM audio data, little-endian int16, interleaved.
	Data []byte

	// SampleRate in Hz (48000 for Discord Opus).
	SampleRate int

	// Channels: 2 for the stereo mix.
	Channels int

	// Timestamp marks the frame's position relative to the start of rendering.
	Timestamp time.Duration
}
