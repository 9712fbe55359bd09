// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, OpenAI,
// or a local Coqui server) and turns one line of text into one decoded clip.
// The dialogue engine treats providers as at-least-once callable and
// idempotent for identical inputs; caching and failover are layered on top as
// decorators ([github.com/MrWong99/quarrel/pkg/provider/tts/cache],
// resilience.TTSFallback) rather than being every provider's concern.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/quarrel/pkg/audio"
)

// ErrEmptyText is returned by providers asked to synthesize blank text.
var ErrEmptyText = errors.New("tts: empty text")

// SynthesisOptions carries the per-request parameters of [Provider.Synthesize].
type SynthesisOptions struct {
	// Language is a BCP-47 tag. Providers that cannot switch language ignore
	// it.
	Language string

	// Voice selects the voice and its prosody adjustments.
	Voice VoiceProfile

	// UseCache allows a caching decorator to answer from its cache. Plain
	// providers ignore it.
	UseCache bool
}

// Result is a synthesized clip.
type Result struct {
	// Audio is the decoded clip.
	Audio *audio.Buffer

	// Duration is the playback length of Audio.
	Duration time.Duration

	// Format is the format the provider produced before decoding.
	Format audio.Format
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (several speakers quarrelling at once).
type Provider interface {
	// Synthesize converts text into a decoded clip. It honours ctx
	// cancellation and deadlines. Blank text yields [ErrEmptyText].
	Synthesize(ctx context.Context, text string, opts SynthesisOptions) (*Result, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// NewResult wraps a decoded buffer into a [Result].
func NewResult(buf *audio.Buffer) *Result {
	return &Result{
		Audio:    buf,
		Duration: buf.Duration(),
		Format:   audio.Format{SampleRate: buf.SampleRate, Channels: buf.Channels},
	}
}
