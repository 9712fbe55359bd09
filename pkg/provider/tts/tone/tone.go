// Package tone provides an offline TTS provider that renders each line as a
// short voiced tone. Length follows the text, pitch follows the voice, so
// quarrels can be rehearsed end to end without network access or API keys.
package tone

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultSampleRate = 24000
	defaultPerRune    = 55 * time.Millisecond
	minDuration       = 250 * time.Millisecond
	amplitude         = 0.3
	rampDuration      = 10 * time.Millisecond
	syllableHz        = 4.0
)

// Option configures a [Provider].
type Option func(*Provider)

// WithSampleRate sets the output rate. Defaults to 24 kHz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithPerRune sets how much audio one character of text produces.
func WithPerRune(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.perRune = d
		}
	}
}

// Provider synthesizes tones. It holds no mutable state and is safe for
// concurrent use.
type Provider struct {
	sampleRate int
	perRune    time.Duration
}

// New returns a tone provider.
func New(opts ...Option) *Provider {
	p := &Provider{sampleRate: defaultSampleRate, perRune: defaultPerRune}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Duration returns the clip length Synthesize produces for text and voice.
func (p *Provider) Duration(text string, voice tts.VoiceProfile) time.Duration {
	d := time.Duration(utf8.RuneCountInString(strings.TrimSpace(text))) * p.perRune
	d = max(d, minDuration)
	return time.Duration(float64(d) / voice.Speed())
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := int(p.Duration(text, opts.Voice) * time.Duration(p.sampleRate) / time.Second)
	ramp := int(rampDuration * time.Duration(p.sampleRate) / time.Second)
	freq := pitch(opts.Voice)
	rate := float64(p.sampleRate)

	samples := make([]float32, n)
	for i := range samples {
		t := float64(i) / rate
		env := 0.6 + 0.4*math.Abs(math.Sin(math.Pi*syllableHz*t))
		if i < ramp {
			env *= float64(i) / float64(ramp)
		}
		if tail := n - 1 - i; tail < ramp {
			env *= float64(tail) / float64(ramp)
		}
		samples[i] = float32(amplitude * env * math.Sin(2*math.Pi*freq*t))
	}
	return tts.NewResult(&audio.Buffer{Samples: samples, SampleRate: p.sampleRate, Channels: 1}), nil
}

// pitch maps a voice to a fundamental between 110 and 260 Hz, shifted by
// PitchShift semitones.
func pitch(v tts.VoiceProfile) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(v.ID))
	base := 110 + float64(h.Sum32()%150)
	return base * math.Pow(2, v.PitchShift/12)
}

// ListVoices returns a small fixed set of voices.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	names := []string{"low", "mid", "high"}
	out := make([]tts.VoiceProfile, 0, len(names))
	for _, n := range names {
		out = append(out, tts.VoiceProfile{ID: n, Name: n, Provider: "tone"})
	}
	return out, nil
}
