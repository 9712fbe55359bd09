package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/quarrel/internal/observe"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// several synthesis backends. Every attempt is counted in the provider
// metrics under the backend's name.
type TTSFallback struct {
	group   *FallbackGroup[tts.Provider]
	metrics *observe.Metrics
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend. A nil metrics uses [observe.DefaultMetrics].
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig, metrics *observe.Metrics) *TTSFallback {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &TTSFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		metrics: metrics,
	}
}

// AddFallback registers an additional backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize runs the request against the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Result, error) {
	res, _, err := ExecuteWithResult(ctx, f.group, func(name string, p tts.Provider) (*tts.Result, error) {
		start := time.Now()
		res, err := p.Synthesize(ctx, text, opts)
		if err != nil {
			f.metrics.RecordProviderRequest(ctx, name, "tts", "error")
			if !IsCallerError(err) {
				f.metrics.RecordProviderError(ctx, name, "tts")
			}
			return nil, err
		}
		f.metrics.RecordProviderRequest(ctx, name, "tts", "ok")
		f.metrics.RecordTTS(ctx, name, time.Since(start))
		return res, nil
	})
	return res, err
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	voices, _, err := ExecuteWithResult(ctx, f.group, func(_ string, p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
	return voices, err
}

// Healthy reports whether any backend would accept a call.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }

// Breakers returns the breaker state of every backend.
func (f *TTSFallback) Breakers() []Snapshot { return f.group.Snapshots() }
