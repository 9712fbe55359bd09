// Package mock provides a test double for the tts.Provider interface.
//
// Provider synthesizes silent clips of a configurable length, can fail or
// stall on chosen lines, and records every call.
//
//	p := &mock.Provider{
//	    ClipDuration: 200 * time.Millisecond,
//	    Errors:       map[string]error{"bad line": errors.New("boom")},
//	}
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text    string
	Options tts.SynthesisOptions
}

// Provider is a mock implementation of tts.Provider. The zero value returns
// 100 ms clips at 48 kHz. Configure fields before first use.
type Provider struct {
	// ClipDuration is the length of every clip. Zero means 100 ms.
	ClipDuration time.Duration

	// Durations overrides ClipDuration per text.
	Durations map[string]time.Duration

	// SampleRate of the produced clips. Zero means 48 kHz.
	SampleRate int

	// Delay is how long Synthesize waits before answering. It honours ctx.
	Delay time.Duration

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// Errors maps text to the error Synthesize returns for it.
	Errors map[string]error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	mu    sync.Mutex
	calls []SynthesizeCall
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SynthesizeCall{Text: text, Options: opts})
	p.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := p.Errors[text]; ok {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}

	d := p.ClipDuration
	if v, ok := p.Durations[text]; ok {
		d = v
	}
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	rate := p.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	n := max(int(d*time.Duration(rate)/time.Second), 1)
	return tts.NewResult(&audio.Buffer{Samples: make([]float32, n), SampleRate: rate, Channels: 1}), nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.Voices, nil
}

// Calls returns a copy of all recorded Synthesize invocations.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// CallCount returns the number of Synthesize invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Texts returns the text of every recorded call, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
