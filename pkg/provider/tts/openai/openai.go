// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Clips are requested as raw PCM (24 kHz, 16-bit, mono) so they can be handed
// to the mixer without a container parser.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

const (
	// DefaultModel is the default OpenAI speech model.
	DefaultModel = "gpt-4o-mini-tts"

	// DefaultVoice is used when a request names no voice.
	DefaultVoice = "alloy"

	// pcmSampleRate is the fixed rate of the "pcm" response format.
	pcmSampleRate = 24000
)

// builtinVoices is the fixed catalogue of OpenAI speech voices.
var builtinVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse",
}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
	instructions string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests. Negative
// keeps the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithInstructions sets the delivery instructions sent with every request
// (only honoured by the gpt-4o-mini-tts family).
func WithInstructions(s string) Option {
	return func(c *config) {
		c.instructions = s
	}
}

// New constructs an OpenAI TTS Provider. If model is empty, DefaultModel is
// used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.instructions,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}
	voice := opts.Voice.ID
	if voice == "" {
		voice = DefaultVoice
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if opts.Voice.SpeedFactor != 0 {
		params.Speed = oai.Float(opts.Voice.Speed())
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	buf, err := audio.DecodePCM16(pcm, pcmSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("openai tts: decode audio: %w", err)
	}
	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("openai tts: empty audio: %w", err)
	}
	return tts.NewResult(buf), nil
}

// ListVoices returns the built-in voice catalogue. It makes no request.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		out = append(out, tts.VoiceProfile{
			ID:       v,
			Name:     strings.ToUpper(v[:1]) + v[1:],
			Provider: "openai",
			Metadata: map[string]string{"model": p.model},
		})
	}
	return out, nil
}
