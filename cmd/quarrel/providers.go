package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/quarrel/internal/app"
	"github.com/MrWong99/quarrel/internal/config"
	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/audio/discord"
	"github.com/MrWong99/quarrel/pkg/audio/portaudio"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
	"github.com/MrWong99/quarrel/pkg/provider/tts/coqui"
	"github.com/MrWong99/quarrel/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/quarrel/pkg/provider/tts/openai"
	"github.com/MrWong99/quarrel/pkg/provider/tts/tone"
)

// defaultTTS is used when no synthesis provider is configured, so a fresh
// install renders audible placeholders.
const defaultTTS = "tone"

// registerBuiltinProviders wires all built-in provider factories into reg.
// ctx bounds the setup of outputs that connect to remote services.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.String("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			ws := entry.String("ws_base_url")
			if ws == "" {
				ws = "ws" + strings.TrimPrefix(entry.BaseURL, "http")
			}
			opts = append(opts, elevenlabs.WithBaseURLs(ws, entry.BaseURL))
		}
		stability, okS := entry.Float("stability")
		similarity, okB := entry.Float("similarity_boost")
		if okS || okB {
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.String("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.String("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d, ok := entry.Duration("timeout"); ok {
			opts = append(opts, coqui.WithTimeout(d))
		}
		if rate, ok := entry.Int("sample_rate"); ok {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.String("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, ok := entry.Duration("timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok := entry.Int("max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		if s := entry.String("instructions"); s != "" {
			opts = append(opts, openai.WithInstructions(s))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("tone", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []tone.Option
		if rate, ok := entry.Int("sample_rate"); ok {
			opts = append(opts, tone.WithSampleRate(rate))
		}
		if d, ok := entry.Duration("per_rune"); ok {
			opts = append(opts, tone.WithPerRune(d))
		}
		return tone.New(opts...), nil
	})

	// ── Output ────────────────────────────────────────────────────────────────

	reg.RegisterOutput("null", func(config.ProviderEntry, int, time.Duration) (audio.Sink, error) {
		return audio.Discard{}, nil
	})

	reg.RegisterOutput("portaudio", func(entry config.ProviderEntry, sampleRate int, frame time.Duration) (audio.Sink, error) {
		var opts []portaudio.Option
		if d, ok := entry.Duration("latency"); ok {
			opts = append(opts, portaudio.WithLatency(d))
		}
		return portaudio.Open(sampleRate, frame, opts...)
	})

	reg.RegisterOutput("discord", func(entry config.ProviderEntry, sampleRate int, _ time.Duration) (audio.Sink, error) {
		if sampleRate != 48000 {
			return nil, fmt.Errorf("discord output needs engine.sample_rate 48000, got %d", sampleRate)
		}
		token := entry.APIKey
		if token == "" {
			token = entry.String("token")
		}
		return discord.Open(ctx, discord.Config{
			Token:     token,
			GuildID:   entry.String("guild_id"),
			ChannelID: entry.String("channel_id"),
		})
	})

	slog.Debug("registered providers", "tts", reg.TTSNames(), "output", reg.OutputNames())
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Fallbacks without a registered factory are skipped; a missing primary or
// output is an error.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	primary := cfg.Providers.TTS
	if primary.Name == "" {
		primary.Name = defaultTTS
		slog.Info("no tts provider configured, using placeholder tones", "name", defaultTTS)
	}
	p, err := reg.CreateTTS(primary)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", primary.Name, err)
	}
	ps.TTS = app.NamedTTS{Name: primary.Name, Provider: p}
	slog.Info("provider created", "kind", "tts", "name", primary.Name)

	for _, fb := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered, skipping", "kind", "tts", "name", fb.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		ps.TTSFallbacks = append(ps.TTSFallbacks, app.NamedTTS{Name: fb.Name, Provider: p})
		slog.Info("provider created", "kind", "tts_fallback", "name", fb.Name)
	}

	sink, err := reg.CreateOutput(cfg.Output, cfg.Engine.SampleRate, cfg.Engine.Frame)
	if err != nil {
		return nil, fmt.Errorf("create output %q: %w", cfg.Output.Name, err)
	}
	ps.Output = sink
	slog.Info("provider created", "kind", "output", "name", cfg.Output.Name)

	return ps, nil
}
