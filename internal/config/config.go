// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the Quarrel dialogue engine.
package config

import "time"

// LogLevel controls log verbosity for the Quarrel server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Engine defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultMaxConcurrent    = 2
	DefaultDuckLevel        = 0.25
	DefaultSmoothing        = 50 * time.Millisecond
	DefaultFadeOut          = 50 * time.Millisecond
	DefaultWatchdogPadding  = 100 * time.Millisecond
	DefaultSynthesisTimeout = 30 * time.Second
	DefaultSampleRate       = 48000
	DefaultFrame            = 20 * time.Millisecond
	DefaultSegmentGap       = 300 * time.Millisecond
	DefaultInterruptWindow  = 300 * time.Millisecond
	DefaultInterruptCool    = time.Second
	DefaultMaxInterruptions = 2
	DefaultCacheSize        = 256
)

// Config is the root configuration structure for Quarrel.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers ProvidersConfig `yaml:"providers"`
	Output    ProviderEntry   `yaml:"output"`
	Engine    EngineConfig    `yaml:"engine"`
	Quarrel   QuarrelConfig   `yaml:"quarrel"`
	Speakers  []SpeakerConfig `yaml:"speakers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP control surface.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Zero means 15 s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	ServiceName      string  `yaml:"service_name"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ProvidersConfig selects the speech synthesis backends.
type ProvidersConfig struct {
	// TTS is the primary synthesis provider.
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`

	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig configures the synthesis cache in front of the providers.
type CacheConfig struct {
	Disabled bool `yaml:"disabled"`

	// Size is the maximum number of cached clips.
	Size int `yaml:"size"`
}

// ProviderEntry is the common configuration block of every pluggable
// component. Name selects the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "elevenlabs", "discord").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// EngineConfig tunes the scheduler and the mixer.
type EngineConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`

	// Ducking attenuates every speaker but the leading one while several are
	// sounding. Nil means enabled.
	Ducking   *bool   `yaml:"ducking"`
	DuckLevel float64 `yaml:"duck_level"`

	Smoothing        time.Duration `yaml:"smoothing"`
	FadeOut          time.Duration `yaml:"fade_out"`
	WatchdogPadding  time.Duration `yaml:"watchdog_padding"`
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`

	SampleRate int           `yaml:"sample_rate"`
	Frame      time.Duration `yaml:"frame"`

	// MasterGain scales the whole mix. Nil means 1.
	MasterGain *float64 `yaml:"master_gain"`

	// StrictSpeakers rejects utterances from speakers not listed in
	// speakers[].
	StrictSpeakers bool `yaml:"strict_speakers"`
}

// DuckingEnabled reports the effective ducking switch.
func (e EngineConfig) DuckingEnabled() bool {
	return e.Ducking == nil || *e.Ducking
}

// Master returns the effective master gain.
func (e EngineConfig) Master() float64 {
	if e.MasterGain == nil {
		return 1
	}
	return *e.MasterGain
}

// QuarrelConfig tunes long-form playback and the interruption policy.
type QuarrelConfig struct {
	SegmentGap           time.Duration `yaml:"segment_gap"`
	InterruptionWindow   time.Duration `yaml:"interruption_window"`
	InterruptionCooldown time.Duration `yaml:"interruption_cooldown"`
	MaxInterruptions     int           `yaml:"max_interruptions"`

	// RequireWindow only lets interjections through in the window after a
	// segment.
	RequireWindow bool `yaml:"require_window"`
}

// SpeakerConfig binds a voice and a channel position to a speaker identity.
type SpeakerConfig struct {
	ID       string      `yaml:"id"`
	Name     string      `yaml:"name"`
	Pan      float64     `yaml:"pan"`
	Volume   *float64    `yaml:"volume"`
	Language string      `yaml:"language"`
	Voice    VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the synthesis voice of a speaker.
type VoiceConfig struct {
	// Provider is the TTS provider the voice belongs to.
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// PitchShift adjusts pitch in the range [-10, +10]. 0 means default.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ApplyDefaults fills zero values with the engine defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Providers.Cache.Size == 0 {
		cfg.Providers.Cache.Size = DefaultCacheSize
	}
	if cfg.Output.Name == "" {
		cfg.Output.Name = "null"
	}

	e := &cfg.Engine
	if e.MaxConcurrent == 0 {
		e.MaxConcurrent = DefaultMaxConcurrent
	}
	if e.DuckLevel == 0 {
		e.DuckLevel = DefaultDuckLevel
	}
	if e.Smoothing == 0 {
		e.Smoothing = DefaultSmoothing
	}
	if e.FadeOut == 0 {
		e.FadeOut = DefaultFadeOut
	}
	if e.WatchdogPadding == 0 {
		e.WatchdogPadding = DefaultWatchdogPadding
	}
	if e.SynthesisTimeout == 0 {
		e.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if e.SampleRate == 0 {
		e.SampleRate = DefaultSampleRate
	}
	if e.Frame == 0 {
		e.Frame = DefaultFrame
	}

	q := &cfg.Quarrel
	if q.SegmentGap == 0 {
		q.SegmentGap = DefaultSegmentGap
	}
	if q.InterruptionWindow == 0 {
		q.InterruptionWindow = DefaultInterruptWindow
	}
	if q.InterruptionCooldown == 0 {
		q.InterruptionCooldown = DefaultInterruptCool
	}
	if q.MaxInterruptions == 0 {
		q.MaxInterruptions = DefaultMaxInterruptions
	}
}
