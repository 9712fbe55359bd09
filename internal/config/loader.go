package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in implementations per component kind.
// [Validate] warns about names outside this list; third-party factories can
// still be registered under any name.
var ValidProviderNames = map[string][]string{
	"tts":    {"elevenlabs", "coqui", "openai", "tone"},
	"output": {"null", "portaudio", "discord"},
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with the value of the environment
// variable. Unset variables expand to the empty string and are reported in
// the returned list.
func ExpandEnv(data []byte) ([]byte, []string) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
		return []byte(v)
	})
	return out, missing
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references, decodes the YAML in r,
// applies defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw, missing := ExpandEnv(raw)
	if len(missing) > 0 {
		slog.Warn("config references unset environment variables", "vars", missing)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}
	if cfg.Providers.TTS.Name == "" && len(cfg.Providers.TTSFallbacks) > 0 {
		errs = append(errs, errors.New("providers.tts_fallbacks requires providers.tts"))
	}
	if cfg.Providers.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("providers.cache.size %d must not be negative", cfg.Providers.Cache.Size))
	}
	validateProviderName("output", cfg.Output.Name)

	e := cfg.Engine
	if e.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent %d must be positive", e.MaxConcurrent))
	}
	if e.DuckLevel < 0 || e.DuckLevel > 1 {
		errs = append(errs, fmt.Errorf("engine.duck_level %.2f is out of range [0, 1]", e.DuckLevel))
	}
	if e.MasterGain != nil && (*e.MasterGain < 0 || *e.MasterGain > 1) {
		errs = append(errs, fmt.Errorf("engine.master_gain %.2f is out of range [0, 1]", *e.MasterGain))
	}
	for name, d := range map[string]int64{
		"smoothing":         int64(e.Smoothing),
		"fade_out":          int64(e.FadeOut),
		"watchdog_padding":  int64(e.WatchdogPadding),
		"synthesis_timeout": int64(e.SynthesisTimeout),
		"frame":             int64(e.Frame),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("engine.%s must not be negative", name))
		}
	}
	if e.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("engine.sample_rate %d must be positive", e.SampleRate))
	}

	q := cfg.Quarrel
	if q.SegmentGap < 0 || q.InterruptionWindow < 0 || q.InterruptionCooldown < 0 {
		errs = append(errs, errors.New("quarrel durations must not be negative"))
	}
	if q.MaxInterruptions < 0 {
		errs = append(errs, fmt.Errorf("quarrel.max_interruptions %d must be positive", q.MaxInterruptions))
	}

	seen := make(map[string]int, len(cfg.Speakers))
	for i, spk := range cfg.Speakers {
		prefix := fmt.Sprintf("speakers[%d]", i)
		if spk.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[spk.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of speakers[%d]", prefix, spk.ID, prev))
			}
			seen[spk.ID] = i
		}
		if spk.Pan < -1 || spk.Pan > 1 {
			errs = append(errs, fmt.Errorf("%s.pan %.2f is out of range [-1, 1]", prefix, spk.Pan))
		}
		if spk.Volume != nil && (*spk.Volume < 0 || *spk.Volume > 1) {
			errs = append(errs, fmt.Errorf("%s.volume %.2f is out of range [0, 1]", prefix, *spk.Volume))
		}
		if spk.Voice.SpeedFactor != 0 && (spk.Voice.SpeedFactor < 0.5 || spk.Voice.SpeedFactor > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, spk.Voice.SpeedFactor))
		}
		if spk.Voice.PitchShift < -10 || spk.Voice.PitchShift > 10 {
			errs = append(errs, fmt.Errorf("%s.voice.pitch_shift %.2f is out of range [-10, 10]", prefix, spk.Voice.PitchShift))
		}
		if spk.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && spk.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("speaker voice provider does not match the primary TTS provider",
				"speaker", spk.ID,
				"voice_provider", spk.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
