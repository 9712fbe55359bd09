package main

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/quarrel/internal/config"
	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

func builtinRegistry(t *testing.T) *config.Registry {
	t.Helper()
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg)
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) {
		return nil, errors.New("no credentials")
	})
	return reg
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := builtinRegistry(t)
	for _, name := range config.ValidProviderNames["tts"] {
		if !slices.Contains(reg.TTSNames(), name) {
			t.Errorf("tts %q not registered", name)
		}
	}
	for _, name := range config.ValidProviderNames["output"] {
		if !slices.Contains(reg.OutputNames(), name) {
			t.Errorf("output %q not registered", name)
		}
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		yaml      string
		wantTTS   string
		fallbacks int
		wantErr   string
	}{
		{
			name:    "defaults to tones and null output",
			yaml:    "server:\n  log_level: info\n",
			wantTTS: "tone",
		},
		{
			name: "unregistered fallback is skipped",
			yaml: `
providers:
  tts:
    name: tone
  tts_fallbacks:
    - name: tone
    - name: homegrown
`,
			wantTTS:   "tone",
			fallbacks: 1,
		},
		{
			name: "failing fallback aborts",
			yaml: `
providers:
  tts:
    name: tone
  tts_fallbacks:
    - name: broken
`,
			wantErr: "no credentials",
		},
		{
			name: "discord needs 48 kHz",
			yaml: `
engine:
  sample_rate: 24000
output:
  name: discord
`,
			wantErr: "48000",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("config: %v", err)
			}
			ps, err := buildProviders(cfg, builtinRegistry(t))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ps.TTS.Name != tc.wantTTS || ps.TTS.Provider == nil {
				t.Errorf("tts = %+v", ps.TTS)
			}
			if len(ps.TTSFallbacks) != tc.fallbacks {
				t.Errorf("fallbacks = %d, want %d", len(ps.TTSFallbacks), tc.fallbacks)
			}
			if _, ok := ps.Output.(audio.Discard); !ok {
				t.Errorf("output = %T, want audio.Discard", ps.Output)
			}
		})
	}
}
