package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/quarrel/internal/config"
)

func baseConfig() *config.Config {
	vol := 0.8
	cfg := &config.Config{
		Speakers: []config.SpeakerConfig{
			{ID: "a", Pan: -0.5, Volume: &vol, Voice: config.VoiceConfig{VoiceID: "va"}},
			{ID: "b", Pan: 0.5},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	off := false
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.Empty() {
					t.Errorf("diff = %+v, want empty", d)
				}
			},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "ducking toggled",
			mutate: func(c *config.Config) { c.Engine.Ducking = &off },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.EngineTuningChanged || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "quarrel pacing",
			mutate: func(c *config.Config) { c.Quarrel.SegmentGap = time.Second },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.QuarrelChanged || d.EngineTuningChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name: "restart-only keys",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Engine.SampleRate = 24000
				c.Providers.TTS.Name = "tone"
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				for _, key := range []string{"server.listen_addr", "engine.sample_rate", "providers"} {
					if !slices.Contains(d.RestartRequired, key) {
						t.Errorf("RestartRequired %v lacks %q", d.RestartRequired, key)
					}
				}
				if d.EngineTuningChanged {
					t.Error("restart-only change reported as tuning")
				}
			},
		},
		{
			name: "speakers",
			mutate: func(c *config.Config) {
				c.Speakers[0].Voice.VoiceID = "other"
				c.Speakers[0].Volume = nil
				c.Speakers = c.Speakers[:1]
				c.Speakers = append(c.Speakers, config.SpeakerConfig{ID: "c"})
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SpeakersChanged || len(d.SpeakerChanges) != 3 {
					t.Fatalf("changes = %+v", d.SpeakerChanges)
				}
				got := map[string]config.SpeakerDiff{}
				for _, sd := range d.SpeakerChanges {
					got[sd.ID] = sd
				}
				if a := got["a"]; !a.VoiceChanged || !a.PlacementChanged || a.LanguageChanged {
					t.Errorf("a = %+v", a)
				}
				if !got["b"].Removed || !got["c"].Added {
					t.Errorf("b = %+v, c = %+v", got["b"], got["c"])
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, next := baseConfig(), baseConfig()
			tc.mutate(next)
			tc.check(t, config.Diff(old, next))
		})
	}
}
