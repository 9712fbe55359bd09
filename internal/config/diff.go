package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Live-tunable
// changes are classified so the application can apply them in place;
// everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineTuningChanged is set when concurrency, ducking, master gain,
	// synthesis timeout or speaker strictness changed.
	EngineTuningChanged bool

	// QuarrelChanged is set when pacing or interruption policy changed.
	QuarrelChanged bool

	SpeakersChanged bool
	SpeakerChanges  []SpeakerDiff

	// RestartRequired names the changed keys that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EngineTuningChanged && !d.QuarrelChanged &&
		!d.SpeakersChanged && len(d.RestartRequired) == 0
}

// SpeakerDiff describes what changed for a single speaker.
type SpeakerDiff struct {
	ID               string
	Added            bool
	Removed          bool
	VoiceChanged     bool
	PlacementChanged bool // pan or volume
	LanguageChanged  bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oe, ne := old.Engine, new.Engine
	if oe.MaxConcurrent != ne.MaxConcurrent ||
		oe.DuckingEnabled() != ne.DuckingEnabled() ||
		oe.DuckLevel != ne.DuckLevel ||
		oe.Master() != ne.Master() ||
		oe.SynthesisTimeout != ne.SynthesisTimeout ||
		oe.StrictSpeakers != ne.StrictSpeakers {
		d.EngineTuningChanged = true
	}
	if old.Quarrel != new.Quarrel {
		d.QuarrelChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("telemetry", old.Telemetry != new.Telemetry)
	restart("providers", !reflect.DeepEqual(old.Providers, new.Providers))
	restart("output", !reflect.DeepEqual(old.Output, new.Output))
	restart("engine.sample_rate", oe.SampleRate != ne.SampleRate)
	restart("engine.frame", oe.Frame != ne.Frame)
	restart("engine.smoothing", oe.Smoothing != ne.Smoothing)
	restart("engine.fade_out", oe.FadeOut != ne.FadeOut)
	restart("engine.watchdog_padding", oe.WatchdogPadding != ne.WatchdogPadding)

	oldSpk := make(map[string]*SpeakerConfig, len(old.Speakers))
	for i := range old.Speakers {
		oldSpk[old.Speakers[i].ID] = &old.Speakers[i]
	}
	newSpk := make(map[string]*SpeakerConfig, len(new.Speakers))
	for i := range new.Speakers {
		newSpk[new.Speakers[i].ID] = &new.Speakers[i]
	}

	for _, id := range slices.Sorted(maps.Keys(oldSpk)) {
		n, ok := newSpk[id]
		if !ok {
			d.SpeakerChanges = append(d.SpeakerChanges, SpeakerDiff{ID: id, Removed: true})
			continue
		}
		if sd := diffSpeaker(oldSpk[id], n); sd.VoiceChanged || sd.PlacementChanged || sd.LanguageChanged {
			d.SpeakerChanges = append(d.SpeakerChanges, sd)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(newSpk)) {
		if _, ok := oldSpk[id]; !ok {
			d.SpeakerChanges = append(d.SpeakerChanges, SpeakerDiff{ID: id, Added: true})
		}
	}
	d.SpeakersChanged = len(d.SpeakerChanges) > 0
	return d
}

func diffSpeaker(old, new *SpeakerConfig) SpeakerDiff {
	sd := SpeakerDiff{ID: old.ID}
	sd.VoiceChanged = old.Voice != new.Voice || old.Name != new.Name
	sd.PlacementChanged = old.Pan != new.Pan || volume(old.Volume) != volume(new.Volume)
	sd.LanguageChanged = old.Language != new.Language
	return sd
}

func volume(v *float64) float64 {
	if v == nil {
		return 1
	}
	return *v
}
