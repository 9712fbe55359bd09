package app

import (
	"log/slog"

	"github.com/MrWong99/quarrel/internal/config"
	"github.com/MrWong99/quarrel/internal/interrupt"
	"github.com/MrWong99/quarrel/internal/quarrel"
	"github.com/MrWong99/quarrel/internal/room"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

// RoomConfig extracts the live-tunable engine settings from cfg.
func RoomConfig(cfg *config.Config) room.Config {
	e, q := cfg.Engine, cfg.Quarrel
	return room.Config{
		MaxConcurrent:    e.MaxConcurrent,
		Ducking:          e.DuckingEnabled(),
		DuckLevel:        e.DuckLevel,
		SynthesisTimeout: e.SynthesisTimeout,
		RequireWindow:    q.RequireWindow,
		StrictSpeakers:   e.StrictSpeakers,
		Quarrel: quarrel.Config{
			SegmentGap:         q.SegmentGap,
			InterruptionWindow: q.InterruptionWindow,
		},
		Interrupt: interrupt.Config{
			Cooldown:      q.InterruptionCooldown,
			MaxPerQuarrel: q.MaxInterruptions,
		},
	}
}

// SpeakerFromConfig converts one speakers[] entry.
func SpeakerFromConfig(sc config.SpeakerConfig) room.SpeakerConfig {
	return room.SpeakerConfig{
		ID:       sc.ID,
		Name:     sc.Name,
		Pan:      sc.Pan,
		Volume:   sc.Volume,
		Language: sc.Language,
		Voice: tts.VoiceProfile{
			ID:          sc.Voice.VoiceID,
			Name:        sc.Name,
			Provider:    sc.Voice.Provider,
			PitchShift:  sc.Voice.PitchShift,
			SpeedFactor: sc.Voice.SpeedFactor,
		},
	}
}

// SlogLevel maps a config log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyConfig is the hot-reload callback of the config watcher.
func (a *App) applyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.EngineTuningChanged || d.QuarrelChanged {
		a.room.ApplyTuning(RoomConfig(next))
		a.mixer.SetMasterGain(next.Engine.Master())
	}

	if d.SpeakersChanged {
		byID := make(map[string]config.SpeakerConfig, len(next.Speakers))
		for _, sc := range next.Speakers {
			byID[sc.ID] = sc
		}
		for _, sd := range d.SpeakerChanges {
			if sd.Removed {
				a.room.RemoveSpeaker(sd.ID)
				continue
			}
			if err := a.room.RegisterSpeaker(SpeakerFromConfig(byID[sd.ID])); err != nil {
				a.log.Warn("hot reload: speaker update rejected", "speaker", sd.ID, "err", err)
			}
		}
	}

	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", "keys", d.RestartRequired)
	}
}
