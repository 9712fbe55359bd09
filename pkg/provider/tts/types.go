package tts

import (
	"fmt"
	"strconv"
)

// VoiceProfile describes the voice a speaker is rendered with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"id" yaml:"voice_id"`

	// Name is the human-readable voice name.
	Name string `json:"name,omitempty" yaml:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `json:"provider,omitempty" yaml:"provider"`

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64 `json:"pitch_shift,omitempty" yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default; 0 means
	// default).
	SpeedFactor float64 `json:"speed_factor,omitempty" yaml:"speed_factor"`

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Speed returns SpeedFactor clamped to [0.5, 2], treating zero as 1.
func (v VoiceProfile) Speed() float64 {
	switch {
	case v.SpeedFactor == 0:
		return 1
	case v.SpeedFactor < 0.5:
		return 0.5
	case v.SpeedFactor > 2:
		return 2
	}
	return v.SpeedFactor
}

// CacheKey returns a stable identifier of the voice's audible parameters.
// Two profiles with the same key produce the same audio for the same text.
func (v VoiceProfile) CacheKey() string {
	return fmt.Sprintf("%s/%s/%s/%s", v.Provider, v.ID,
		strconv.FormatFloat(v.PitchShift, 'g', -1, 64),
		strconv.FormatFloat(v.Speed(), 'g', -1, 64))
}
