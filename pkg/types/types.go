// Package types defines the shared types used across all quarrel packages.
//
// These types form the lingua franca between the scheduler, the segmented
// playback controller, the room glue and the HTTP surface. They are
// intentionally minimal; each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"fmt"
	"strings"
)

// Priority is the scheduling tier of an utterance. Tiers form a total order:
// [PriorityMainFight] > [PriorityQuickJab] > [PriorityNormalChat]. The zero
// value is [PriorityNormalChat].
type Priority int

const (
	// PriorityNormalChat is background chatter. It yields to everything else.
	PriorityNormalChat Priority = iota

	// PriorityQuickJab is a brief interjection, typically injected into the
	// gap between two beats of somebody else's quarrel.
	PriorityQuickJab

	// PriorityMainFight is the primary exchange of a quarrel.
	PriorityMainFight
)

// String returns the canonical name of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityNormalChat:
		return "normal_chat"
	case PriorityQuickJab:
		return "quick_jab"
	case PriorityMainFight:
		return "main_fight"
	default:
		return "unknown"
	}
}

// IsValid reports whether p is one of the three defined tiers.
func (p Priority) IsValid() bool {
	return p >= PriorityNormalChat && p <= PriorityMainFight
}

// Outranks reports whether p is strictly more urgent than other.
func (p Priority) Outranks(other Priority) bool {
	return p > other
}

// ParsePriority converts a tier name into a [Priority]. Matching is case
// insensitive and accepts both snake_case ("main_fight") and the CamelCase
// spelling ("MainFight").
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "mainfight":
		return PriorityMainFight, nil
	case "quickjab":
		return PriorityQuickJab, nil
	case "normalchat", "":
		return PriorityNormalChat, nil
	}
	return PriorityNormalChat, fmt.Errorf("types: unknown priority %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("types: invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Tone is the emotional tag attached to one beat of a long-form quarrel by the
// upstream script generator.
type Tone string

const (
	ToneOpening    Tone = "opening"
	ToneEscalation Tone = "escalation"
	ToneCounter    Tone = "counter"
	ToneFinisher   Tone = "finisher"
)

// Priority maps the tone to the scheduling tier used when the beat is
// submitted. Confrontational tones claim [PriorityMainFight]; openings and any
// unrecognised tone fall back to [PriorityNormalChat].
func (t Tone) Priority() Priority {
	switch Tone(strings.ToLower(string(t))) {
	case ToneFinisher, ToneEscalation, ToneCounter:
		return PriorityMainFight
	default:
		return PriorityNormalChat
	}
}

// Beat is one chunk of a long-form quarrel as produced by the script
// generator: the line to speak and its tone.
type Beat struct {
	Text string `json:"text" yaml:"text"`
	Tone Tone   `json:"tone" yaml:"tone"`
}
