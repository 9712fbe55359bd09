// Package interrupt implements the interruption limiter: a pure policy check
// plus a pure counter that keeps one speaker from being cut into too often
// while it is in the middle of a long-form quarrel.
//
// Records are kept per (target, interrupter) pair. The limiter never submits
// utterances itself; callers ask [Limiter.CanInterrupt], inject their
// interjection, and then call [Limiter.RecordInterruption].
package interrupt

import (
	"sync"
	"time"
)

const (
	// DefaultCooldown is the minimum spacing between two interruptions of the
	// same pair.
	DefaultCooldown = time.Second

	// DefaultMaxPerQuarrel is how many times one interrupter may cut into one
	// target's session.
	DefaultMaxPerQuarrel = 2
)

// Config holds the limiter policy.
type Config struct {
	Cooldown      time.Duration `yaml:"interruption_cooldown" json:"interruption_cooldown"`
	MaxPerQuarrel int           `yaml:"max_interruptions" json:"max_interruptions"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{Cooldown: DefaultCooldown, MaxPerQuarrel: DefaultMaxPerQuarrel}
}

// SessionLookup reports whether a speaker currently has an active long-form
// playback session. The segmented playback controller satisfies it.
type SessionLookup interface {
	IsPlaying(speakerID string) bool
}

// Record is the interruption history of one (target, interrupter) pair.
type Record struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

type pairKey struct {
	target      string
	interrupter string
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter is the interruption limiter. It is safe for concurrent use.
type Limiter struct {
	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	records map[pairKey]Record
}

// New returns a limiter with the given policy. Non-positive fields fall back
// to the defaults.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		now:     time.Now,
		cfg:     normalize(cfg),
		records: make(map[pairKey]Record),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func normalize(cfg Config) Config {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxPerQuarrel <= 0 {
		cfg.MaxPerQuarrel = DefaultMaxPerQuarrel
	}
	return cfg
}

// SetConfig replaces the policy. Existing records are kept.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = normalize(cfg)
}

// Config returns the current policy.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// CanInterrupt reports whether interrupterID may cut into targetID right
// now. It is false when the target has no active session, when the pair's
// last interruption is within the cooldown, or when the pair has used its
// budget for the current session.
func (l *Limiter) CanInterrupt(targetID, interrupterID string, sessions SessionLookup) bool {
	if sessions == nil || !sessions.IsPlaying(targetID) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[pairKey{targetID, interrupterID}]
	if !ok {
		return true
	}
	if rec.Count >= l.cfg.MaxPerQuarrel {
		return false
	}
	return l.now().Sub(rec.Last) >= l.cfg.Cooldown
}

// RecordInterruption counts one interruption of targetID by interrupterID.
// Call it right after the interjection was successfully submitted.
func (l *Limiter) RecordInterruption(targetID, interrupterID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := pairKey{targetID, interrupterID}
	rec := l.records[k]
	rec.Count++
	rec.Last = l.now()
	l.records[k] = rec
}

// ResetInterruptionHistory forgets every record whose target is targetID.
// Call it when the target's session ends, normally or by interruption.
func (l *Limiter) ResetInterruptionHistory(targetID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.records {
		if k.target == targetID {
			delete(l.records, k)
		}
	}
}

// History returns the records of targetID keyed by interrupter.
func (l *Limiter) History(targetID string) map[string]Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Record)
	for k, r := range l.records {
		if k.target == targetID {
			out[k.interrupter] = r
		}
	}
	return out
}
