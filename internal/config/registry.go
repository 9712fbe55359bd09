package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// OutputFactory builds an audio output sink. The sample rate and frame length
// are the mixer's, so the sink can size its buffers.
type OutputFactory func(entry ProviderEntry, sampleRate int, frame time.Duration) (audio.Sink, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tts    map[string]func(ProviderEntry) (tts.Provider, error)
	output map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:    make(map[string]func(ProviderEntry) (tts.Provider, error)),
		output: make(map[string]OutputFactory),
	}
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterOutput registers an output sink factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateOutput instantiates an output sink using the factory registered under
// entry.Name.
func (r *Registry) CreateOutput(entry ProviderEntry, sampleRate int, frame time.Duration) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.output[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, sampleRate, frame)
}

// TTSNames returns the registered TTS provider names, sorted.
func (r *Registry) TTSNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.tts))
}

// OutputNames returns the registered output names, sorted.
func (r *Registry) OutputNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.output))
}

// String returns Options[key] when it is a string, or "".
func (e ProviderEntry) String(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// Float returns Options[key] as a float. YAML integers are accepted.
func (e ProviderEntry) Float(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns Options[key] as an integer.
func (e ProviderEntry) Int(key string) (int, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), v == float64(int(v))
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// Duration returns Options[key] parsed with [time.ParseDuration].
func (e ProviderEntry) Duration(key string) (time.Duration, bool) {
	s, ok := e.Options[key].(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	return d, err == nil
}
