// Package mock provides in-memory mock implementations of the [audio.Mixer]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mx := &mock.Mixer{PlayDelay: 10 * time.Millisecond}
//	err := mx.Play(ctx, "alice", buf, audio.PlayOptions{})
//	calls := mx.PlayCalls()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/quarrel/pkg/audio"
)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink] that keeps every frame.
type Sink struct {
	mu sync.Mutex

	// WriteError is returned by [Sink.WriteFrame]. The frame is still recorded.
	WriteError error

	// CloseError is returned by [Sink.Close].
	CloseError error

	frames     []audio.AudioFrame
	closeCalls int
}

// WriteFrame implements [audio.Sink].
func (s *Sink) WriteFrame(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	s.frames = append(s.frames, cp)
	return s.WriteError
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return s.CloseError
}

// Frames returns a copy of the frames written so far.
func (s *Sink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Sink) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── Mixer ────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Mixer.Play] invocation.
type PlayCall struct {
	SpeakerID string
	Buffer    *audio.Buffer
	Options   audio.PlayOptions
}

// DuckCall records the arguments of a single [Mixer.DuckOthers] invocation.
type DuckCall struct {
	ActiveSpeakerID string
	Level           float64
}

// Mixer is a mock implementation of [audio.Mixer]. Play blocks for the clip's
// duration (or PlayDelay, when set) and honours context cancellation, which
// is enough to exercise the timing of a dialogue scheduler without rendering
// any audio.
type Mixer struct {
	mu sync.Mutex

	// PlayDelay overrides how long Play blocks. Zero means the buffer's
	// duration.
	PlayDelay time.Duration

	// PlayError is returned by Play after the delay elapsed.
	PlayError error

	// OnPlay, when set, is called at the start of each Play.
	OnPlay func(speakerID string)

	channels    map[string]float64 // speaker → pan
	volumes     map[string]float64
	silenced    map[string]int
	playCalls   []PlayCall
	duckCalls   []DuckCall
	restores    int
	active      map[string]int
	maxActive   int
	activeCount int
}

func (m *Mixer) initLocked() {
	if m.channels == nil {
		m.channels = make(map[string]float64)
		m.volumes = make(map[string]float64)
		m.silenced = make(map[string]int)
		m.active = make(map[string]int)
	}
}

// EnsureChannel implements [audio.Mixer].
func (m *Mixer) EnsureChannel(speakerID string, pan float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked()
	if _, ok := m.channels[speakerID]; !ok {
		m.channels[speakerID] = pan
	}
}

// Play implements [audio.Mixer].
func (m *Mixer) Play(ctx context.Context, speakerID string, buf *audio.Buffer, opts audio.PlayOptions) error {
	m.mu.Lock()
	m.initLocked()
	m.playCalls = append(m.playCalls, PlayCall{SpeakerID: speakerID, Buffer: buf, Options: opts})
	if _, ok := m.channels[speakerID]; !ok {
		m.channels[speakerID] = 0
	}
	m.active[speakerID]++
	m.activeCount++
	m.maxActive = max(m.maxActive, m.activeCount)
	delay := m.PlayDelay
	if delay == 0 {
		delay = buf.Duration()
	}
	onPlay := m.OnPlay
	playErr := m.PlayError
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active[speakerID]--
		m.activeCount--
		m.mu.Unlock()
	}()

	if onPlay != nil {
		onPlay(speakerID)
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return playErr
	}
}

// DuckOthers implements [audio.Mixer].
func (m *Mixer) DuckOthers(activeSpeakerID string, level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duckCalls = append(m.duckCalls, DuckCall{ActiveSpeakerID: activeSpeakerID, Level: level})
}

// RestoreAllVolumes implements [audio.Mixer].
func (m *Mixer) RestoreAllVolumes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores++
}

// SetVolume implements [audio.Mixer].
func (m *Mixer) SetVolume(speakerID string, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked()
	m.volumes[speakerID] = volume
}

// SetPan implements [audio.Mixer].
func (m *Mixer) SetPan(speakerID string, pan float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked()
	m.channels[speakerID] = pan
}

// Silence implements [audio.Mixer].
func (m *Mixer) Silence(speakerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked()
	m.silenced[speakerID]++
}

// PlayCalls returns a copy of the recorded Play invocations.
func (m *Mixer) PlayCalls() []PlayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlayCall, len(m.playCalls))
	copy(out, m.playCalls)
	return out
}

// DuckCalls returns a copy of the recorded DuckOthers invocations.
func (m *Mixer) DuckCalls() []DuckCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DuckCall, len(m.duckCalls))
	copy(out, m.duckCalls)
	return out
}

// RestoreCalls returns how many times RestoreAllVolumes was called.
func (m *Mixer) RestoreCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restores
}

// SilenceCalls returns how many times Silence was called for speakerID.
func (m *Mixer) SilenceCalls(speakerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.silenced[speakerID]
}

// Pan returns the recorded pan of speakerID and whether a channel exists.
func (m *Mixer) Pan(speakerID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.channels[speakerID]
	return p, ok
}

// Volume returns the last volume set for speakerID.
func (m *Mixer) Volume(speakerID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[speakerID]
	return v, ok
}

// Active reports how many Play calls for speakerID are currently blocked.
func (m *Mixer) Active(speakerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[speakerID]
}

// MaxConcurrent returns the highest number of simultaneously blocked Play
// calls observed.
func (m *Mixer) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}
