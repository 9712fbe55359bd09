// Package portaudio provides an [audio.Sink] that plays the rendered mix on
// the default local output device through gordonklaus/portaudio.
//
// The device pulls audio from a callback; frames written by the mixer are
// queued in between. Underruns are filled with silence and writes beyond the
// configured latency are dropped, so neither side ever blocks the other.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/quarrel/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

const (
	channels       = 2
	defaultLatency = 200 * time.Millisecond
)

var (
	// ErrClosed is returned by WriteFrame after Close.
	ErrClosed = errors.New("portaudio: sink closed")

	// ErrFormat is returned for frames that do not match the stream.
	ErrFormat = errors.New("portaudio: frame format does not match the stream")
)

// stream is the part of *portaudio.Stream the sink drives.
type stream interface {
	Start() error
	Stop() error
	Close() error
}

// Sink plays stereo PCM16 frames on a local device.
//
// Sink is safe for concurrent use.
type Sink struct {
	sampleRate int
	latency    time.Duration
	log        *slog.Logger

	mu         sync.Mutex
	pending    []int16
	maxPending int

	stream    stream
	terminate func() error

	closeOnce sync.Once
	closed    atomic.Bool
	underruns atomic.Int64
	dropped   atomic.Int64
}

// Option is a functional option for Open.
type Option func(*Sink)

// WithLatency bounds how much audio may be queued ahead of the device.
func WithLatency(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.latency = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// Open initialises PortAudio and starts a stereo output stream on the
// default device. frame is the renderer's frame length and becomes the
// device buffer size.
func Open(sampleRate int, frame time.Duration, opts ...Option) (*Sink, error) {
	if sampleRate <= 0 || frame <= 0 {
		return nil, fmt.Errorf("portaudio: invalid stream format %d Hz / %v", sampleRate, frame)
	}
	s := newSink(sampleRate, opts...)

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	framesPerBuffer := int(int64(sampleRate) * int64(frame) / int64(time.Second))
	st, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), framesPerBuffer, s.fill)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open default stream: %w", err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.stream = st
	s.terminate = portaudio.Terminate
	s.log.Info("portaudio: output stream started", "sample_rate", sampleRate, "buffer_frames", framesPerBuffer, "latency", s.latency)
	return s, nil
}

func newSink(sampleRate int, opts ...Option) *Sink {
	s := &Sink{
		sampleRate: sampleRate,
		latency:    defaultLatency,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.maxPending = int(int64(sampleRate)*int64(s.latency)/int64(time.Second)) * channels
	return s
}

// WriteFrame implements [audio.Sink]. Frames that would push the queue past
// the latency bound are dropped.
func (s *Sink) WriteFrame(frame audio.AudioFrame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if frame.SampleRate != s.sampleRate || frame.Channels != channels {
		return fmt.Errorf("%w: got %d Hz, %d channels", ErrFormat, frame.SampleRate, frame.Channels)
	}
	n := len(frame.Data) / 2

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending)+n > s.maxPending {
		s.dropped.Add(1)
		return nil
	}
	for i := range n {
		s.pending = append(s.pending, int16(frame.Data[i*2])|int16(frame.Data[i*2+1])<<8)
	}
	return nil
}

// fill is the device callback: it copies queued samples into out and pads
// the rest with silence.
func (s *Sink) fill(out []int16) {
	s.mu.Lock()
	n := copy(out, s.pending)
	s.pending = s.pending[:copy(s.pending, s.pending[n:])]
	s.mu.Unlock()

	if n < len(out) {
		clear(out[n:])
		if n > 0 {
			s.underruns.Add(1)
		}
	}
}

// Queued returns how much audio is waiting for the device.
func (s *Sink) Queued() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(len(s.pending)/channels) * time.Second / time.Duration(s.sampleRate)
}

// Underruns returns how often the device drained the queue mid-buffer.
func (s *Sink) Underruns() int64 { return s.underruns.Load() }

// Dropped returns the number of frames discarded for exceeding the latency
// bound.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close stops the stream and releases PortAudio. It is safe to call more
// than once; later calls return nil.
func (s *Sink) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.stream != nil {
			if err := s.stream.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
			}
			if err := s.stream.Close(); err != nil {
				errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
			}
		}
		if s.terminate != nil {
			if err := s.terminate(); err != nil {
				errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
			}
		}
		s.log.Info("portaudio: output stream closed", "underruns", s.Underruns(), "dropped", s.Dropped())
	})
	return errors.Join(errs...)
}
