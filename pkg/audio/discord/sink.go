// Package discord provides an [audio.Sink] that plays the rendered mix into a
// Discord voice channel via the bwmarrin/discordgo library. It bridges the
// mixer's PCM [audio.AudioFrame] stream with Discord's Opus-based voice
// transport.
//
// [Open] creates its own gateway session, joins the configured channel and
// returns a [Sink] that owns both until [Sink.Close].
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/quarrel/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

const (
	frameBuffer = 64

	// silenceTail is the number of silence packets sent when the mix goes
	// quiet.
	silenceTail = 5
)

var (
	// ErrClosed is returned by WriteFrame after Close.
	ErrClosed = errors.New("discord: sink closed")

	// ErrFormat is returned for frames Discord cannot carry.
	ErrFormat = errors.New("discord: frames must be 48 kHz stereo")

	// ErrNotReady is reported by Check while the voice connection is down.
	ErrNotReady = errors.New("discord: voice connection not ready")
)

// Config selects the bot credentials and the voice channel to speak in.
type Config struct {
	Token     string
	GuildID   string
	ChannelID string
}

// Validate reports missing fields.
func (c Config) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("discord: token is required"))
	}
	if c.GuildID == "" {
		errs = append(errs, errors.New("discord: guild_id is required"))
	}
	if c.ChannelID == "" {
		errs = append(errs, errors.New("discord: channel_id is required"))
	}
	return errors.Join(errs...)
}

// Sink sends mixed PCM frames to a Discord voice connection. Frames are
// queued without blocking the renderer, encoded to Opus on a background
// goroutine, and dropped when the queue is full. Runs of digital silence are
// not transmitted; the speaking flag follows the audio.
//
// Sink is safe for concurrent use.
type Sink struct {
	vc  *discordgo.VoiceConnection
	log *slog.Logger

	frames chan []byte

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64

	// speaking and disconnect default to the voice connection's methods and
	// are replaced in tests.
	speaking   func(bool) error
	disconnect func() error
	ready      func() bool
}

// Option is a functional option for Open.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// Open connects to the Discord gateway, joins cfg.ChannelID muted for input
// (the sink never listens) and returns a Sink for the connection. ctx governs
// the setup phase only.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = session.Close()
		return nil, err
	}

	vc, err := session.ChannelVoiceJoin(cfg.GuildID, cfg.ChannelID, false, true)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", cfg.ChannelID, err)
	}

	s, err := newSink(vc, opts...)
	if err != nil {
		_ = vc.Disconnect()
		_ = session.Close()
		return nil, err
	}
	leave := s.disconnect
	s.disconnect = func() error {
		return errors.Join(leave(), session.Close())
	}
	s.log.Info("discord: joined voice channel", "guild", cfg.GuildID, "channel", cfg.ChannelID)
	return s, nil
}

// newSink wraps an established voice connection and starts the send loop.
func newSink(vc *discordgo.VoiceConnection, opts ...Option) (*Sink, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	s := &Sink{
		vc:         vc,
		log:        slog.Default(),
		frames:     make(chan []byte, frameBuffer),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		speaking:   vc.Speaking,
		disconnect: vc.Disconnect,
		ready: func() bool {
			vc.RLock()
			defer vc.RUnlock()
			return vc.Ready
		},
	}
	for _, o := range opts {
		o(s)
	}
	go s.sendLoop(enc)
	return s, nil
}

// WriteFrame implements [audio.Sink]. It never blocks; when the send queue
// is full the frame is dropped.
func (s *Sink) WriteFrame(frame audio.AudioFrame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if frame.SampleRate != opusSampleRate || frame.Channels != opusChannels {
		return fmt.Errorf("%w: got %d Hz, %d channels", ErrFormat, frame.SampleRate, frame.Channels)
	}
	select {
	case s.frames <- frame.Data:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of frames discarded because the send queue was
// full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Check reports whether the voice connection is up. It backs the "output"
// readiness check.
func (s *Sink) Check(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.ready() {
		return ErrNotReady
	}
	return nil
}

// Close stops the send loop and leaves the voice channel. It is safe to call
// more than once; later calls return nil.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		<-s.loopDone
		if s.disconnect != nil {
			err = s.disconnect()
		}
	})
	return err
}

// sendLoop cuts queued PCM into Opus-sized frames, encodes them and hands
// them to the voice connection.
func (s *Sink) sendLoop(enc *opusEncoder) {
	defer close(s.loopDone)

	var (
		buf      []byte
		speaking bool
	)
	setSpeaking := func(b bool) {
		if speaking == b {
			return
		}
		speaking = b
		if err := s.speaking(b); err != nil {
			s.log.Warn("discord: speaking notification error", "speaking", b, "err", err)
		}
	}
	send := func(packet []byte) bool {
		select {
		case s.vc.OpusSend <- packet:
			return true
		case <-s.done:
			return false
		}
	}

	for {
		select {
		case <-s.done:
			setSpeaking(false)
			return
		case data := <-s.frames:
			buf = append(buf, data...)
		}

		for len(buf) >= opusFrameBytes {
			chunk := buf[:opusFrameBytes]
			buf = buf[opusFrameBytes:]

			if isSilent(chunk) {
				if !speaking {
					continue
				}
				for range silenceTail {
					if !send(silenceFrame) {
						return
					}
				}
				setSpeaking(false)
				continue
			}

			packet, err := enc.encode(chunk)
			if err != nil {
				s.log.Warn("discord: opus encode error", "err", err)
				continue
			}
			setSpeaking(true)
			if !send(packet) {
				return
			}
		}
		// Keep the remainder without holding on to the consumed prefix.
		buf = append([]byte(nil), buf...)
	}
}
