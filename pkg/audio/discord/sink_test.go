package discord

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/quarrel/pkg/audio"
)

// recorder captures speaking notifications and disconnects.
type recorder struct {
	mu          sync.Mutex
	speaking    []bool
	disconnects int
	ready       bool
}

func (r *recorder) option() Option {
	return func(s *Sink) {
		s.speaking = func(b bool) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.speaking = append(r.speaking, b)
			return nil
		}
		s.disconnect = func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
			return nil
		}
		s.ready = func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.ready
		}
	}
}

func (r *recorder) speakingLog() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.speaking...)
}

func newTestSink(t *testing.T) (*Sink, *recorder, chan []byte) {
	t.Helper()
	send := make(chan []byte, 32)
	rec := &recorder{ready: true}
	s, err := newSink(&discordgo.VoiceConnection{OpusSend: send}, rec.option())
	if err != nil {
		t.Fatalf("newSink: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, rec, send
}

// tone returns one 20 ms stereo frame with a non-zero square wave.
func tone() audio.AudioFrame {
	data := make([]byte, opusFrameBytes)
	for i := 0; i < len(data); i += 4 {
		v := int16(4000)
		if (i/4/24)%2 == 1 {
			v = -4000
		}
		data[i], data[i+1] = byte(v), byte(v>>8)
		data[i+2], data[i+3] = byte(v), byte(v>>8)
	}
	return audio.AudioFrame{Data: data, SampleRate: opusSampleRate, Channels: opusChannels}
}

func silence() audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, opusFrameBytes), SampleRate: opusSampleRate, Channels: opusChannels}
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet sent")
		return nil
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if err := (Config{Token: "t", GuildID: "g", ChannelID: "c"}).Validate(); err != nil {
		t.Errorf("complete config: %v", err)
	}
	err := Config{GuildID: "g"}.Validate()
	if err == nil {
		t.Fatal("missing token and channel accepted")
	}
	for _, want := range []string{"token", "channel_id"} {
		if !bytes.Contains([]byte(err.Error()), []byte(want)) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSink_RejectsForeignFormat(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSink(t)
	err := s.WriteFrame(audio.AudioFrame{Data: make([]byte, 960), SampleRate: 24000, Channels: 1})
	if !errors.Is(err, ErrFormat) {
		t.Errorf("err = %v, want ErrFormat", err)
	}
}

func TestSink_EncodesAndTracksSpeaking(t *testing.T) {
	t.Parallel()
	s, rec, send := newTestSink(t)

	if err := s.WriteFrame(tone()); err != nil {
		t.Fatal(err)
	}
	if p := receive(t, send); len(p) == 0 || bytes.Equal(p, silenceFrame) {
		t.Errorf("packet = %v, want encoded audio", p)
	}

	if err := s.WriteFrame(silence()); err != nil {
		t.Fatal(err)
	}
	for i := range silenceTail {
		if p := receive(t, send); !bytes.Equal(p, silenceFrame) {
			t.Fatalf("tail packet %d = %v", i, p)
		}
	}

	// Further silence is not transmitted.
	_ = s.WriteFrame(silence())
	select {
	case p := <-send:
		t.Errorf("unexpected packet %v", p)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := rec.speakingLog(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("speaking = %v, want [true false]", got)
	}
}

func TestSink_SilenceIsNotSent(t *testing.T) {
	t.Parallel()
	s, rec, send := newTestSink(t)
	for range 3 {
		_ = s.WriteFrame(silence())
	}
	select {
	case p := <-send:
		t.Errorf("unexpected packet %v", p)
	case <-time.After(50 * time.Millisecond):
	}
	_ = s.Close()
	if got := rec.speakingLog(); len(got) != 0 {
		t.Errorf("speaking = %v", got)
	}
}

func TestSink_SplitsUnalignedFrames(t *testing.T) {
	t.Parallel()
	s, _, send := newTestSink(t)

	// Two 10 ms halves make one Opus frame.
	f := tone()
	half := len(f.Data) / 2
	_ = s.WriteFrame(audio.AudioFrame{Data: f.Data[:half], SampleRate: opusSampleRate, Channels: opusChannels})
	select {
	case p := <-send:
		t.Fatalf("half a frame produced packet %v", p)
	case <-time.After(50 * time.Millisecond):
	}
	_ = s.WriteFrame(audio.AudioFrame{Data: f.Data[half:], SampleRate: opusSampleRate, Channels: opusChannels})
	receive(t, send)
}

func TestSink_CloseAndCheck(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestSink(t)

	if err := s.Check(context.Background()); err != nil {
		t.Errorf("Check = %v", err)
	}
	rec.mu.Lock()
	rec.ready = false
	rec.mu.Unlock()
	if err := s.Check(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Check = %v, want ErrNotReady", err)
	}

	for range 3 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if rec.disconnects != 1 {
		t.Errorf("disconnects = %d", rec.disconnects)
	}
	if err := s.WriteFrame(tone()); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close = %v", err)
	}
	if err := s.Check(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Check after Close = %v", err)
	}
}
