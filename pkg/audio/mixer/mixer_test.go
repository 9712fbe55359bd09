package mixer_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/audio/mixer"
	"github.com/MrWong99/quarrel/pkg/audio/mock"
)

const rate = mixer.DefaultSampleRate

// constClip returns a mono clip at the mixer rate holding d worth of value.
func constClip(value float32, d time.Duration) *audio.Buffer {
	n := int(d.Seconds() * rate)
	s := make([]float32, n)
	for i := range s {
		s[i] = value
	}
	return &audio.Buffer{Samples: s, SampleRate: rate, Channels: 1}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// playAsync starts Play in a goroutine and returns its result channel.
func playAsync(ctx context.Context, m *mixer.ChannelMixer, speaker string, buf *audio.Buffer, opts audio.PlayOptions) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- m.Play(ctx, speaker, buf, opts) }()
	return errc
}

func clipsOf(m *mixer.ChannelMixer, speaker string) int {
	st, _ := m.Channel(speaker)
	return st.Clips
}

func recv(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return")
		return nil
	}
}

func TestEnsureChannel_Idempotent(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	m.EnsureChannel("alice", -0.5)
	m.EnsureChannel("alice", 0.9)

	st, ok := m.Channel("alice")
	if !ok {
		t.Fatal("channel not created")
	}
	if st.Pan != -0.5 {
		t.Errorf("Pan = %v, want -0.5 (second EnsureChannel must not override)", st.Pan)
	}
	if len(m.Channels()) != 1 {
		t.Errorf("Channels = %d, want 1", len(m.Channels()))
	}
}

func TestPlay_CompletesWhenRendered(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	errc := playAsync(context.Background(), m, "alice", constClip(0.3, 100*time.Millisecond), audio.PlayOptions{})
	waitFor(t, "clip to start", func() bool { return clipsOf(m, "alice") == 1 })

	if got := m.ActiveSpeakers(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("ActiveSpeakers = %v, want [alice]", got)
	}

	m.Render(rate / 5) // 200ms
	if err := recv(t, errc); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if st, _ := m.Channel("alice"); st.Playing || st.Clips != 0 {
		t.Errorf("channel still busy after clip end: %+v", st)
	}
}

func TestRender_GainAndPan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		pan         float64
		wantL       float64
		wantR       float64
		clipVolume  float64
		masterGain  float64
		sampleValue float32
	}{
		{
			name:        "center",
			pan:         0,
			clipVolume:  0.5,
			masterGain:  0.8,
			sampleValue: 1,
			wantL:       0.4 * math.Cos(math.Pi/4),
			wantR:       0.4 * math.Sin(math.Pi/4),
		},
		{
			name:        "hard left",
			pan:         -1,
			clipVolume:  1,
			masterGain:  1,
			sampleValue: 0.5,
			wantL:       0.5,
			wantR:       0,
		},
		{
			name:        "hard right",
			pan:         1,
			clipVolume:  1,
			masterGain:  1,
			sampleValue: 0.5,
			wantL:       0,
			wantR:       0.5,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := mixer.New(mixer.WithSmoothing(0), mixer.WithMasterGain(tc.masterGain))
			defer m.Close()

			errc := playAsync(context.Background(), m, "s", constClip(tc.sampleValue, 50*time.Millisecond),
				audio.PlayOptions{Volume: audio.Float(tc.clipVolume), Pan: audio.Float(tc.pan)})
			waitFor(t, "clip to start", func() bool { return clipsOf(m, "s") == 1 })

			out := m.Render(10)
			if d := math.Abs(float64(out[0]) - tc.wantL); d > 1e-4 {
				t.Errorf("L = %v, want %v", out[0], tc.wantL)
			}
			if d := math.Abs(float64(out[1]) - tc.wantR); d > 1e-4 {
				t.Errorf("R = %v, want %v", out[1], tc.wantR)
			}

			m.Render(rate / 10)
			if err := recv(t, errc); err != nil {
				t.Fatalf("Play: %v", err)
			}
		})
	}
}

func TestDuckOthers_SmoothConvergence(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	m.EnsureChannel("alice", 0)
	m.EnsureChannel("bob", 0)
	m.DuckOthers("alice", audio.DefaultDuckLevel)

	bob, _ := m.Channel("bob")
	if !bob.Ducked || bob.Target != audio.DefaultDuckLevel {
		t.Fatalf("bob = %+v, want ducked toward %v", bob, audio.DefaultDuckLevel)
	}
	if alice, _ := m.Channel("alice"); alice.Ducked || alice.Target != 1 {
		t.Fatalf("alice = %+v, want full gain", alice)
	}

	m.Render(rate / 100) // 10ms
	bob, _ = m.Channel("bob")
	if bob.Gain <= audio.DefaultDuckLevel+0.1 || bob.Gain >= 1 {
		t.Errorf("gain after 10ms = %v, want a partial ramp", bob.Gain)
	}

	m.Render(rate / 2) // 500ms
	bob, _ = m.Channel("bob")
	if math.Abs(bob.Gain-audio.DefaultDuckLevel) > 1e-3 {
		t.Errorf("gain after 500ms = %v, want ~%v", bob.Gain, audio.DefaultDuckLevel)
	}

	// Ducking is idempotent.
	m.DuckOthers("alice", audio.DefaultDuckLevel)
	if again, _ := m.Channel("bob"); again.Target != bob.Target {
		t.Errorf("repeat DuckOthers changed target to %v", again.Target)
	}

	m.RestoreAllVolumes()
	m.Render(rate / 2)
	bob, _ = m.Channel("bob")
	if bob.Ducked || math.Abs(bob.Gain-1) > 1e-3 {
		t.Errorf("after restore = %+v, want full gain", bob)
	}
}

func TestPlay_FadeReplace(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	first := playAsync(context.Background(), m, "alice", constClip(0.5, 5*time.Second), audio.PlayOptions{})
	waitFor(t, "first clip", func() bool { return clipsOf(m, "alice") == 1 })
	m.Render(rate / 10)

	second := playAsync(context.Background(), m, "alice", constClip(0.5, 5*time.Second), audio.PlayOptions{})
	waitFor(t, "second clip", func() bool { return clipsOf(m, "alice") == 2 })

	// The replaced clip is still audible right after the swap.
	out := m.Render(1)
	if out[0] < 0.4 {
		t.Errorf("first sample after replace = %v, want both clips summed", out[0])
	}

	m.Render(rate/20 + 10) // fade length plus slack
	if err := recv(t, first); err != nil {
		t.Fatalf("replaced Play: %v", err)
	}
	if got := clipsOf(m, "alice"); got != 1 {
		t.Errorf("Clips = %d after fade, want 1", got)
	}

	select {
	case err := <-second:
		t.Fatalf("second Play returned early: %v", err)
	default:
	}
}

func TestSilence_SoftStop(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	errc := playAsync(context.Background(), m, "alice", constClip(1, time.Second), audio.PlayOptions{})
	waitFor(t, "clip to start", func() bool { return clipsOf(m, "alice") == 1 })

	m.Silence("alice")
	first := m.Render(1)
	if first[0] == 0 {
		t.Error("silence took effect instantly; expected a ramp")
	}

	out := m.Render(rate / 2)
	st, _ := m.Channel("alice")
	if !st.Silenced || st.Gain > 0.01 {
		t.Errorf("after 500ms = %+v, want gain near 0", st)
	}
	if last := out[len(out)-2]; math.Abs(float64(last)) > 0.01 {
		t.Errorf("output still audible: %v", last)
	}
	if !st.Playing {
		t.Error("silenced clip should keep running until its end")
	}

	m.Render(rate)
	if err := recv(t, errc); err != nil {
		t.Fatalf("Play: %v", err)
	}

	// The next Play lifts the silence.
	next := playAsync(context.Background(), m, "alice", constClip(1, 20*time.Millisecond), audio.PlayOptions{})
	waitFor(t, "next clip", func() bool { return clipsOf(m, "alice") == 1 })
	if st, _ := m.Channel("alice"); st.Silenced {
		t.Error("Play did not clear silence")
	}
	m.Render(rate / 10)
	if err := recv(t, next); err != nil {
		t.Fatalf("Play: %v", err)
	}
}

func TestPlay_EmptyBuffer(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	tests := []struct {
		name string
		buf  *audio.Buffer
	}{
		{name: "nil", buf: nil},
		{name: "no samples", buf: &audio.Buffer{SampleRate: rate, Channels: 1}},
		{name: "bad rate", buf: &audio.Buffer{Samples: []float32{1}, Channels: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Play(context.Background(), "alice", tc.buf, audio.PlayOptions{})
			if !errors.Is(err, mixer.ErrEmptyBuffer) {
				t.Errorf("err = %v, want ErrEmptyBuffer", err)
			}
		})
	}
}

func TestPlay_Watchdog(t *testing.T) {
	t.Parallel()

	m := mixer.New(mixer.WithWatchdogPadding(20 * time.Millisecond))
	defer m.Close()

	// Nothing renders, so only the watchdog can release Play.
	start := time.Now()
	err := m.Play(context.Background(), "alice", constClip(0.2, 10*time.Millisecond), audio.PlayOptions{})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, before the watchdog", elapsed)
	}
	if st, _ := m.Channel("alice"); st.Playing {
		t.Error("watchdog should retire the active clip")
	}
}

func TestPlay_ContextCancel(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := playAsync(ctx, m, "alice", constClip(0.2, 5*time.Second), audio.PlayOptions{})
	waitFor(t, "clip to start", func() bool { return clipsOf(m, "alice") == 1 })
	cancel()

	if err := recv(t, errc); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if st, _ := m.Channel("alice"); st.Playing {
		t.Error("cancelled clip should no longer be the active clip")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	m := mixer.New()

	errc := playAsync(context.Background(), m, "alice", constClip(0.2, 5*time.Second), audio.PlayOptions{})
	waitFor(t, "clip to start", func() bool { return clipsOf(m, "alice") == 1 })

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := recv(t, errc); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("in-flight Play = %v, want ErrClosed", err)
	}
	err := m.Play(context.Background(), "alice", constClip(0.2, 10*time.Millisecond), audio.PlayOptions{})
	if !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Play after Close = %v, want ErrClosed", err)
	}
}

func TestRun_WritesFrames(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()
	sink := &mock.Sink{}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx, sink); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want DeadlineExceeded", err)
	}

	frames := sink.Frames()
	if len(frames) == 0 {
		t.Fatal("no frames written")
	}
	f := frames[0]
	if f.SampleRate != rate || f.Channels != 2 {
		t.Errorf("format = %d/%d, want %d/2", f.SampleRate, f.Channels, rate)
	}
	if len(f.Data) != 960*2*2 {
		t.Errorf("frame bytes = %d, want 3840", len(f.Data))
	}
	if len(frames) > 1 && frames[1].Timestamp != 20*time.Millisecond {
		t.Errorf("second timestamp = %v, want 20ms", frames[1].Timestamp)
	}
}

func TestRender_OverlappingSpeakers(t *testing.T) {
	t.Parallel()

	m := mixer.New(mixer.WithSmoothing(0))
	defer m.Close()

	a := playAsync(context.Background(), m, "alice", constClip(0.5, 50*time.Millisecond), audio.PlayOptions{Pan: audio.Float(-1)})
	b := playAsync(context.Background(), m, "bob", constClip(0.25, 50*time.Millisecond), audio.PlayOptions{Pan: audio.Float(1)})
	waitFor(t, "both clips", func() bool { return clipsOf(m, "alice") == 1 && clipsOf(m, "bob") == 1 })

	out := m.Render(1)
	if math.Abs(float64(out[0])-0.5) > 1e-4 || math.Abs(float64(out[1])-0.25) > 1e-4 {
		t.Errorf("frame = [%v %v], want [0.5 0.25]", out[0], out[1])
	}

	m.Render(rate / 10)
	for _, errc := range []<-chan error{a, b} {
		if err := recv(t, errc); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
}

func TestPlay_PanOverrideIsPerClip(t *testing.T) {
	t.Parallel()

	m := mixer.New(mixer.WithSmoothing(0))
	defer m.Close()
	m.EnsureChannel("alice", -1)

	first := playAsync(context.Background(), m, "alice", constClip(0.5, 20*time.Millisecond), audio.PlayOptions{Pan: audio.Float(1)})
	waitFor(t, "first clip", func() bool { return clipsOf(m, "alice") == 1 })
	out := m.Render(1)
	if out[0] > 1e-4 || math.Abs(float64(out[1])-0.5) > 1e-4 {
		t.Errorf("override frame = [%v %v], want [0 0.5]", out[0], out[1])
	}
	if st, _ := m.Channel("alice"); st.Pan != -1 {
		t.Errorf("channel pan = %v after override, want -1", st.Pan)
	}
	m.Render(rate / 10)
	if err := recv(t, first); err != nil {
		t.Fatalf("Play: %v", err)
	}

	second := playAsync(context.Background(), m, "alice", constClip(0.5, 20*time.Millisecond), audio.PlayOptions{})
	waitFor(t, "second clip", func() bool { return clipsOf(m, "alice") == 1 })
	out = m.Render(1)
	if math.Abs(float64(out[0])-0.5) > 1e-4 || out[1] > 1e-4 {
		t.Errorf("channel frame = [%v %v], want [0.5 0]", out[0], out[1])
	}
	m.Render(rate / 10)
	if err := recv(t, second); err != nil {
		t.Fatalf("Play: %v", err)
	}
}

func TestPlay_ReplacingSilencedClipStaysQuiet(t *testing.T) {
	t.Parallel()

	m := mixer.New()
	defer m.Close()

	loud := playAsync(context.Background(), m, "alice", constClip(1, 5*time.Second), audio.PlayOptions{})
	waitFor(t, "loud clip", func() bool { return clipsOf(m, "alice") == 1 })
	m.Silence("alice")
	m.Render(rate / 2)
	if st, _ := m.Channel("alice"); st.Gain > 0.01 {
		t.Fatalf("gain after silence = %v, want near 0", st.Gain)
	}

	quiet := playAsync(context.Background(), m, "alice", constClip(0.01, 5*time.Second), audio.PlayOptions{})
	waitFor(t, "replacement clip", func() bool { return clipsOf(m, "alice") == 2 })

	// The silenced clip fades from where it was, while the channel gain
	// recovers for the new one.
	out := m.Render(rate * 6 / 100)
	var peak float64
	for _, v := range out {
		peak = math.Max(peak, math.Abs(float64(v)))
	}
	if peak > 0.02 {
		t.Errorf("peak during replacement = %v, want the silenced clip to stay inaudible", peak)
	}
	if err := recv(t, loud); err != nil {
		t.Fatalf("replaced Play: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := recv(t, quiet); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Play after Close = %v, want ErrClosed", err)
	}
}
