package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/quarrel/internal/dialogue"
	"github.com/MrWong99/quarrel/internal/interrupt"
	"github.com/MrWong99/quarrel/internal/quarrel"
	"github.com/MrWong99/quarrel/internal/room"
	"github.com/MrWong99/quarrel/pkg/audio"
	audiomock "github.com/MrWong99/quarrel/pkg/audio/mock"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
	ttsmock "github.com/MrWong99/quarrel/pkg/provider/tts/mock"
	"github.com/MrWong99/quarrel/pkg/types"
)

var errBoom = errors.New("boom")

func newRoom(t *testing.T, p *ttsmock.Provider, m *audiomock.Mixer, opts ...room.Option) *room.Room {
	t.Helper()
	r := room.New(p, m, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func clip(d time.Duration) *audio.Buffer {
	return &audio.Buffer{Samples: make([]float32, int(d*8000/time.Second)), SampleRate: 8000, Channels: 1}
}

// wait returns the ticket's result, whatever its status. Only a ticket that
// never finishes fails the test.
func wait(t *testing.T, tk *dialogue.Ticket) dialogue.Result {
	t.Helper()
	select {
	case <-tk.Done():
		return tk.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("ticket %s did not finish", tk.ID())
		return dialogue.Result{}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmit_SynthesizesWithSpeakerVoice(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{ClipDuration: 20 * time.Millisecond}
	m := &audiomock.Mixer{}
	r := newRoom(t, p, m)

	vol := 0.8
	err := r.RegisterSpeaker(room.SpeakerConfig{
		ID:       "greta",
		Pan:      -0.4,
		Volume:   &vol,
		Language: "de",
		Voice:    tts.VoiceProfile{ID: "v-greta", Provider: "mock"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if pan, ok := m.Pan("greta"); !ok || pan != -0.4 {
		t.Errorf("channel pan = %v, %v", pan, ok)
	}
	if v, _ := m.Volume("greta"); v != 0.8 {
		t.Errorf("channel volume = %v", v)
	}

	tk, err := r.Submit(dialogue.Utterance{SpeakerID: "greta", Text: "Du schummelst!", Priority: types.PriorityMainFight})
	if err != nil {
		t.Fatal(err)
	}
	if res := wait(t, tk); res.Status != dialogue.StatusEnded || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("synthesize calls = %d", len(calls))
	}
	if calls[0].Options.Voice.ID != "v-greta" || calls[0].Options.Language != "de" || !calls[0].Options.UseCache {
		t.Errorf("synthesis options = %+v", calls[0].Options)
	}
	plays := m.PlayCalls()
	if len(plays) != 1 || plays[0].SpeakerID != "greta" || plays[0].Buffer.Duration() != 20*time.Millisecond {
		t.Errorf("play calls = %+v", plays)
	}
}

func TestSubmit_PresynthesizedAudioSkipsProvider(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{}
	m := &audiomock.Mixer{}
	r := newRoom(t, p, m)

	pan := audio.Float(0.7)
	tk, err := r.Submit(dialogue.Utterance{SpeakerID: "hans", Text: "Ha!", Audio: clip(10 * time.Millisecond), Pan: pan})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, tk)
	if p.CallCount() != 0 {
		t.Errorf("provider called %d times for pre-synthesized audio", p.CallCount())
	}
	if plays := m.PlayCalls(); len(plays) != 1 || plays[0].Options.Pan != pan {
		t.Errorf("play calls = %+v", plays)
	}
}

func TestSubmit_FailuresAreWrappedAndQueueContinues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       *ttsmock.Provider
		m       *audiomock.Mixer
		wantErr error
	}{
		{
			name:    "synthesis",
			p:       &ttsmock.Provider{ClipDuration: 10 * time.Millisecond, Errors: map[string]error{"first": errBoom}},
			m:       &audiomock.Mixer{},
			wantErr: room.ErrSynthesis,
		},
		{
			name:    "playback",
			p:       &ttsmock.Provider{ClipDuration: 10 * time.Millisecond},
			m:       &audiomock.Mixer{PlayError: errBoom},
			wantErr: room.ErrPlayback,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newRoom(t, tc.p, tc.m, room.WithConfig(func() room.Config {
				cfg := room.DefaultConfig()
				cfg.MaxConcurrent = 1
				return cfg
			}()))

			first, err := r.Submit(dialogue.Utterance{SpeakerID: "a", Text: "first"})
			if err != nil {
				t.Fatal(err)
			}
			second, err := r.Submit(dialogue.Utterance{SpeakerID: "b", Text: "second"})
			if err != nil {
				t.Fatal(err)
			}

			res := wait(t, first)
			if res.Status != dialogue.StatusFailed || !errors.Is(res.Err, tc.wantErr) || !errors.Is(res.Err, errBoom) {
				t.Errorf("first result = %+v, want %v wrapping errBoom", res, tc.wantErr)
			}
			if res := wait(t, second); res.Status == dialogue.StatusCancelled {
				t.Errorf("second utterance was not played: %+v", res)
			}
		})
	}
}

func TestDucking_LeaderKeepsFullGain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		first      types.Priority
		second     types.Priority
		wantLeader string
	}{
		{name: "equal priority keeps the earlier speaker", first: types.PriorityNormalChat, second: types.PriorityNormalChat, wantLeader: "a"},
		{name: "higher priority takes the floor", first: types.PriorityNormalChat, second: types.PriorityMainFight, wantLeader: "b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := &audiomock.Mixer{}
			r := newRoom(t, &ttsmock.Provider{}, m)

			a, err := r.Submit(dialogue.Utterance{SpeakerID: "a", Text: "a", Priority: tc.first, Audio: clip(150 * time.Millisecond)})
			if err != nil {
				t.Fatal(err)
			}
			waitUntil(t, "a to play", func() bool { return m.Active("a") == 1 })
			b, err := r.Submit(dialogue.Utterance{SpeakerID: "b", Text: "b", Priority: tc.second, Audio: clip(50 * time.Millisecond)})
			if err != nil {
				t.Fatal(err)
			}
			wait(t, b)
			restoresBefore := m.RestoreCalls()
			wait(t, a)

			ducks := m.DuckCalls()
			if len(ducks) == 0 {
				t.Fatal("no ducking while two speakers played")
			}
			if d := ducks[0]; d.ActiveSpeakerID != tc.wantLeader || d.Level != audio.DefaultDuckLevel {
				t.Errorf("duck call = %+v, want leader %q at %v", d, tc.wantLeader, audio.DefaultDuckLevel)
			}
			if m.RestoreCalls() <= restoresBefore {
				t.Error("volumes not restored once a single speaker remained")
			}
		})
	}
}

func TestDucking_Disabled(t *testing.T) {
	t.Parallel()

	m := &audiomock.Mixer{}
	cfg := room.DefaultConfig()
	cfg.Ducking = false
	r := newRoom(t, &ttsmock.Provider{}, m, room.WithConfig(cfg))

	var tickets []*dialogue.Ticket
	for _, id := range []string{"a", "b"} {
		tk, err := r.Submit(dialogue.Utterance{SpeakerID: id, Text: id, Audio: clip(30 * time.Millisecond)})
		if err != nil {
			t.Fatal(err)
		}
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		wait(t, tk)
	}
	if n := len(m.DuckCalls()); n != 0 {
		t.Errorf("ducked %d times with ducking disabled", n)
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	m := &audiomock.Mixer{}
	r := newRoom(t, &ttsmock.Provider{ClipDuration: 30 * time.Millisecond}, m)

	var tickets []*dialogue.Ticket
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tk, err := r.Submit(dialogue.Utterance{SpeakerID: id, Text: "line " + id, Priority: types.PriorityMainFight})
		if err != nil {
			t.Fatal(err)
		}
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		wait(t, tk)
	}
	if got := m.MaxConcurrent(); got > dialogue.DefaultMaxConcurrent {
		t.Errorf("max concurrent playback = %d, bound %d", got, dialogue.DefaultMaxConcurrent)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestInterject_Policy(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	cfg := room.DefaultConfig()
	cfg.Quarrel = quarrel.Config{SegmentGap: time.Minute}
	cfg.Interrupt = interrupt.Config{Cooldown: time.Second, MaxPerQuarrel: 2}
	r := newRoom(t, &ttsmock.Provider{ClipDuration: 10 * time.Millisecond}, &audiomock.Mixer{},
		room.WithConfig(cfg), room.WithClock(clock.Now))
	events, unsubscribe := r.Subscribe(64)
	defer unsubscribe()

	ctx := context.Background()
	if _, err := r.Interject(ctx, "a", "b", "Hey!", room.InterjectOptions{}); !errors.Is(err, room.ErrInterruptionDenied) {
		t.Fatalf("interjection without a session: err = %v", err)
	}

	pb, err := r.StartLongFormPlayback(ctx, "a",
		[]types.Beat{{Text: "one", Tone: types.ToneOpening}, {Text: "two", Tone: types.ToneFinisher}},
		quarrel.PlaybackOptions{})
	if err != nil {
		t.Fatal(err)
	}

	tk, err := r.Interject(ctx, "a", "b", "Hey!", room.InterjectOptions{})
	if err != nil {
		t.Fatalf("first interjection: %v", err)
	}
	if res := wait(t, tk); res.Priority != types.PriorityQuickJab {
		t.Errorf("interjection priority = %v", res.Priority)
	}
	if _, err := r.Interject(ctx, "a", "b", "Again!", room.InterjectOptions{}); !errors.Is(err, room.ErrInterruptionDenied) {
		t.Errorf("interjection inside cooldown: err = %v", err)
	}
	if _, err := r.Interject(ctx, "a", "c", "Me too!", room.InterjectOptions{}); err != nil {
		t.Errorf("other interrupter denied: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := r.Interject(ctx, "a", "b", "Once more!", room.InterjectOptions{}); err != nil {
		t.Errorf("interjection after cooldown: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := r.Interject(ctx, "a", "b", "Over budget", room.InterjectOptions{}); !errors.Is(err, room.ErrInterruptionDenied) {
		t.Errorf("interjection over budget: err = %v", err)
	}
	if h := r.InterruptionHistory("a"); h["b"].Count != 2 || h["c"].Count != 1 {
		t.Errorf("history = %+v", h)
	}

	if !r.Interrupt("a") {
		t.Fatal("no session to interrupt")
	}
	if out := pb.Outcome(); !out.Interrupted {
		t.Errorf("outcome = %+v", out)
	}
	if h := r.InterruptionHistory("a"); len(h) != 0 {
		t.Errorf("history survived the session: %+v", h)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == dialogue.EventInterjection {
				if ev.SpeakerID != "a" || ev.InterrupterID != "b" || ev.UtteranceID != tk.ID() {
					t.Errorf("interjection event = %+v", ev)
				}
				return
			}
		case <-deadline:
			t.Fatal("no interjection event published")
		}
	}
}

func TestInterject_RequireWindow(t *testing.T) {
	t.Parallel()

	cfg := room.DefaultConfig()
	cfg.RequireWindow = true
	cfg.Quarrel = quarrel.Config{SegmentGap: time.Minute, InterruptionWindow: time.Hour}
	p := &ttsmock.Provider{ClipDuration: 10 * time.Millisecond, Delay: 200 * time.Millisecond}
	r := newRoom(t, p, &audiomock.Mixer{}, room.WithConfig(cfg))

	_, err := r.StartLongFormPlayback(context.Background(), "a",
		[]types.Beat{{Text: "one"}, {Text: "two"}}, quarrel.PlaybackOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Interject(context.Background(), "a", "b", "Now!", room.InterjectOptions{Audio: clip(10 * time.Millisecond)}); !errors.Is(err, room.ErrInterruptionDenied) {
		t.Errorf("interjection during synthesis of segment 0: err = %v", err)
	}

	waitUntil(t, "first gap", func() bool {
		st := r.Status()
		return len(st.Sessions) == 1 && st.Sessions[0].InGap
	})
	if _, err := r.Interject(context.Background(), "a", "b", "Now!", room.InterjectOptions{Audio: clip(10 * time.Millisecond)}); err != nil {
		t.Errorf("interjection inside the window: %v", err)
	}
}

func TestInterject_SelfDenied(t *testing.T) {
	t.Parallel()
	r := newRoom(t, &ttsmock.Provider{}, &audiomock.Mixer{})
	if _, err := r.Interject(context.Background(), "a", "a", "me", room.InterjectOptions{}); !errors.Is(err, room.ErrInterruptionDenied) {
		t.Errorf("err = %v", err)
	}
}

func TestStrictSpeakers(t *testing.T) {
	t.Parallel()

	cfg := room.DefaultConfig()
	cfg.StrictSpeakers = true
	r := newRoom(t, &ttsmock.Provider{}, &audiomock.Mixer{}, room.WithConfig(cfg))

	if _, err := r.Submit(dialogue.Utterance{SpeakerID: "ghost", Text: "boo"}); !errors.Is(err, room.ErrUnknownSpeaker) {
		t.Errorf("Submit err = %v", err)
	}
	if _, err := r.StartLongFormPlayback(context.Background(), "ghost", []types.Beat{{Text: "boo"}}, quarrel.PlaybackOptions{}); !errors.Is(err, room.ErrUnknownSpeaker) {
		t.Errorf("StartLongFormPlayback err = %v", err)
	}
	if err := r.RegisterSpeaker(room.SpeakerConfig{ID: "ghost"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Submit(dialogue.Utterance{SpeakerID: "ghost", Text: "boo"}); err != nil {
		t.Errorf("registered speaker rejected: %v", err)
	}
}

func TestSpeakerSettings(t *testing.T) {
	t.Parallel()

	m := &audiomock.Mixer{}
	r := newRoom(t, &ttsmock.Provider{}, m)

	if err := r.RegisterSpeaker(room.SpeakerConfig{ID: "", Pan: 3}); err == nil {
		t.Error("invalid speaker accepted")
	}
	if err := r.SetPan("nobody", 0.5); !errors.Is(err, room.ErrUnknownSpeaker) {
		t.Errorf("SetPan err = %v", err)
	}
	if _, err := r.Speaker("nobody"); !errors.Is(err, room.ErrUnknownSpeaker) {
		t.Errorf("Speaker err = %v", err)
	}

	for _, id := range []string{"zed", "amy"} {
		if err := r.RegisterSpeaker(room.SpeakerConfig{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.SetPan("amy", 0.5); err != nil {
		t.Fatal(err)
	}
	if err := r.SetVolume("amy", 0.3); err != nil {
		t.Fatal(err)
	}
	if err := r.SetVolume("amy", 1.3); err == nil {
		t.Error("volume above 1 accepted")
	}
	if pan, _ := m.Pan("amy"); pan != 0.5 {
		t.Errorf("mixer pan = %v", pan)
	}
	if v, _ := m.Volume("amy"); v != 0.3 {
		t.Errorf("mixer volume = %v", v)
	}
	spk, err := r.Speaker("amy")
	if err != nil || spk.Pan != 0.5 || spk.Volume == nil || *spk.Volume != 0.3 {
		t.Errorf("speaker = %+v, %v", spk, err)
	}
	if got := r.Speakers(); len(got) != 2 || got[0].ID != "amy" || got[1].ID != "zed" {
		t.Errorf("speakers = %+v", got)
	}

	r.Silence("amy")
	if m.SilenceCalls("amy") != 1 {
		t.Error("Silence not forwarded to the mixer")
	}

	if !r.RemoveSpeaker("zed") || r.RemoveSpeaker("zed") {
		t.Error("RemoveSpeaker did not report exactly one removal")
	}
	if _, err := r.Speaker("zed"); !errors.Is(err, room.ErrUnknownSpeaker) {
		t.Errorf("removed speaker still registered: %v", err)
	}
}

func TestCancelAndStopAll(t *testing.T) {
	t.Parallel()

	m := &audiomock.Mixer{}
	cfg := room.DefaultConfig()
	cfg.MaxConcurrent = 1
	r := newRoom(t, &ttsmock.Provider{}, m, room.WithConfig(cfg))

	blocker, err := r.Submit(dialogue.Utterance{SpeakerID: "x", Text: "x", Audio: clip(200 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "blocker", func() bool { return m.Active("x") == 1 })

	var pending []*dialogue.Ticket
	for _, id := range []string{"a", "a", "b", "c"} {
		tk, err := r.Submit(dialogue.Utterance{SpeakerID: id, Text: id, Audio: clip(10 * time.Millisecond)})
		if err != nil {
			t.Fatal(err)
		}
		pending = append(pending, tk)
	}
	if st := r.Status(); st.QueueLength != 4 || st.FreeSlot || len(st.Playing) != 1 {
		t.Errorf("status = %+v", st)
	}
	if n := r.CancelSpeaker("a"); n != 2 {
		t.Errorf("CancelSpeaker removed %d, want 2", n)
	}
	if !r.Cancel(pending[2].ID()) {
		t.Error("Cancel of a pending utterance reported false")
	}
	if n := r.StopAll(); n != 1 {
		t.Errorf("StopAll removed %d, want 1", n)
	}
	for _, tk := range pending {
		if res := wait(t, tk); res.Status != dialogue.StatusCancelled {
			t.Errorf("pending %s status = %v", tk.ID(), res.Status)
		}
	}
	if res := wait(t, blocker); res.Status != dialogue.StatusEnded {
		t.Errorf("sounding utterance status = %v", res.Status)
	}
}

func TestApplyTuning(t *testing.T) {
	t.Parallel()

	r := newRoom(t, &ttsmock.Provider{}, &audiomock.Mixer{})
	cfg := room.DefaultConfig()
	cfg.MaxConcurrent = 3
	cfg.DuckLevel = 0.1
	cfg.Quarrel.SegmentGap = 50 * time.Millisecond
	cfg.Interrupt.MaxPerQuarrel = 5
	r.ApplyTuning(cfg)

	if st := r.Status(); st.MaxConcurrent != 3 {
		t.Errorf("max concurrent = %d", st.MaxConcurrent)
	}
	got := r.Config()
	if got.DuckLevel != 0.1 || got.Quarrel.SegmentGap != 50*time.Millisecond || got.Interrupt.MaxPerQuarrel != 5 {
		t.Errorf("config = %+v", got)
	}
}
