package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MrWong99/quarrel/internal/dialogue"
	"github.com/MrWong99/quarrel/internal/health"
	"github.com/MrWong99/quarrel/internal/httpapi"
	"github.com/MrWong99/quarrel/internal/room"
	audiomock "github.com/MrWong99/quarrel/pkg/audio/mock"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
	ttsmock "github.com/MrWong99/quarrel/pkg/provider/tts/mock"
)

// TestMain installs a recording tracer provider so requests carry real
// trace IDs through the middleware.
func TestMain(m *testing.M) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	code := m.Run()
	_ = tp.Shutdown(context.Background())
	os.Exit(code)
}

type fixture struct {
	srv   *httptest.Server
	room  *room.Room
	tts   *ttsmock.Provider
	mixer *audiomock.Mixer
	bus   *dialogue.Bus
}

// newFixture serves a room over mocks. setup may tune the mocks before the
// server starts.
func newFixture(t *testing.T, cfg room.Config, setup func(*ttsmock.Provider, *audiomock.Mixer), opts ...httpapi.Option) *fixture {
	t.Helper()
	f := &fixture{
		tts: &ttsmock.Provider{
			ClipDuration: 20 * time.Millisecond,
			Voices:       []tts.VoiceProfile{{ID: "v1", Name: "Greta"}},
			Errors:       map[string]error{"broken": errors.New("boom")},
		},
		mixer: &audiomock.Mixer{},
		bus:   dialogue.NewBus(),
	}
	if setup != nil {
		setup(f.tts, f.mixer)
	}
	f.room = room.New(f.tts, f.mixer, room.WithConfig(cfg), room.WithBus(f.bus))
	opts = append([]httpapi.Option{httpapi.WithProvider(f.tts), httpapi.WithHealth(health.New())}, opts...)
	f.srv = httptest.NewServer(httpapi.New(f.room, opts...).Router())
	t.Cleanup(func() {
		f.srv.Close()
		_ = f.room.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
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

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), nil, httpapi.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})))

	for _, path := range []string{"/healthz", "/readyz"} {
		if res, body := f.do(t, http.MethodGet, path, ""); res.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d %s", path, res.StatusCode, body)
		}
	}
	if res, body := f.do(t, http.MethodGet, "/metrics", ""); res.StatusCode != http.StatusOK || string(body) != "# metrics" {
		t.Errorf("GET /metrics = %d %q", res.StatusCode, body)
	}
}

func TestSubmit_Wait(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), nil)

	res, body := f.do(t, http.MethodPost, "/v1/utterances",
		`{"speaker_id":"greta","text":"Hold your tongue.","priority":"main_fight","language":"de","wait":true}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %s", res.StatusCode, body)
	}
	got := decode[map[string]any](t, body)
	if got["status"] != "ended" || got["priority"] != "main_fight" || got["speaker_id"] != "greta" {
		t.Errorf("result = %v", got)
	}
	if res.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}
	calls := f.tts.Calls()
	if len(calls) != 1 || calls[0].Text != "Hold your tongue." || calls[0].Options.Language != "de" {
		t.Errorf("synthesis calls = %+v", calls)
	}
}

func TestSubmit_Accepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), nil)

	res, body := f.do(t, http.MethodPost, "/v1/utterances", `{"speaker_id":"greta","text":"Hm."}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d %s", res.StatusCode, body)
	}
	got := decode[map[string]string](t, body)
	if got["id"] == "" || got["priority"] != "normal_chat" {
		t.Errorf("ticket = %v", got)
	}
}

func TestSubmit_Errors(t *testing.T) {
	t.Parallel()

	strict := room.DefaultConfig()
	strict.StrictSpeakers = true
	f := newFixture(t, strict, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"empty body", "", http.StatusBadRequest, "invalid_request"},
		{"missing text", `{"speaker_id":"a"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", `{"speaker_id":"a","text":"x","volume_db":3}`, http.StatusBadRequest, "invalid_request"},
		{"bad priority", `{"speaker_id":"a","text":"x","priority":"shouting"}`, http.StatusBadRequest, "invalid_priority"},
		{"unknown speaker", `{"speaker_id":"a","text":"x"}`, http.StatusNotFound, "unknown_speaker"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, body := f.do(t, http.MethodPost, "/v1/utterances", tc.body)
			if res.StatusCode != tc.wantCode {
				t.Fatalf("status = %d %s, want %d", res.StatusCode, body, tc.wantCode)
			}
			if got := decode[map[string]string](t, body)["code"]; got != tc.wantErr {
				t.Errorf("code = %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestCancelUtteranceAndStop(t *testing.T) {
	t.Parallel()

	cfg := room.DefaultConfig()
	cfg.MaxConcurrent = 1
	f := newFixture(t, cfg, func(_ *ttsmock.Provider, m *audiomock.Mixer) {
		m.PlayDelay = 10 * time.Second
	})

	submit := func(speaker string) string {
		res, body := f.do(t, http.MethodPost, "/v1/utterances", `{"speaker_id":"`+speaker+`","text":"line"}`)
		if res.StatusCode != http.StatusAccepted {
			t.Fatalf("submit = %d %s", res.StatusCode, body)
		}
		return decode[map[string]string](t, body)["id"]
	}
	submit("a")
	waitUntil(t, "first clip to sound", func() bool { return f.mixer.Active("a") == 1 })
	queued := submit("b")
	submit("c")
	submit("c")

	if res, _ := f.do(t, http.MethodDelete, "/v1/utterances/"+queued, ""); res.StatusCode != http.StatusNoContent {
		t.Errorf("cancel = %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodDelete, "/v1/utterances/"+queued, ""); res.StatusCode != http.StatusNotFound {
		t.Errorf("second cancel = %d", res.StatusCode)
	}

	res, body := f.do(t, http.MethodPost, "/v1/speakers/c/cancel", "")
	if res.StatusCode != http.StatusOK || decode[map[string]int](t, body)["cancelled"] != 2 {
		t.Errorf("cancel speaker = %d %s", res.StatusCode, body)
	}

	submit("d")
	res, body = f.do(t, http.MethodPost, "/v1/stop", "")
	if res.StatusCode != http.StatusOK || decode[map[string]int](t, body)["cancelled"] != 1 {
		t.Errorf("stop = %d %s", res.StatusCode, body)
	}

	res, body = f.do(t, http.MethodGet, "/v1/status", "")
	st := decode[room.Status](t, body)
	if res.StatusCode != http.StatusOK || st.QueueLength != 0 || len(st.Playing) != 1 || st.Playing[0].SpeakerID != "a" {
		t.Errorf("status = %d %+v", res.StatusCode, st)
	}
}

func TestSpeakers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), nil)

	res, body := f.do(t, http.MethodPost, "/v1/speakers",
		`{"id":"greta","name":"Greta","pan":-0.5,"language":"de","voice":{"id":"v1"}}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d %s", res.StatusCode, body)
	}
	if pan, ok := f.mixer.Pan("greta"); !ok || pan != -0.5 {
		t.Errorf("channel pan = %v %v", pan, ok)
	}
	if res, _ := f.do(t, http.MethodPost, "/v1/speakers", `{"id":"x","pan":3}`); res.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid register = %d", res.StatusCode)
	}

	res, body = f.do(t, http.MethodPatch, "/v1/speakers/greta", `{"pan":0.25,"volume":0.5}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch = %d %s", res.StatusCode, body)
	}
	sp := decode[map[string]any](t, body)
	if sp["pan"] != 0.25 || sp["volume"] != 0.5 || sp["playing"] != false {
		t.Errorf("patched speaker = %v", sp)
	}
	if v, _ := f.mixer.Volume("greta"); v != 0.5 {
		t.Errorf("channel volume = %v", v)
	}

	res, body = f.do(t, http.MethodGet, "/v1/speakers", "")
	if list := decode[[]map[string]any](t, body); res.StatusCode != http.StatusOK || len(list) != 1 || list[0]["id"] != "greta" {
		t.Errorf("list = %d %s", res.StatusCode, body)
	}

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/v1/speakers/nobody", "", http.StatusNotFound},
		{http.MethodPatch, "/v1/speakers/nobody", `{"pan":0}`, http.StatusNotFound},
		{http.MethodPatch, "/v1/speakers/greta", `{"pan":-2}`, http.StatusBadRequest},
		{http.MethodPatch, "/v1/speakers/greta", `{"volume":1.5}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/speakers/greta/silence", "", http.StatusNoContent},
	}
	for _, tc := range tests {
		if res, body := f.do(t, tc.method, tc.path, tc.body); res.StatusCode != tc.want {
			t.Errorf("%s %s = %d %s, want %d", tc.method, tc.path, res.StatusCode, body, tc.want)
		}
	}
	if n := f.mixer.SilenceCalls("greta"); n != 1 {
		t.Errorf("silence calls = %d", n)
	}
}

func TestQuarrelLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), func(p *ttsmock.Provider, _ *audiomock.Mixer) {
		p.ClipDuration = 2 * time.Second
	})

	beats := `{"beats":[{"text":"You again.","tone":"opening"},{"text":"Liar!","tone":"escalation"}],"language":"en"}`
	res, body := f.do(t, http.MethodPost, "/v1/speakers/greta/quarrel", beats)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start = %d %s", res.StatusCode, body)
	}
	started := decode[map[string]any](t, body)
	if started["session_id"] == "" || started["total"] != float64(2) {
		t.Errorf("start response = %v", started)
	}

	res, body = f.do(t, http.MethodGet, "/v1/speakers/greta/quarrel", "")
	prog := decode[map[string]any](t, body)
	if res.StatusCode != http.StatusOK || prog["total"] != float64(2) || prog["playing"] != true {
		t.Errorf("progress = %d %v", res.StatusCode, prog)
	}

	if res, _ := f.do(t, http.MethodDelete, "/v1/speakers/greta/quarrel", ""); res.StatusCode != http.StatusNoContent {
		t.Errorf("interrupt = %d", res.StatusCode)
	}
	waitUntil(t, "session to end", func() bool { return !f.room.IsPlaying("greta") })
	if res, _ := f.do(t, http.MethodGet, "/v1/speakers/greta/quarrel", ""); res.StatusCode != http.StatusNotFound {
		t.Errorf("progress after interrupt = %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodDelete, "/v1/speakers/greta/quarrel", ""); res.StatusCode != http.StatusNotFound {
		t.Errorf("second interrupt = %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodPost, "/v1/speakers/greta/quarrel", `{"beats":[]}`); res.StatusCode != http.StatusBadRequest {
		t.Errorf("empty quarrel = %d", res.StatusCode)
	}
}

func TestInterject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), func(p *ttsmock.Provider, _ *audiomock.Mixer) {
		p.ClipDuration = 2 * time.Second
	})

	jab := `{"interrupter_id":"bruno","text":"Nonsense!"}`
	if res, _ := f.do(t, http.MethodPost, "/v1/speakers/greta/interject", jab); res.StatusCode != http.StatusConflict {
		t.Errorf("interject without session = %d", res.StatusCode)
	}

	res, body := f.do(t, http.MethodPost, "/v1/speakers/greta/quarrel", `{"beats":[{"text":"One.","tone":"opening"},{"text":"Two.","tone":"finisher"}]}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start = %d %s", res.StatusCode, body)
	}

	res, body = f.do(t, http.MethodPost, "/v1/speakers/greta/interject", jab)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("interject = %d %s", res.StatusCode, body)
	}
	if got := decode[map[string]string](t, body); got["priority"] != "quick_jab" || got["speaker_id"] != "bruno" {
		t.Errorf("ticket = %v", got)
	}

	// Cooldown.
	res, body = f.do(t, http.MethodPost, "/v1/speakers/greta/interject", jab)
	if res.StatusCode != http.StatusConflict || decode[map[string]string](t, body)["code"] != "interruption_denied" {
		t.Errorf("second interject = %d %s", res.StatusCode, body)
	}

	res, body = f.do(t, http.MethodGet, "/v1/speakers/greta/interruptions", "")
	hist := decode[map[string]map[string]any](t, body)
	if res.StatusCode != http.StatusOK || hist["bruno"]["count"] != float64(1) {
		t.Errorf("history = %d %s", res.StatusCode, body)
	}

	if res, _ := f.do(t, http.MethodPost, "/v1/speakers/greta/interject", `{"interrupter_id":"greta","text":"Me!"}`); res.StatusCode != http.StatusConflict {
		t.Errorf("self interjection = %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodPost, "/v1/speakers/greta/interject", `{"text":"Who?"}`); res.StatusCode != http.StatusBadRequest {
		t.Errorf("interject without interrupter = %d", res.StatusCode)
	}
}

func TestConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), nil)

	res, body := f.do(t, http.MethodGet, "/v1/config", "")
	got := decode[map[string]any](t, body)
	if res.StatusCode != http.StatusOK || got["max_concurrent"] != float64(2) || got["segment_gap"] != "300ms" {
		t.Errorf("config = %d %v", res.StatusCode, got)
	}

	res, body = f.do(t, http.MethodPatch, "/v1/config", `{"max_concurrent":1,"ducking":false,"segment_gap":"500ms","max_interruptions":3}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch = %d %s", res.StatusCode, body)
	}
	cfg := f.room.Config()
	if cfg.MaxConcurrent != 1 || cfg.Ducking || cfg.Quarrel.SegmentGap != 500*time.Millisecond || cfg.Interrupt.MaxPerQuarrel != 3 {
		t.Errorf("room config = %+v", cfg)
	}

	for _, bad := range []string{
		`{"max_concurrent":0}`,
		`{"duck_level":2}`,
		`{"segment_gap":"soon"}`,
		`{"interruption_cooldown":"-1s"}`,
	} {
		if res, body := f.do(t, http.MethodPatch, "/v1/config", bad); res.StatusCode != http.StatusBadRequest {
			t.Errorf("PATCH %s = %d %s", bad, res.StatusCode, body)
		}
	}
	if f.room.Config().MaxConcurrent != 1 {
		t.Error("rejected patch changed the config")
	}
}

func TestVoicesAndPreview(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), nil)

	res, body := f.do(t, http.MethodGet, "/v1/voices", "")
	if voices := decode[[]tts.VoiceProfile](t, body); res.StatusCode != http.StatusOK || len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("voices = %d %s", res.StatusCode, body)
	}

	if err := f.room.RegisterSpeaker(room.SpeakerConfig{ID: "greta", Language: "de", Voice: tts.VoiceProfile{ID: "v-greta"}}); err != nil {
		t.Fatal(err)
	}
	res, body = f.do(t, http.MethodPost, "/v1/preview", `{"text":"Guten Tag.","speaker_id":"greta"}`)
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("preview = %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	if !bytes.HasPrefix(body, []byte("RIFF")) {
		t.Errorf("preview body does not start with a RIFF header")
	}
	calls := f.tts.Calls()
	if last := calls[len(calls)-1]; last.Options.Voice.ID != "v-greta" || last.Options.Language != "de" {
		t.Errorf("preview synthesis options = %+v", last.Options)
	}
	if len(f.mixer.PlayCalls()) != 0 {
		t.Error("preview was scheduled for playback")
	}

	if res, _ := f.do(t, http.MethodPost, "/v1/preview", `{"text":"broken"}`); res.StatusCode != http.StatusBadGateway {
		t.Errorf("failing preview = %d", res.StatusCode)
	}
}

func TestVoices_NoProvider(t *testing.T) {
	t.Parallel()
	r := room.New(&ttsmock.Provider{}, &audiomock.Mixer{})
	t.Cleanup(func() { _ = r.Close() })
	srv := httptest.NewServer(httpapi.New(r).Router())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/v1/voices")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Errorf("voices = %d", res.StatusCode)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, room.DefaultConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events?speaker=greta&kind=queued,ended"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	waitUntil(t, "event subscription", func() bool { return f.bus.Subscribers() == 1 })

	for _, speaker := range []string{"bruno", "greta"} {
		if res, body := f.do(t, http.MethodPost, "/v1/utterances", `{"speaker_id":"`+speaker+`","text":"line"}`); res.StatusCode != http.StatusAccepted {
			t.Fatalf("submit = %d %s", res.StatusCode, body)
		}
	}

	var kinds []dialogue.EventKind
	for len(kinds) < 2 {
		var ev dialogue.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.SpeakerID != "greta" {
			t.Errorf("event for %q leaked through the filter", ev.SpeakerID)
		}
		kinds = append(kinds, ev.Kind)
	}
	if kinds[0] != dialogue.EventQueued || kinds[1] != dialogue.EventEnded {
		t.Errorf("kinds = %v", kinds)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitUntil(t, "unsubscribe", func() bool { return f.bus.Subscribers() == 0 })
}
