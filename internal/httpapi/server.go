// Package httpapi is the HTTP and WebSocket control surface of a
// [room.Room]. Game and UI code submit utterances, start and interrupt
// long-form quarrels, inject interjections and follow lifecycle events
// through it.
//
// All request and response bodies are JSON. Errors carry a stable machine
// readable code next to the message.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/quarrel/internal/dialogue"
	"github.com/MrWong99/quarrel/internal/health"
	"github.com/MrWong99/quarrel/internal/observe"
	"github.com/MrWong99/quarrel/internal/quarrel"
	"github.com/MrWong99/quarrel/internal/room"
	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
	"github.com/MrWong99/quarrel/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// defaultWaitTimeout bounds a submission that asks to wait for its result.
const defaultWaitTimeout = 2 * time.Minute

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithMetricsHandler replaces the /metrics handler. The default serves the
// default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithProvider enables /v1/voices and /v1/preview on top of p.
func WithProvider(p tts.Provider) Option {
	return func(s *Server) { s.provider = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server translates HTTP requests into [room.Room] calls.
type Server struct {
	room           *room.Room
	provider       tts.Provider
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	log            *slog.Logger
}

// New creates a server for r.
func New(r *room.Room, opts ...Option) *Server {
	s := &Server{
		room:           r,
		metrics:        observe.DefaultMetrics(),
		metricsHandler: promhttp.Handler(),
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.health != nil {
		r.Get("/healthz", s.health.Healthz)
		r.Get("/readyz", s.health.Readyz)
	}
	r.Handle("/metrics", s.metricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(observe.Middleware(s.metrics))

		r.Get("/status", s.handleStatus)
		r.Post("/stop", s.handleStopAll)

		r.Get("/config", s.handleGetConfig)
		r.Patch("/config", s.handlePatchConfig)

		r.Post("/utterances", s.handleSubmit)
		r.Delete("/utterances/{id}", s.handleCancelUtterance)

		r.Get("/speakers", s.handleListSpeakers)
		r.Post("/speakers", s.handleRegisterSpeaker)
		r.Route("/speakers/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSpeaker)
			r.Patch("/", s.handlePatchSpeaker)
			r.Post("/cancel", s.handleCancelSpeaker)
			r.Post("/silence", s.handleSilence)

			r.Post("/quarrel", s.handleStartQuarrel)
			r.Get("/quarrel", s.handleProgress)
			r.Delete("/quarrel", s.handleInterrupt)

			r.Post("/interject", s.handleInterject)
			r.Get("/interruptions", s.handleInterruptions)
		})

		r.Get("/voices", s.handleListVoices)
		r.Post("/preview", s.handlePreview)

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.room.Status())
}

func (s *Server) handleStopAll(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, cancelResponse{Cancelled: s.room.StopAll()})
}

// --- utterances ---

type submitRequest struct {
	SpeakerID string   `json:"speaker_id"`
	Text      string   `json:"text"`
	Priority  string   `json:"priority"`
	Language  string   `json:"language,omitempty"`
	Civility  int      `json:"civility,omitempty"`
	Pan       *float64 `json:"pan,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`

	// Wait holds the response until the utterance finished.
	Wait bool `json:"wait,omitempty"`
}

type ticketResponse struct {
	ID        string `json:"id"`
	SpeakerID string `json:"speaker_id"`
	Priority  string `json:"priority"`
}

type resultResponse struct {
	ID        string    `json:"id"`
	SpeakerID string    `json:"speaker_id"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at"`
}

type cancelResponse struct {
	Cancelled int `json:"cancelled"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SpeakerID) == "" || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "speaker_id and text are required")
		return
	}
	prio, err := types.ParsePriority(req.Priority)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_priority", err.Error())
		return
	}

	ticket, err := s.room.Submit(dialogue.Utterance{
		SpeakerID: req.SpeakerID,
		Text:      req.Text,
		Priority:  prio,
		Language:  req.Language,
		Civility:  req.Civility,
		Pan:       req.Pan,
		Volume:    req.Volume,
	})
	if err != nil {
		s.respondRoomError(w, r, err)
		return
	}

	if !req.Wait {
		respondJSON(w, http.StatusAccepted, ticketResponse{
			ID:        ticket.ID(),
			SpeakerID: ticket.SpeakerID(),
			Priority:  prio.String(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultWaitTimeout)
	defer cancel()
	res, err := ticket.Wait(ctx)
	if err != nil && res.Status == 0 {
		// The wait itself ended, not the utterance.
		respondError(w, http.StatusGatewayTimeout, "wait_aborted", err.Error())
		return
	}
	out := resultResponse{
		ID:        res.UtteranceID,
		SpeakerID: res.SpeakerID,
		Priority:  res.Priority.String(),
		Status:    res.Status.String(),
		QueuedAt:  res.QueuedAt,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelUtterance(w http.ResponseWriter, r *http.Request) {
	if !s.room.Cancel(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "not_pending", "utterance is not pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- speakers ---

type speakerPatch struct {
	Pan    *float64 `json:"pan,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
}

type speakerResponse struct {
	room.SpeakerConfig
	Playing bool `json:"playing"`
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, _ *http.Request) {
	speakers := s.room.Speakers()
	out := make([]speakerResponse, 0, len(speakers))
	for _, sp := range speakers {
		out = append(out, speakerResponse{SpeakerConfig: sp, Playing: s.room.IsPlaying(sp.ID)})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterSpeaker(w http.ResponseWriter, r *http.Request) {
	var req room.SpeakerConfig
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := s.room.RegisterSpeaker(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_speaker", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetSpeaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sp, err := s.room.Speaker(id)
	if err != nil {
		s.respondRoomError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, speakerResponse{SpeakerConfig: sp, Playing: s.room.IsPlaying(id)})
}

func (s *Server) handlePatchSpeaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req speakerPatch
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Pan != nil && (*req.Pan < -1 || *req.Pan > 1) {
		respondError(w, http.StatusBadRequest, "invalid_pan", "pan must be within [-1, 1]")
		return
	}
	if req.Volume != nil && (*req.Volume < 0 || *req.Volume > 1) {
		respondError(w, http.StatusBadRequest, "invalid_volume", "volume must be within [0, 1]")
		return
	}
	if req.Pan != nil {
		if err := s.room.SetPan(id, *req.Pan); err != nil {
			s.respondRoomError(w, r, err)
			return
		}
	}
	if req.Volume != nil {
		if err := s.room.SetVolume(id, *req.Volume); err != nil {
			s.respondRoomError(w, r, err)
			return
		}
	}
	s.handleGetSpeaker(w, r)
}

func (s *Server) handleCancelSpeaker(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, cancelResponse{Cancelled: s.room.CancelSpeaker(chi.URLParam(r, "id"))})
}

func (s *Server) handleSilence(w http.ResponseWriter, r *http.Request) {
	s.room.Silence(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- long-form quarrels ---

type quarrelRequest struct {
	Beats    []types.Beat `json:"beats"`
	Language string       `json:"language,omitempty"`
	Civility int          `json:"civility,omitempty"`
	Pan      *float64     `json:"pan,omitempty"`
	Volume   *float64     `json:"volume,omitempty"`
}

type quarrelResponse struct {
	SessionID string `json:"session_id"`
	SpeakerID string `json:"speaker_id"`
	Total     int    `json:"total"`
}

type progressResponse struct {
	SpeakerID string `json:"speaker_id"`
	Playing   bool   `json:"playing"`
	quarrel.Progress
}

func (s *Server) handleStartQuarrel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req quarrelRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	// The session outlives the request.
	pb, err := s.room.StartLongFormPlayback(context.WithoutCancel(r.Context()), id, req.Beats, quarrel.PlaybackOptions{
		Language: req.Language,
		Civility: req.Civility,
		Pan:      req.Pan,
		Volume:   req.Volume,
	})
	if err != nil {
		s.respondRoomError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, quarrelResponse{SessionID: pb.ID(), SpeakerID: id, Total: len(req.Beats)})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.room.Progress(id)
	if !ok {
		respondError(w, http.StatusNotFound, "no_session", "speaker has no long-form session")
		return
	}
	respondJSON(w, http.StatusOK, progressResponse{SpeakerID: id, Playing: true, Progress: p})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if !s.room.Interrupt(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "no_session", "speaker has no long-form session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type interjectRequest struct {
	InterrupterID string `json:"interrupter_id"`
	Text          string `json:"text"`
	Language      string `json:"language,omitempty"`
	Civility      int    `json:"civility,omitempty"`
}

func (s *Server) handleInterject(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "id")
	var req interjectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.InterrupterID) == "" || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "interrupter_id and text are required")
		return
	}
	ticket, err := s.room.Interject(r.Context(), target, req.InterrupterID, req.Text, room.InterjectOptions{
		Language: req.Language,
		Civility: req.Civility,
	})
	if err != nil {
		s.respondRoomError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ticketResponse{
		ID:        ticket.ID(),
		SpeakerID: ticket.SpeakerID(),
		Priority:  types.PriorityQuickJab.String(),
	})
}

func (s *Server) handleInterruptions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.room.InterruptionHistory(chi.URLParam(r, "id")))
}

// --- tuning ---

type configResponse struct {
	MaxConcurrent        int     `json:"max_concurrent"`
	Ducking              bool    `json:"ducking"`
	DuckLevel            float64 `json:"duck_level"`
	SynthesisTimeout     string  `json:"synthesis_timeout"`
	RequireWindow        bool    `json:"require_window"`
	StrictSpeakers       bool    `json:"strict_speakers"`
	SegmentGap           string  `json:"segment_gap"`
	InterruptionWindow   string  `json:"interruption_window"`
	InterruptionCooldown string  `json:"interruption_cooldown"`
	MaxInterruptions     int     `json:"max_interruptions"`
}

func newConfigResponse(c room.Config) configResponse {
	return configResponse{
		MaxConcurrent:        c.MaxConcurrent,
		Ducking:              c.Ducking,
		DuckLevel:            c.DuckLevel,
		SynthesisTimeout:     c.SynthesisTimeout.String(),
		RequireWindow:        c.RequireWindow,
		StrictSpeakers:       c.StrictSpeakers,
		SegmentGap:           c.Quarrel.SegmentGap.String(),
		InterruptionWindow:   c.Quarrel.InterruptionWindow.String(),
		InterruptionCooldown: c.Interrupt.Cooldown.String(),
		MaxInterruptions:     c.Interrupt.MaxPerQuarrel,
	}
}

// configPatch carries the tunables a client may change at runtime. Absent
// fields keep their value. Durations use Go duration syntax ("300ms").
type configPatch struct {
	MaxConcurrent        *int     `json:"max_concurrent,omitempty"`
	Ducking              *bool    `json:"ducking,omitempty"`
	DuckLevel            *float64 `json:"duck_level,omitempty"`
	RequireWindow        *bool    `json:"require_window,omitempty"`
	SegmentGap           *string  `json:"segment_gap,omitempty"`
	InterruptionWindow   *string  `json:"interruption_window,omitempty"`
	InterruptionCooldown *string  `json:"interruption_cooldown,omitempty"`
	MaxInterruptions     *int     `json:"max_interruptions,omitempty"`
}

func (p configPatch) apply(c room.Config) (room.Config, error) {
	var errs []error
	if p.MaxConcurrent != nil {
		if *p.MaxConcurrent < 1 {
			errs = append(errs, errors.New("max_concurrent must be at least 1"))
		}
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.Ducking != nil {
		c.Ducking = *p.Ducking
	}
	if p.DuckLevel != nil {
		if *p.DuckLevel < 0 || *p.DuckLevel > 1 {
			errs = append(errs, errors.New("duck_level must be within [0, 1]"))
		}
		c.DuckLevel = *p.DuckLevel
	}
	if p.RequireWindow != nil {
		c.RequireWindow = *p.RequireWindow
	}
	if p.MaxInterruptions != nil {
		if *p.MaxInterruptions < 1 {
			errs = append(errs, errors.New("max_interruptions must be at least 1"))
		}
		c.Interrupt.MaxPerQuarrel = *p.MaxInterruptions
	}
	durations := []struct {
		name string
		in   *string
		out  *time.Duration
	}{
		{"segment_gap", p.SegmentGap, &c.Quarrel.SegmentGap},
		{"interruption_window", p.InterruptionWindow, &c.Quarrel.InterruptionWindow},
		{"interruption_cooldown", p.InterruptionCooldown, &c.Interrupt.Cooldown},
	}
	for _, d := range durations {
		if d.in == nil {
			continue
		}
		v, err := time.ParseDuration(*d.in)
		if err != nil || v < 0 {
			errs = append(errs, errors.New(d.name+" must be a non-negative duration"))
			continue
		}
		*d.out = v
	}
	return c, errors.Join(errs...)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, newConfigResponse(s.room.Config()))
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var req configPatch
	if !decodeRequest(w, r, &req) {
		return
	}
	next, err := req.apply(s.room.Config())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	s.room.ApplyTuning(next)
	respondJSON(w, http.StatusOK, newConfigResponse(s.room.Config()))
}

// --- voices ---

type previewRequest struct {
	Text      string           `json:"text"`
	SpeakerID string           `json:"speaker_id,omitempty"`
	Language  string           `json:"language,omitempty"`
	Voice     tts.VoiceProfile `json:"voice"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "no speech provider configured")
		return
	}
	voices, err := s.provider.ListVoices(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("httpapi: list voices failed", "err", err)
		respondError(w, http.StatusBadGateway, "provider_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, voices)
}

// handlePreview renders text with a voice and returns the clip as WAV
// without scheduling it.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "no speech provider configured")
		return
	}
	var req previewRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	opts := tts.SynthesisOptions{Language: req.Language, Voice: req.Voice, UseCache: true}
	if req.SpeakerID != "" {
		sp, err := s.room.Speaker(req.SpeakerID)
		if err != nil {
			s.respondRoomError(w, r, err)
			return
		}
		opts.Voice = sp.Voice
		if opts.Language == "" {
			opts.Language = sp.Language
		}
	}

	res, err := s.provider.Synthesize(r.Context(), req.Text, opts)
	if err == nil && (res == nil || res.Audio == nil) {
		err = errors.New("provider returned no audio")
	}
	if err != nil {
		observe.Logger(r.Context()).Warn("httpapi: preview synthesis failed", "err", err)
		respondError(w, http.StatusBadGateway, "synthesis_failed", err.Error())
		return
	}
	wav, err := audio.EncodeWAV(res.Audio)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

// --- helpers ---

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondRoomError maps room and scheduler errors to status codes.
func (s *Server) respondRoomError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, room.ErrUnknownSpeaker):
		respondError(w, http.StatusNotFound, "unknown_speaker", err.Error())
	case errors.Is(err, room.ErrInterruptionDenied):
		respondError(w, http.StatusConflict, "interruption_denied", err.Error())
	case errors.Is(err, quarrel.ErrNoSegments), errors.Is(err, dialogue.ErrInvalidUtterance):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, dialogue.ErrClosed), errors.Is(err, quarrel.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "closed", err.Error())
	default:
		observe.Logger(r.Context()).Error("httpapi: request failed", "path", r.URL.Path, "err", err)
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// decodeRequest decodes the JSON body into out and writes a 400 on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is empty")
		} else {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
