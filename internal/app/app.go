// Package app wires all Quarrel subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control surface and renders audio until the
// context is cancelled, and Shutdown tears everything down in order.
//
// Providers are created by main.go through the config registry and handed in
// via [Providers]; tests pass mocks the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/quarrel/internal/config"
	"github.com/MrWong99/quarrel/internal/health"
	"github.com/MrWong99/quarrel/internal/httpapi"
	"github.com/MrWong99/quarrel/internal/observe"
	"github.com/MrWong99/quarrel/internal/resilience"
	"github.com/MrWong99/quarrel/internal/room"
	"github.com/MrWong99/quarrel/pkg/audio"
	"github.com/MrWong99/quarrel/pkg/audio/mixer"
	"github.com/MrWong99/quarrel/pkg/provider/tts"
	"github.com/MrWong99/quarrel/pkg/provider/tts/cache"
)

// NamedTTS is a synthesis backend together with the name it was registered
// under.
type NamedTTS struct {
	Name     string
	Provider tts.Provider
}

// Providers holds the pluggable backends. Populated by main.go via the config
// registry.
type Providers struct {
	// TTS is the primary synthesis backend. Required.
	TTS NamedTTS

	// TTSFallbacks are tried in order when the primary fails.
	TTSFallbacks []NamedTTS

	// Output receives the rendered mix. Nil discards it.
	Output audio.Sink
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	log      *slog.Logger

	fallback *resilience.TTSFallback
	synth    tts.Provider
	mixer    *mixer.ChannelMixer
	sink     audio.Sink
	room     *room.Room
	health   *health.Handler

	listener net.Listener
	server   *http.Server

	configPath string
	watcher    *config.Watcher

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload change the log level of the handler built
// around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithConfigWatch enables hot reload of the config file at path.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves the control surface on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.TTS.Provider == nil {
		return nil, errors.New("app: a TTS provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.initSynthesis()
	a.initMixer()

	a.room = room.New(a.synth, a.mixer,
		room.WithConfig(RoomConfig(cfg)),
		room.WithMetrics(a.metrics),
		room.WithLogger(a.log),
	)
	for _, sc := range cfg.Speakers {
		if err := a.room.RegisterSpeaker(SpeakerFromConfig(sc)); err != nil {
			_ = a.room.Close()
			return nil, fmt.Errorf("app: speaker %q: %w", sc.ID, err)
		}
	}

	a.initHealth()

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithWatchLogger(a.log))
		if err != nil {
			_ = a.room.Close()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	if err := a.initServer(ctx); err != nil {
		_ = a.room.Close()
		return nil, err
	}

	a.log.Info("app initialised",
		"tts", providers.TTS.Name,
		"fallbacks", len(providers.TTSFallbacks),
		"speakers", len(cfg.Speakers),
		"listen", a.Addr())
	return a, nil
}

// initSynthesis puts the failover group and the cache in front of the
// configured backends.
func (a *App) initSynthesis() {
	p := a.providers
	a.fallback = resilience.NewTTSFallback(p.TTS.Provider, p.TTS.Name, resilience.FallbackConfig{}, a.metrics)
	for _, fb := range p.TTSFallbacks {
		a.fallback.AddFallback(fb.Name, fb.Provider)
	}
	a.synth = a.fallback
	if !a.cfg.Providers.Cache.Disabled {
		a.synth = cache.New(a.fallback, a.cfg.Providers.Cache.Size)
	}
}

func (a *App) initMixer() {
	e := a.cfg.Engine
	a.mixer = mixer.New(
		mixer.WithSampleRate(e.SampleRate),
		mixer.WithFrameDuration(e.Frame),
		mixer.WithSmoothing(e.Smoothing),
		mixer.WithFadeOut(e.FadeOut),
		mixer.WithWatchdogPadding(e.WatchdogPadding),
		mixer.WithMasterGain(e.Master()),
		mixer.WithLogger(a.log),
	)
	a.sink = a.providers.Output
	if a.sink == nil {
		a.sink = audio.Discard{}
	}
}

func (a *App) initHealth() {
	a.health = health.New(health.Checker{
		Name: "tts",
		Check: func(context.Context) error {
			if !a.fallback.Healthy() {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	})
	if c, ok := a.sink.(interface{ Check(context.Context) error }); ok {
		a.health.Add(health.Checker{Name: "output", Check: c.Check})
	}
}

func (a *App) initServer(ctx context.Context) error {
	if a.listener == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
		a.listener = l
	}
	api := httpapi.New(a.room,
		httpapi.WithHealth(a.health),
		httpapi.WithMetrics(a.metrics),
		httpapi.WithProvider(a.synth),
		httpapi.WithLogger(a.log),
	)
	a.server = &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the address the control surface listens on.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Room returns the engine.
func (a *App) Room() *room.Room { return a.room }

// Run renders the mix into the output, serves the control surface and, when
// enabled, watches the config file. It blocks until ctx is cancelled or one
// of them fails, and returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Open WebSocket streams end with the run context.
	a.server.BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error {
		if err := a.mixer.Run(gctx, a.sink); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: mixer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	a.log.Info("app running", "listen", a.Addr())
	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return 15 * time.Second
}

// Shutdown tears down all subsystems: the HTTP server stops accepting
// requests, long-form sessions end, pending utterances are dropped, and the
// mixer and output are closed. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		a.health.SetDraining(true)

		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		// Run may never have served on it.
		_ = a.listener.Close()

		roomDone := make(chan error, 1)
		go func() { roomDone <- a.room.Close() }()
		select {
		case err := <-roomDone:
			if err != nil {
				errs = append(errs, fmt.Errorf("room: %w", err))
			}
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded while closing the room")
			errs = append(errs, ctx.Err())
		}

		if err := a.mixer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mixer: %w", err))
		}
		if err := a.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("output: %w", err))
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
