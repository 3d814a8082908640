package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"livecast/internal/capture"
	"livecast/internal/device"
	"livecast/internal/directory"
	"livecast/internal/platform/config"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
	"livecast/internal/playback"
	"livecast/internal/studio"
	"livecast/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	dir := directory.NewClient(cfg.DirectoryBaseURL, log,
		directory.WithHTTPClient(&http.Client{Timeout: cfg.DirectoryTimeout}),
		directory.WithToken(cfg.DirectoryToken))

	var acq capture.Acquirer
	switch {
	case cfg.CaptureCommand != "":
		acq = device.NewCommandAcquirer(cfg.CaptureCommand, log)
	case cfg.CaptureSource != "":
		acq = device.NewFileAcquirer(cfg.CaptureSource)
	default:
		log.Warn("no capture source configured, set CAPTURE_COMMAND or CAPTURE_SOURCE")
		acq = device.NewFileAcquirer("")
	}

	channel := transport.NewChannel(transport.Config{
		URL:              cfg.IngestURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		DrainTimeout:     cfg.DrainTimeout,
		SendQueue:        cfg.SendQueue,
		Backoff: transport.BackoffConfig{
			Initial:     cfg.ReconnectInitial,
			Max:         cfg.ReconnectMax,
			Multiplier:  cfg.ReconnectFactor,
			MaxAttempts: cfg.ReconnectAttempts,
		},
	}, log, met)
	session := capture.New(dir, acq, channel, log, met)

	player := playback.NewPlayer(playback.Config{
		ManifestTemplate: cfg.ManifestTemplate,
		Engine: playback.EngineConfig{
			LiveSyncCount:   cfg.LiveSyncCount,
			MaxBufferLength: cfg.MaxBufferLength,
			FetchTimeout:    cfg.PlaybackFetchLimit,
		},
		RecoveryWindow: cfg.RecoveryWindow,
	}, &http.Client{}, log, met)

	svc := studio.NewService(session, dir, player, studio.NewInMemoryRegistry(), studio.Options{
		Title:         cfg.StreamTitle,
		Description:   cfg.StreamDescription,
		Constraints:   device.DefaultConstraints(),
		Interval:      cfg.ChunkInterval,
		OutputDir:     cfg.PlaybackOutputDir,
		Autoplay:      cfg.PlaybackAutoplay,
		PlayerCommand: cfg.PlayerCommand,
	}, log)
	h := studio.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler(nil))
	h.Routes(r)

	srv := &http.Server{Addr: cfg.Addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("studio starting",
			"addr", cfg.Addr,
			"directory", cfg.DirectoryBaseURL,
			"ingest", cfg.IngestURL,
			"log_level", cfg.LogLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		lookup, cancel := context.WithTimeout(ctx, cfg.DirectoryTimeout)
		defer cancel()
		s, ok, err := dir.FirstLive(lookup)
		switch {
		case err != nil:
			log.Warn("live stream lookup failed", "error", err)
		case ok:
			log.Info("stream already live", "stream_id", s.ID, "title", s.Title, "watch_url", studio.WatchURL(s.ID))
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, stopping capture and playback")

		svc.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("studio error", "error", err)
		os.Exit(1)
	}
	log.Info("studio stopped")
}
