// Command botd runs the media pipeline daemon: it accepts chat messages on
// the intake endpoint, drives media jobs through acquisition and transcoding,
// and publishes outcomes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipferry/backend/internal/acquire"
	"github.com/clipferry/backend/internal/api"
	"github.com/clipferry/backend/internal/config"
	"github.com/clipferry/backend/internal/health"
	"github.com/clipferry/backend/internal/history"
	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/metrics"
	"github.com/clipferry/backend/internal/pipeline"
	"github.com/clipferry/backend/internal/publish"
	"github.com/clipferry/backend/internal/query"
	"github.com/clipferry/backend/internal/storage"
	"github.com/clipferry/backend/internal/transcode"
	ws "github.com/clipferry/backend/internal/websocket"
)

const shutdownGrace = 30 * time.Second

func main() {
	store := config.NewStore(nil)
	snap := store.Snapshot()

	logger.SetDefault(logger.New(os.Stdout, logger.ParseLevel(snap.LogLevel), ""))
	log := logger.Default().WithComponent("botd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional backing services: the pipeline runs without either, it just
	// loses persistent history and hosted artifact links.
	var hist *history.Store
	if snap.RedisURL != "" {
		var err error
		hist, err = history.New(ctx, snap.RedisURL)
		if err != nil {
			log.Error(ctx, "history store unavailable, continuing without", err)
			hist = nil
		} else {
			defer hist.Close()
		}
	}

	var artifacts *storage.ArtifactStore
	if snap.MinioEndpoint != "" {
		var err error
		artifacts, err = storage.NewArtifactStore(ctx, snap)
		if err != nil {
			log.Error(ctx, "artifact store unavailable, continuing without", err)
			artifacts = nil
		}
	}

	hub := ws.NewHub()
	go hub.Run(ctx)
	if hist != nil {
		go forwardRecords(ctx, hist, hub)
	}

	publisher := publish.New(artifacts, hub)
	direct := acquire.NewDirect(nil)
	ytdlp := acquire.NewYtdlp(snap.YtdlpPath, direct)
	ffmpeg := transcode.NewFfmpeg(snap.FfmpegPath, snap.ProbePath)
	resolver := query.NewRegistry(store, nil)

	queue := pipeline.NewQueue(snap.QueueCapacity)
	metrics.RegisterQueueDepth(func() float64 { return float64(queue.Depth()) })

	scheduler := pipeline.NewScheduler(pipeline.SchedulerOptions{
		Queue:      queue,
		Store:      store,
		Ytdlp:      ytdlp,
		Direct:     direct,
		Transcoder: ffmpeg,
		Resolver:   resolver,
		Publisher:  publisher,
		Recorder:   recorderOrNil(hist),
	})
	service := pipeline.NewService(store, queue, scheduler, publisher)
	service.Start()

	checker := health.NewChecker(snap.YtdlpPath, snap.FfmpegPath, snap.ProbePath)
	if hist != nil {
		checker.Add("redis", hist.Healthy)
	}
	if artifacts != nil {
		checker.Add("storage", artifacts.Healthy)
	}

	server := &http.Server{
		Addr:         snap.ServerAddr,
		Handler:      api.NewRouter(service, hist, checker, hub).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go reloadOnSighup(ctx, store, log)

	go func() {
		log.Info(ctx, "listening", map[string]interface{}{
			"addr": snap.ServerAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "server failed", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown", err)
	}
	if err := service.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "pipeline shutdown", err)
	}
	log.Info(context.Background(), "bye")
}

// reloadOnSighup swaps in a fresh configuration snapshot on SIGHUP. Jobs in
// flight keep the snapshot they validated against.
func reloadOnSighup(ctx context.Context, store *config.Store, log *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			snap := store.Reload()
			logger.SetDefault(logger.New(os.Stdout, logger.ParseLevel(snap.LogLevel), ""))
			log.Info(ctx, "configuration reloaded", map[string]interface{}{
				"platforms": len(snap.Platforms),
			})
		case <-ctx.Done():
			return
		}
	}
}

// forwardRecords mirrors job records written by any pipeline instance onto
// this instance's websocket feed, so clients see jobs processed elsewhere too.
func forwardRecords(ctx context.Context, hist *history.Store, hub *ws.Hub) {
	for rec := range hist.Subscribe(ctx) {
		hub.Broadcast(publish.Event{
			Type:      "record",
			JobID:     rec.ID,
			State:     rec.State,
			Platform:  rec.Platform,
			Mode:      rec.Mode,
			ErrorCode: rec.ErrorCode,
			Message:   rec.ErrorMsg,
			Timestamp: rec.UpdatedAt,
		})
	}
}

// recorderOrNil avoids handing the scheduler a typed-nil interface.
func recorderOrNil(hist *history.Store) pipeline.Recorder {
	if hist == nil {
		return nil
	}
	return hist
}
