// Package app wires the watcher, render pipeline, cache, broadcaster,
// and HTTP server into one live preview service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gfmlive/internal/config"
	"gfmlive/internal/markdown"
	"gfmlive/internal/preview"
	httpserver "gfmlive/internal/transport/http"
	"gfmlive/internal/watcher"
)

// LivePreview owns the full pipeline for one document:
// filesystem event → debounce → render → cache → broadcast.
type LivePreview struct {
	path   string
	cfg    config.Config
	logger *slog.Logger

	renderer    *markdown.Renderer
	cache       *preview.RenderCache
	broadcaster *preview.Broadcaster
	pipeline    *preview.Pipeline
	server      *httpserver.PreviewServer

	watch    *watcher.Watcher
	debounce *watcher.Debouncer
	ready    chan struct{}
}

// New builds the service for the document at path. The server is not
// started and the file is not watched until Run.
func New(path string, cfg config.Config, logger *slog.Logger) (*LivePreview, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve document path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}

	renderer := markdown.NewRenderer()
	broadcaster := preview.NewBroadcaster(logger, cfg.WriteTimeout())
	cache := preview.NewRenderCache(broadcaster)

	render := func() (string, error) {
		source, err := os.ReadFile(abs)
		if err != nil {
			return "", &markdown.RenderError{Stage: "read", Err: err}
		}
		return renderer.ConvertWithSourcePath(source, abs)
	}

	pipeline := preview.NewPipeline(render, renderer.RenderErrorNotice, cache, logger)
	pipeline.SetFailureHandler(broadcaster.BroadcastNotice)

	server := httpserver.NewPreviewServer(
		cfg.Addr,
		filepath.Base(abs),
		filepath.Dir(abs),
		renderer,
		cache,
		broadcaster,
		cfg.ReadTimeout(),
		logger,
	)

	return &LivePreview{
		path:        abs,
		cfg:         cfg,
		logger:      logger.With("component", "app"),
		renderer:    renderer,
		cache:       cache,
		broadcaster: broadcaster,
		pipeline:    pipeline,
		server:      server,
		ready:       make(chan struct{}),
	}, nil
}

// Ready is closed once the server is listening and the watch is
// established.
func (s *LivePreview) Ready() <-chan struct{} {
	return s.ready
}

// URL returns the preview page address. Only meaningful after Run has
// started the server.
func (s *LivePreview) URL() string {
	return s.server.URL()
}

// Run renders the document once, starts the server and the file watch,
// then blocks until ctx is cancelled. Shutdown closes the watch first
// so no new renders start, drains the pipeline, then stops the server,
// which closes every viewer session.
func (s *LivePreview) Run(ctx context.Context) error {
	debounce := watcher.NewDebouncer(s.cfg.Debounce(), s.pipeline.Trigger)
	s.debounce = debounce

	watch, err := watcher.Watch(s.path, func(watcher.Event) {
		debounce.Trigger()
	}, watcher.Options{
		Logger:          s.logger,
		RewatchAttempts: s.cfg.RewatchAttempts,
		RewatchBackoff:  s.cfg.RewatchBase(),
	})
	if err != nil {
		return fmt.Errorf("watch document: %w", err)
	}
	s.watch = watch

	watch.SetErrorHandler(func(watchErr *watcher.WatchError) {
		// Fatal to the watch subsystem only. The last good artifact
		// stays servable to current and new viewers.
		s.logger.Error("watch subsystem failed", "kind", watchErr.Kind, "error", watchErr)
	})

	if err := s.server.Start(); err != nil {
		_ = watch.Close()
		return fmt.Errorf("start preview server: %w", err)
	}

	s.pipeline.Trigger()
	s.logger.Info("live preview running", "document", s.path, "url", s.URL())
	close(s.ready)

	<-ctx.Done()
	return s.shutdown()
}

func (s *LivePreview) shutdown() error {
	_ = s.watch.Close()
	s.debounce.Stop()
	s.pipeline.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
	defer cancel()
	return s.server.Shutdown(ctx)
}
