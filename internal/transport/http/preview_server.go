// Package httpserver delivers the viewer page over HTTP and rendered
// artifacts over WebSocket.
package httpserver

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gfmlive/internal/markdown"
	"gfmlive/internal/preview"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// PreviewServer serves the viewer shell, upgrades WebSocket
// connections into viewer sessions, and serves local document assets.
type PreviewServer struct {
	addr        string
	title       string
	assetRoot   string
	renderer    *markdown.Renderer
	cache       *preview.RenderCache
	broadcaster *preview.Broadcaster
	readTimeout time.Duration
	logger      *slog.Logger

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

// NewPreviewServer creates a server bound to addr. title is shown in
// the browser tab; assetRoot confines which local files the asset
// handler may serve (the watched document's directory). readTimeout
// bounds request-header reads; it does not apply to upgraded
// WebSocket connections.
func NewPreviewServer(addr, title, assetRoot string, renderer *markdown.Renderer, cache *preview.RenderCache, broadcaster *preview.Broadcaster, readTimeout time.Duration, logger *slog.Logger) *PreviewServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreviewServer{
		addr:        addr,
		title:       title,
		assetRoot:   filepath.Clean(assetRoot),
		renderer:    renderer,
		cache:       cache,
		broadcaster: broadcaster,
		readTimeout: readTimeout,
		logger:      logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *PreviewServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/", s.handleIndex)
	router.Get("/ws", s.handleWS)
	router.Get("/healthz", s.handleHealth)
	router.Get(markdown.AssetPathPrefix+"{id}", s.handleAsset)
	return router
}

// Start listens on the configured address and serves in the
// background. Returns once the listener is bound, so the URL is
// usable immediately after.
func (s *PreviewServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readTimeout,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	s.logger.Info("preview server listening", "url", s.URL())
	return nil
}

// URL returns the browser URL for the preview page.
func (s *PreviewServer) URL() string {
	addr := s.addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return "http://" + addr
}

// Shutdown drains HTTP and closes every viewer session.
func (s *PreviewServer) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.broadcaster.Close()
	return err
}

// handleIndex serves the viewer shell with the current artifact's HTML
// inlined, so a fresh tab shows content before its WebSocket is up.
func (s *PreviewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	fragment := ""
	if artifact, ok := s.cache.Current(); ok {
		fragment = artifact.HTML
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(s.renderer.RenderShell(s.title, fragment)))
}

// handleWS upgrades the connection into a viewer session. One
// connection is one session; the read loop drains until the browser
// goes away, then the session is unregistered.
func (s *PreviewServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id, err := s.broadcaster.Register(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer s.broadcaster.Unregister(id)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *PreviewServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleAsset serves local images referenced by the document. Paths
// arrive base64url-encoded and must resolve inside the asset root.
func (s *PreviewServer) handleAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	decoded, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	assetPath := filepath.Clean(string(decoded))
	if !filepath.IsAbs(assetPath) || !s.insideAssetRoot(assetPath) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(assetPath)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, assetPath)
}

func (s *PreviewServer) insideAssetRoot(path string) bool {
	rel, err := filepath.Rel(s.assetRoot, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
