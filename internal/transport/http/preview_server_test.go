package httpserver

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gfmlive/internal/contracts"
	"gfmlive/internal/markdown"
	"gfmlive/internal/preview"

	"github.com/gorilla/websocket"
)

type testServer struct {
	http        *httptest.Server
	cache       *preview.RenderCache
	broadcaster *preview.Broadcaster
}

func newTestServer(t *testing.T, assetRoot string) *testServer {
	t.Helper()

	renderer := markdown.NewRenderer()
	broadcaster := preview.NewBroadcaster(nil, 0)
	cache := preview.NewRenderCache(broadcaster)

	server := NewPreviewServer("127.0.0.1:0", "doc.md", assetRoot, renderer, cache, broadcaster, 0, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		broadcaster.Close()
	})

	return &testServer{http: ts, cache: cache, broadcaster: broadcaster}
}

func (ts *testServer) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readRender(t *testing.T, conn *websocket.Conn) contracts.RenderMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg contracts.RenderMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read render message: %v", err)
	}
	return msg
}

func TestIndexServesShellWithCurrentArtifact(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	if _, err := ts.cache.Publish("<h1 id=\"hello\">Hello</h1>"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	resp, err := http.Get(ts.http.URL + "/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "Hello") {
		t.Fatal("index does not inline the current artifact")
	}
	if got := resp.Header.Get("Content-Type"); !strings.Contains(got, "text/html") {
		t.Fatalf("content type %q", got)
	}
}

func TestIndexBeforeFirstRenderServesEmptyShell(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	resp, err := http.Get(ts.http.URL + "/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestWebSocketReceivesCurrentOnConnect(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	if _, err := ts.cache.Publish("<h1>v1</h1>"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn := ts.dialWS(t)
	msg := readRender(t, conn)
	if msg.Type != contracts.MessageTypeRender || msg.Version != 1 {
		t.Fatalf("expected render v1 on connect, got %+v", msg)
	}
	if msg.HTML != "<h1>v1</h1>" {
		t.Fatalf("wrong html %q", msg.HTML)
	}
}

func TestWebSocketReceivesSubsequentPublishes(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	conn := ts.dialWS(t)
	waitForSessions(t, ts, 1)

	if _, err := ts.cache.Publish("<p>first</p>"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := ts.cache.Publish("<p>second</p>"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first := readRender(t, conn)
	second := readRender(t, conn)
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1 then 2, got %d then %d", first.Version, second.Version)
	}
}

func TestClosedViewerDoesNotBreakOthers(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	doomed := ts.dialWS(t)
	survivor := ts.dialWS(t)
	waitForSessions(t, ts, 2)

	_ = doomed.Close()

	if _, err := ts.cache.Publish("<p>after close</p>"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := ts.cache.Publish("<p>and again</p>"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first := readRender(t, survivor)
	second := readRender(t, survivor)
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("survivor missed deliveries: %d then %d", first.Version, second.Version)
	}
}

// waitForSessions blocks until the ws handlers have registered n
// sessions: a publish is only guaranteed to reach sessions registered
// before it.
func waitForSessions(t *testing.T, ts *testServer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ts.broadcaster.SessionCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sessions, have %d", n, ts.broadcaster.SessionCount())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	resp, err := http.Get(ts.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAssetServedInsideRoot(t *testing.T) {
	root := t.TempDir()
	assetPath := filepath.Join(root, "pic.png")
	if err := os.WriteFile(assetPath, []byte("png-bytes"), 0o600); err != nil {
		t.Fatalf("write asset: %v", err)
	}

	ts := newTestServer(t, root)

	id := base64.RawURLEncoding.EncodeToString([]byte(assetPath))
	resp, err := http.Get(ts.http.URL + markdown.AssetPathPrefix + id)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "png-bytes" {
		t.Fatalf("wrong asset body %q", body)
	}
}

func TestAssetOutsideRootRejected(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secretPath := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secretPath, []byte("secret"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	ts := newTestServer(t, root)

	id := base64.RawURLEncoding.EncodeToString([]byte(secretPath))
	resp, err := http.Get(ts.http.URL + markdown.AssetPathPrefix + id)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for path outside root, got %d", resp.StatusCode)
	}
}

func TestAssetMalformedIDRejected(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	resp, err := http.Get(ts.http.URL + markdown.AssetPathPrefix + "not-base64!!!")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", resp.StatusCode)
	}
}
