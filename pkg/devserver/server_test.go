package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/coldog/chunkbld/pkg/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Idle keep-alive connections of the shared client transport.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func outDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "js"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"),
		[]byte(`<html><body><script src="/js/main-abc.js"></script></body></html>`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "main-abc.js"), []byte(`start([], "src/main.tsx");`), 0o644))
	return dir
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	s, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, s.Shutdown(context.Background()))
	})
	return s, ts
}

func TestStatic(t *testing.T) {
	_, ts := newTestServer(t, Options{Dir: outDir(t)})

	res, body := get(t, ts.URL+"/js/main-abc.js")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `start([], "src/main.tsx");`, body)

	res, body = get(t, ts.URL+"/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, ReloadPath, "index.html carries the live reload client")
	assert.Contains(t, body, `<script src="/js/main-abc.js">`)

	res, body = get(t, ts.URL+"/settings/profile")
	assert.Equal(t, http.StatusOK, res.StatusCode, "client side routes fall back to index.html")
	assert.Contains(t, body, "main-abc.js")

	res, _ = get(t, ts.URL+"/js/missing.js")
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "missing assets do not fall back")
}

func TestStaticNotBuilt(t *testing.T) {
	_, ts := newTestServer(t, Options{Dir: t.TempDir()})
	res, _ := get(t, ts.URL+"/")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestInjectClient(t *testing.T) {
	cases := map[string]string{
		"lowercase": `<html><body><div id="root"></div></body></html>`,
		"uppercase": `<HTML><BODY><div id="root"></div></BODY></HTML>`,
		"fragment":  `<div id="root"></div>`,
		"comment":   `<html><body><div id="root"></div><!-- </body> --></body></html>`,
	}
	for name, page := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := injectClient([]byte(page))
			require.NoError(t, err)
			out := string(data)
			assert.Contains(t, out, `<div id="root"></div>`)
			assert.Contains(t, out, "new WebSocket")
			assert.Equal(t, 1, strings.Count(out, "<script>"))
			assert.True(t, strings.HasSuffix(out, "})();\n</script></body></html>"), out)
		})
	}
}

func TestProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "backend %s %s", r.URL.Path, r.Host)
	}))
	defer backend.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "other %s", r.URL.Path)
	}))
	defer other.Close()

	_, ts := newTestServer(t, Options{
		Dir: outDir(t),
		Proxy: map[string]config.ProxyRule{
			"/api":    {Target: backend.URL, ChangeOrigin: true},
			"/api/v2": {Target: other.URL},
		},
	})

	_, body := get(t, ts.URL+"/api/chat")
	assert.Equal(t, "backend /api/chat "+strings.TrimPrefix(backend.URL, "http://"), body,
		"changeOrigin rewrites Host")

	_, body = get(t, ts.URL+"/api/v2/models")
	assert.Equal(t, "other /api/v2/models", body, "the longest prefix wins")

	_, body = get(t, ts.URL+"/")
	assert.Contains(t, body, "main-abc.js")
}

func TestProxyKeepsHost(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Host)
	}))
	defer backend.Close()

	_, ts := newTestServer(t, Options{
		Dir:   outDir(t),
		Proxy: map[string]config.ProxyRule{"/api": {Target: backend.URL}},
	})
	_, host := get(t, ts.URL+"/api")
	assert.Equal(t, strings.TrimPrefix(ts.URL, "http://"), host)
}

func TestProxyInsecureTLS(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tls")
	}))
	defer backend.Close()

	_, ts := newTestServer(t, Options{
		Dir: outDir(t),
		Proxy: map[string]config.ProxyRule{
			"/insecure": {Target: backend.URL, Secure: false},
			"/secure":   {Target: backend.URL, Secure: true},
		},
	})

	res, body := get(t, ts.URL+"/insecure")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "tls", body)

	res, _ = get(t, ts.URL+"/secure")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode, "self signed certificates are rejected when secure")
}

func TestProxyBadTarget(t *testing.T) {
	_, err := New(Options{Proxy: map[string]config.ProxyRule{"/api": {Target: "http://[::1"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/api")
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + ReloadPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestBroadcast(t *testing.T) {
	s, ts := newTestServer(t, Options{Dir: outDir(t)})
	a, b := dial(t, ts), dial(t, ts)
	require.Eventually(t, func() bool { return s.hub.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	s.Broadcast(reloadMessage())
	assert.Equal(t, Message{Type: "reload"}, readMessage(t, a))
	assert.Equal(t, Message{Type: "reload"}, readMessage(t, b))

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return s.hub.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	s.Broadcast(errorMessage(errors.New("compile src/App.tsx:3:1: boom")))
	assert.Equal(t, Message{Type: "error", Message: "compile src/App.tsx:3:1: boom"}, readMessage(t, b))
}

func TestWatchRebuilds(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "components"), 0o755))

	var calls atomic.Int32
	var fail atomic.Bool
	s, ts := newTestServer(t, Options{
		Dir:      outDir(t),
		Watch:    []string{src},
		Debounce: 50 * time.Millisecond,
		Rebuild: func(ctx context.Context) error {
			calls.Add(1)
			if fail.Load() {
				return errors.New("syntax error")
			}
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.watcher.Start(ctx)

	conn := dial(t, ts)
	require.Eventually(t, func() bool { return s.hub.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(src, "components", "App.tsx"),
			[]byte(fmt.Sprintf("export const v = %d;", i)), 0o644))
	}
	assert.Equal(t, Message{Type: "reload"}, readMessage(t, conn))
	assert.Equal(t, int32(1), calls.Load(), "a burst of writes rebuilds once")

	fail.Store(true)
	require.NoError(t, os.WriteFile(filepath.Join(src, "broken.tsx"), []byte("export const ="), 0o644))
	assert.Equal(t, Message{Type: "error", Message: "syntax error"}, readMessage(t, conn))
}

func TestStartShutdown(t *testing.T) {
	s, err := New(Options{Addr: "127.0.0.1:0", Dir: outDir(t), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	require.Eventually(t, func() bool { return s.Addr() != "127.0.0.1:0" }, 5*time.Second, 10*time.Millisecond)

	res, body := get(t, "http://"+s.Addr()+"/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "main-abc.js")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}

func TestFromConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	cfg := config.Default()
	cfg.Root = root

	s, err := FromConfig(&cfg, nil, nil)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	assert.Equal(t, []string{filepath.Join(root, "src")}, s.opts.Watch, "node_modules is not watched")
	assert.Equal(t, filepath.Join(root, "dist"), s.opts.Dir)
	_, ok := s.proxies.match("/api/chat")
	assert.True(t, ok)
}
