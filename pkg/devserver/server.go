// Package devserver serves a development build with live reload. Requests
// under a configured proxy prefix are forwarded to the backend, the live
// reload websocket is served on ReloadPath and everything else comes from
// the build output directory.
package devserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/coldog/chunkbld/pkg/config"
)

// RebuildFunc rebuilds the output directory after a source change.
type RebuildFunc func(ctx context.Context) error

type Options struct {
	Addr string
	// Dir is the build output directory.
	Dir   string
	Proxy map[string]config.ProxyRule
	// Watch lists the source directories to watch. No watcher runs when
	// empty.
	Watch    []string
	Debounce time.Duration
	Rebuild  RebuildFunc
	Logger   *zap.Logger
}

type Server struct {
	opts    Options
	log     *zap.Logger
	proxies proxies
	static  *static
	hub     *hub
	watcher *watcher

	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// FromConfig configures a server for cfg. node_modules is never watched.
func FromConfig(cfg *config.Config, rebuild RebuildFunc, log *zap.Logger) (*Server, error) {
	var watch []string
	for _, dir := range cfg.Build.Sources {
		if filepath.Base(dir) == "node_modules" {
			continue
		}
		watch = append(watch, cfg.Path(dir))
	}
	return New(Options{
		Addr:    cfg.Server.Port,
		Dir:     cfg.Path(cfg.Build.OutDir),
		Proxy:   cfg.Server.Proxy,
		Watch:   watch,
		Rebuild: rebuild,
		Logger:  log,
	})
}

func New(opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	p, err := newProxies(opts.Proxy, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:    opts,
		log:     log,
		proxies: p,
		static:  newStatic(opts.Dir, true),
		hub:     newHub(log),
	}
	if len(opts.Watch) > 0 {
		if s.watcher, err = newWatcher(opts.Watch, opts.Debounce, s.rebuild, log); err != nil {
			return nil, err
		}
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           h2c.NewHandler(s, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == ReloadPath {
		s.hub.ServeHTTP(w, r)
		return
	}
	if route, ok := s.proxies.match(r.URL.Path); ok {
		route.rp.ServeHTTP(w, r)
		return
	}
	s.static.ServeHTTP(w, r)
}

// rebuild runs the rebuild function and tells the browsers the outcome.
func (s *Server) rebuild(ctx context.Context) {
	if s.opts.Rebuild == nil {
		s.hub.Broadcast(reloadMessage())
		return
	}
	t0 := time.Now()
	if err := s.opts.Rebuild(ctx); err != nil {
		s.log.Error("rebuild failed", zap.Error(err))
		s.hub.Broadcast(errorMessage(err))
		return
	}
	s.log.Info("rebuilt", zap.Duration("took", time.Since(t0)))
	s.hub.Broadcast(reloadMessage())
}

// Broadcast sends m to every live reload client.
func (s *Server) Broadcast(m Message) { s.hub.Broadcast(m) }

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Start starts the watcher and serves until Shutdown. It blocks.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.watcher != nil {
		s.watcher.Start(ctx)
	}
	s.log.Info("dev server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the watcher, disconnects live reload clients and shuts the
// HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	return err
}
