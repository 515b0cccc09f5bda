// Package server serves the page tree of the current generation. Each
// generation gets its own router, swapped in atomically once it is fully
// built; a request is answered entirely by the generation it started with.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/pagetree"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"
)

// Options configures a Server.
type Options struct {
	Production bool
	// Dist is the build output directory; Public its static sub-directory.
	Dist   string
	Public string
	// Documents lists the keys a page responds with, in order of preference.
	Documents  []string
	LiveReload bool
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Middlewares wrap every page handler.
	Middlewares []func(http.Handler) http.Handler
	Logger      logging.Logger
}

type generation struct {
	tree   *pagetree.Tree
	router http.Handler
}

// Server is the HTTP front of the build.
type Server struct {
	opts    Options
	logger  logging.Logger
	current atomic.Pointer[generation]
	hub     *Hub
	md      goldmark.Markdown
	handler http.Handler

	serverMutex sync.Mutex
	httpServer  *http.Server
	closed      bool
}

// New creates a server. It answers 503 until the first Mount.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.WithComponent("server"),
		hub:    NewHub(opts.Logger),
		md:     goldmark.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.LiveReload {
		r.Handle(LiveReloadPath, s.hub)
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Dist != "" {
		public := filepath.Join(opts.Dist, opts.Public)
		r.Handle("/public/*", http.StripPrefix("/public/", http.FileServer(http.Dir(public))))
	}
	r.Handle("/", http.HandlerFunc(s.dispatch))
	r.Handle("/*", http.HandlerFunc(s.dispatch))
	s.handler = r
	return s
}

// Handler returns the top-level handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the live-reload hub.
func (s *Server) Hub() *Hub { return s.hub }

// dispatch loads the current generation once and lets its router answer.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	gen := s.current.Load()
	if gen == nil {
		http.Error(w, "503 building", http.StatusServiceUnavailable)
		return
	}
	gen.router.ServeHTTP(w, r)
}

// Mount builds the router for tree and swaps it in. The serving router is
// untouched when building fails.
func (s *Server) Mount(tree *pagetree.Tree) error {
	router, err := s.BuildRouter(tree)
	if err != nil {
		return err
	}
	s.current.Store(&generation{tree: tree, router: router})
	s.logger.Debug(context.Background(), "router swapped", "generation", tree.Generation)
	return nil
}

// Generation returns the serving generation, 0 before the first Mount.
func (s *Server) Generation() uint64 {
	if gen := s.current.Load(); gen != nil {
		return gen.tree.Generation
	}
	return 0
}

// Reload notifies live-reload clients.
func (s *Server) Reload(generation uint64) {
	if s.opts.LiveReload {
		s.hub.Reload(generation)
	}
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil at once
// when Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	s.serverMutex.Lock()
	if s.closed {
		s.serverMutex.Unlock()
		return ln.Close()
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(context.Background(), "listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects live-reload clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.serverMutex.Lock()
	s.closed = true
	server := s.httpServer
	s.serverMutex.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
