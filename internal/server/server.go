// Package server exposes a read-only JSON view of the current library,
// commentary set and annotations, plus a websocket feed announcing reloads.
//
// Handlers read one Library snapshot per request from a corpus.Holder, so a
// reload swaps data between requests and never under one.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/FocuswithJustin/hypomnema/core/annotation"
	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/commentary"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/ref"
	"github.com/FocuswithJustin/hypomnema/internal/cache"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Config holds server settings.
type Config struct {
	Addr string

	// CacheTTL keeps encoded chapter responses; zero disables the cache.
	CacheTTL time.Duration

	// AllowedOrigins restricts CORS and websocket origins. Empty leaves CORS
	// open and limits websockets to same-origin pages; "*" allows any origin.
	AllowedOrigins []string

	// SearchLimit caps search results when the request sets no limit.
	SearchLimit int
}

// Server serves the query API.
type Server struct {
	cfg      Config
	canon    *canon.Canon
	parser   *ref.Parser
	holder   *corpus.Holder
	resolver atomic.Pointer[commentary.Resolver]
	notes    atomic.Pointer[annotation.Set]
	hub      *Hub
	cache    *cache.TTLCache[string, []byte]
	started  time.Time

	// gen advances after every library, resolver or annotation swap. Cache
	// keys carry it, so a body built from the old data is never served after
	// a swap.
	gen atomic.Uint64
}

// New returns a Server over holder. A nil resolver serves no commentary.
func New(cfg Config, table *canon.Canon, holder *corpus.Holder, res *commentary.Resolver) *Server {
	if table == nil {
		table = canon.Default()
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 20
	}
	if holder == nil {
		holder = corpus.NewHolder(nil)
	}
	s := &Server{
		cfg:     cfg,
		canon:   table,
		parser:  ref.NewParser(table),
		holder:  holder,
		hub:     NewHub(cfg.AllowedOrigins),
		cache:   cache.New[string, []byte](cfg.CacheTTL),
		started: time.Now(),
	}
	s.SetResolver(res)
	s.SetAnnotations(nil)
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Library returns the snapshot currently served.
func (s *Server) Library() *corpus.Library {
	return s.holder.Load()
}

// SetResolver replaces the commentary set.
func (s *Server) SetResolver(res *commentary.Resolver) {
	if res == nil {
		res, _ = commentary.NewResolver(nil)
	}
	s.resolver.Store(res)
	s.gen.Add(1)
	s.cache.Purge()
}

// SetAnnotations replaces the paragraph, canon section and footnote tables.
// A nil set serves none.
func (s *Server) SetAnnotations(set *annotation.Set) {
	if set == nil {
		set = annotation.Empty()
	}
	s.notes.Store(set)
	s.gen.Add(1)
	s.cache.Purge()
}

// Reload publishes lib, drops cached responses and notifies websocket
// clients. trigger names what caused the reload for the log.
func (s *Server) Reload(lib *corpus.Library, trigger string, took time.Duration) {
	s.holder.Store(lib)
	s.gen.Add(1)
	s.cache.Purge()
	logging.LibraryReloaded(trigger, lib.Len(), took)
	s.hub.Broadcast(Event{Type: "reload", Books: lib.Books()})
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/books", s.handleBooks)
	mux.HandleFunc("GET /api/books/{book}", s.handleBook)
	mux.HandleFunc("GET /api/books/{book}/chapters/{chapter}", s.handleChapter)
	mux.HandleFunc("GET /api/verse", s.handleVerse)
	mux.HandleFunc("GET /api/commentary", s.handleCommentary)
	mux.HandleFunc("GET /api/footnotes/{id}", s.handleFootnotes)
	mux.HandleFunc("GET /api/sections", s.handleSections)
	mux.HandleFunc("GET /api/sections/{key}", s.handleSection)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/parse", s.handleParse)
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})

	var h http.Handler = mux
	h = securityHeaders(h)
	h = corsMiddleware(s.cfg.AllowedOrigins, h)
	return logging.CombinedMiddleware(h)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logging.ServerStartup(ln.Addr().String(), s.Library().Len())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
