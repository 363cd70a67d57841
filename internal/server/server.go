// Package server is a small HTTP application wired to the exception mailer.
// Its /boom routes fail on purpose so the mail path can be exercised end to
// end; /metrics exposes the mailer counters.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/armorclaw/exceptionmailer/pkg/logger"
	"github.com/armorclaw/exceptionmailer/pkg/mailer"
	"github.com/armorclaw/exceptionmailer/pkg/snapshot"
	"github.com/armorclaw/exceptionmailer/pkg/trace"
)

// Config holds configuration for the HTTP server
type Config struct {
	Addr        string
	MetricsPath string
}

// Server serves the demo application
type Server struct {
	config     Config
	mailer     *mailer.Mailer
	gatherer   prometheus.Gatherer
	logger     *logger.Logger
	httpServer *http.Server
	started    time.Time
}

// New creates a server. A nil gatherer serves the default registry.
func New(config Config, m *mailer.Mailer, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8080"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Global()
	}

	return &Server{
		config:   config,
		mailer:   m,
		gatherer: gatherer,
		logger:   log.WithComponent("http"),
		started:  time.Now(),
	}
}

// Handler returns the routed application
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle(s.config.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/boom", func(r chi.Router) {
		r.Get("/index", s.handleIndexError)
		r.Get("/panic", s.handlePanic)
		r.Get("/none", s.handleNotice)
		r.Get("/ignored", s.handleIgnored)
	})

	return r
}

// Start listens until Stop is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.config.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithRequestID(middleware.GetReqID(r.Context())).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleIndexError(w http.ResponseWriter, r *http.Request) {
	items := []string{"alpha", "beta"}
	index := queryInt(r, "i", 5)

	err := trace.New("IndexError", "list index out of range")
	res := s.mailer.Mail(r.Context(), r, "demo.index_error", err,
		mailer.WithLocals(snapshot.Vars{
			snapshot.V("items", items),
			snapshot.V("index", index),
		}),
	)
	s.writeResult(w, http.StatusInternalServerError, res)
}

// handlePanic guards an out-of-range index and mails the recovered panic
func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	items := []int{1, 2, 3}
	index := queryInt(r, "i", len(items))

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		res := s.mailer.Capture(r.Context(), mailer.CaptureRequest{
			Request: r,
			Name:    routeName(r),
			Err:     trace.FromPanic(p),
			Locals:  snapshot.Vars{snapshot.V("items", items), snapshot.V("index", index)},
		})
		s.writeResult(w, http.StatusInternalServerError, res)
	}()

	writeJSON(w, http.StatusOK, map[string]int{"item": items[index]})
}

func routeName(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " " + r.URL.Path
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request) {
	res := s.mailer.Mail(r.Context(), r, "demo.notice", nil)
	s.writeResult(w, http.StatusOK, res)
}

func (s *Server) handleIgnored(w http.ResponseWriter, r *http.Request) {
	res := s.mailer.Mail(r.Context(), r, "demo.ignored", trace.New("IgnoredError", "not worth a mail"),
		mailer.WithIgnore(true),
	)
	s.writeResult(w, http.StatusOK, res)
}

func (s *Server) writeResult(w http.ResponseWriter, status int, res mailer.Result) {
	body := map[string]interface{}{
		"status":    res.Status,
		"report_id": res.ReportID,
		"subject":   res.Subject,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, name string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
