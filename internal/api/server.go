package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/internal/config"
	"github.com/JakeFAU/snapsearch-go/internal/metrics"
	"github.com/JakeFAU/snapsearch-go/pkg/detector"
	"github.com/JakeFAU/snapsearch-go/pkg/middleware"
)

// IDGenerator produces request IDs, reusing a valid incoming one.
type IDGenerator interface {
	Reuse(candidate string) (string, error)
}

// Deps groups the collaborators of the Server.
type Deps struct {
	Detector    *detector.Detector
	Interceptor middleware.Interceptor
	// Upstream serves every request that is not intercepted. Nil means the
	// proxy has nothing to forward to and answers 502.
	Upstream    http.Handler
	IDGen       IDGenerator
	RequestOpts []detector.RequestOption
}

// Server wires HTTP handlers to the detector, interceptor and upstream. The
// public handler only proxies; health, metrics and the /v1 API live on a
// separate admin handler so they never shadow the application's own paths.
type Server struct {
	public   chi.Router
	admin    chi.Router
	deps     Deps
	cfg      config.Config
	logger   *zap.Logger
	registry *RegistryHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistryHandler(deps.Detector.Robots(), logger),
	}
	s.public = s.publicRoutes()
	s.admin = s.adminRoutes()
	return s
}

func (s *Server) baseRouter(logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(s.deps.IDGen))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	return r
}

func (s *Server) publicRoutes() chi.Router {
	r := s.baseRouter(s.logger)
	snapshots := middleware.New(s.deps.Interceptor,
		middleware.WithRequestOptions(s.deps.RequestOpts...),
		middleware.WithLogger(s.logger.Named("snapsearch")),
	)
	r.Handle("/*", snapshots(s.upstream()))
	return r
}

func (s *Server) adminRoutes() chi.Router {
	r := s.baseRouter(s.logger.Named("admin"))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	apiKey := s.cfg.Server.APIKey
	if apiKey == "" {
		s.logger.Warn("server.api_key is empty; robot and extension lists are read-only")
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(s.cfg.RequestTimeout()))
		if apiKey != "" {
			r.Use(apiKeyMiddleware(apiKey))
		}
		r.Post("/detect", s.detect)
		r.Get("/robots/{kind}", s.registry.ListUserAgents)
		r.Get("/extensions/{kind}", s.registry.ListExtensions)
		if apiKey != "" {
			r.Post("/robots/{kind}", s.registry.AddUserAgents)
			r.Post("/extensions/{kind}", s.registry.AddExtensions)
		}
	})
	return r
}

// Handler returns the proxy router for the public listener.
func (s *Server) Handler() http.Handler {
	return s.public
}

// AdminHandler returns the router for the admin listener.
func (s *Server) AdminHandler() http.Handler {
	return s.admin
}

func (s *Server) upstream() http.Handler {
	if s.deps.Upstream != nil {
		return s.deps.Upstream
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusBadGateway, "no upstream configured")
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Upstream == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no upstream"})
		return
	}
	if err := s.deps.Detector.Validate(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "invalid routes", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(gen IDGenerator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID, err := gen.Reuse(r.Header.Get("X-Request-ID"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "request id unavailable")
				return
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestID returns the ID assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("snapsearch", ww.Header().Get(middleware.HeaderIntercepted)),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
