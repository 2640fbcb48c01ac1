// Package middleware serves snapshots to crawlers from a net/http handler chain.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/pkg/detector"
	"github.com/JakeFAU/snapsearch-go/pkg/render"
)

// HeaderIntercepted marks responses that were answered with a snapshot.
const HeaderIntercepted = "X-SnapSearch"

// Interceptor is satisfied by *interceptor.Interceptor.
type Interceptor interface {
	Intercept(ctx context.Context, req detector.Request) (*render.Snapshot, error)
}

// Response is what gets written for an intercepted request.
type Response struct {
	// Status defaults to 200 when zero.
	Status  int
	Headers http.Header
	Body    string
}

// ResponseFunc turns a snapshot into the response sent to the crawler.
type ResponseFunc func(snap *render.Snapshot) Response

// ErrorHandler decides what happens when interception fails. next is the
// wrapped handler.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, next http.Handler, err error)

// Option configures the middleware.
type Option func(*config)

type config struct {
	requestOpts []detector.RequestOption
	respond     ResponseFunc
	onError     ErrorHandler
	logger      *zap.Logger
}

// WithRequestOptions is passed to detector.NewRequest for every request.
func WithRequestOptions(opts ...detector.RequestOption) Option {
	return func(c *config) {
		c.requestOpts = append(c.requestOpts, opts...)
	}
}

// WithResponseFunc replaces the default snapshot response, which forwards
// only Location headers.
func WithResponseFunc(fn ResponseFunc) Option {
	return func(c *config) {
		if fn != nil {
			c.respond = fn
		}
	}
}

// WithErrorHandler replaces the default error handling, which logs and
// serves the request through next.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(c *config) {
		if fn != nil {
			c.onError = fn
		}
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns middleware that answers crawler requests with snapshots and
// passes every other request to the next handler.
func New(ic Interceptor, opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{
		respond: DefaultResponse,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.onError == nil {
		cfg.onError = fallThrough(cfg.logger)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap, err := ic.Intercept(r.Context(), detector.NewRequest(r, cfg.requestOpts...))
			if err != nil {
				cfg.onError(w, r, next, err)
				return
			}
			if snap == nil {
				next.ServeHTTP(w, r)
				return
			}
			write(w, cfg.respond(snap))
		})
	}
}

// DefaultResponse forwards the snapshot status and body. Only Location headers
// are copied; everything else the render service saw is dropped.
func DefaultResponse(snap *render.Snapshot) Response {
	headers := http.Header{}
	for _, h := range snap.Headers {
		if strings.EqualFold(h.Name, "Location") {
			headers.Add("Location", h.Value)
		}
	}
	return Response{
		Status:  snap.Status,
		Headers: headers,
		Body:    snap.HTML,
	}
}

func write(w http.ResponseWriter, resp Response) {
	dst := w.Header()
	for name, values := range resp.Headers {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	if dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", "text/html; charset=utf-8")
	}
	dst.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	dst.Set(HeaderIntercepted, "intercepted")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp.Body))
}

func fallThrough(logger *zap.Logger) ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, next http.Handler, err error) {
		logger.Warn("Snapshot interception failed; serving the application response",
			zap.String("path", r.URL.Path),
			zap.String("user_agent", r.UserAgent()),
			zap.Error(err),
		)
		next.ServeHTTP(w, r)
	}
}
