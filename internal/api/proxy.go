package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/internal/metrics"
)

// NewUpstreamProxy returns a reverse proxy to the application at target.
// Failures to reach it are counted and answered with 502.
func NewUpstreamProxy(target string, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream %q: scheme must be http or https", target)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream %q: missing host", target)
	}

	metrics.Init()
	proxy := httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		originalHost := r.Host
		director(r)
		if r.Header.Get("X-Forwarded-Host") == "" {
			r.Header.Set("X-Forwarded-Host", originalHost)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			// Client disconnected.
			return
		}
		metrics.ObserveProxyError(target)
		logger.Warn("upstream request failed",
			zap.String("upstream", u.Host),
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy, nil
}
