// Package server assembles the snapshot proxy from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/internal/api"
	"github.com/JakeFAU/snapsearch-go/internal/config"
	"github.com/JakeFAU/snapsearch-go/internal/id/uuid"
	"github.com/JakeFAU/snapsearch-go/internal/logging"
	"github.com/JakeFAU/snapsearch-go/internal/metrics"
	"github.com/JakeFAU/snapsearch-go/pkg/detector"
	"github.com/JakeFAU/snapsearch-go/pkg/interceptor"
	"github.com/JakeFAU/snapsearch-go/pkg/render"
	"github.com/JakeFAU/snapsearch-go/pkg/render/headless"
	"github.com/JakeFAU/snapsearch-go/pkg/robots"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	closers   []func()
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		AdminPort  int    `json:"admin_port"`
		Upstream   string `json:"upstream"`
		RenderMode string `json:"render_mode"`
		Endpoint   string `json:"render_endpoint,omitempty"`
	}
	safeCfg := sanitizedConfig{
		ServerPort: cfg.Server.Port,
		AdminPort:  cfg.Server.AdminPort,
		Upstream:   cfg.Server.Upstream,
		RenderMode: cfg.Render.Mode,
	}
	if cfg.Render.Mode == config.RenderModeRemote {
		safeCfg.Endpoint = cfg.Render.Endpoint
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{cfg: cfg, logger: logger}
}

// Handler exposes the public proxy handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// AdminHandler exposes the health, metrics and /v1 handler.
func (a *App) AdminHandler() http.Handler {
	return a.apiServer.AdminHandler()
}

// Run starts the proxy and admin listeners and blocks until the context is
// canceled or either listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := map[string]*http.Server{
		"proxy": a.newHTTPServer(a.cfg.Server.Port, a.Handler()),
		"admin": a.newHTTPServer(a.cfg.Server.AdminPort, a.AdminHandler()),
	}

	serveErr := make(chan error, len(servers))
	for name, srv := range servers {
		go func() {
			a.logger.Info("http server started", zap.String("listener", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.String("listener", name), zap.Error(err))
				serveErr <- fmt.Errorf("%s listener: %w", name, err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for name, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.String("listener", name), zap.Error(err))
		}
	}
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (a *App) newHTTPServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Close releases renderer resources and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

// Build creates the application's dependencies.
func Build(_ context.Context, cfg *config.Config) (*App, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := NewApp(cfg, logger)
	app.logger.Info("building application dependencies")

	det, err := NewDetector(cfg)
	if err != nil {
		return nil, err
	}

	renderer, closeRenderer, err := NewRenderer(cfg, logger.Named("render"))
	if err != nil {
		return nil, err
	}
	if closeRenderer != nil {
		app.closers = append(app.closers, closeRenderer)
	}

	ic := interceptor.New(det, renderer,
		interceptor.WithObserver(metrics.NewRecorder()),
		interceptor.WithAfter(logSnapshot(logger.Named("interceptor"))),
		interceptor.WithLogger(logger.Named("interceptor")),
	)

	var upstream http.Handler
	if cfg.Server.Upstream != "" {
		upstream, err = api.NewUpstreamProxy(cfg.Server.Upstream, logger.Named("proxy"))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("upstream proxy init failed: %w", err)
		}
	} else {
		logger.Warn("No upstream configured; non-intercepted requests will receive 502")
	}

	app.apiServer = api.NewServer(api.Deps{
		Detector:    det,
		Interceptor: ic,
		Upstream:    upstream,
		IDGen:       uuid.New(),
		RequestOpts: RequestOptions(cfg),
	}, *cfg, logger.Named("api"))

	return app, nil
}

// NewLogger builds the zap logger described by cfg.Logging.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return logger, nil
}

// NewRegistry loads the robot and extension lists and applies the extra
// user agents from cfg.
func NewRegistry(cfg *config.Config) (*robots.Registry, error) {
	reg, err := robots.LoadFiles(cfg.Detector.RobotsFile, cfg.Detector.ExtensionsFile)
	if err != nil {
		return nil, fmt.Errorf("robots registry init failed: %w", err)
	}
	if len(cfg.Detector.ExtraMatch) > 0 {
		if err := reg.AddUserAgents(robots.Match, cfg.Detector.ExtraMatch...); err != nil {
			return nil, fmt.Errorf("extra match agents: %w", err)
		}
	}
	if len(cfg.Detector.ExtraIgnore) > 0 {
		if err := reg.AddUserAgents(robots.Ignore, cfg.Detector.ExtraIgnore...); err != nil {
			return nil, fmt.Errorf("extra ignore agents: %w", err)
		}
	}
	return reg, nil
}

// NewDetector builds a detector from cfg and rejects invalid route patterns.
func NewDetector(cfg *config.Config) (*detector.Detector, error) {
	reg, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	det := detector.New(detector.Config{
		IgnoredRoutes:       cfg.Detector.IgnoredRoutes,
		MatchedRoutes:       cfg.Detector.MatchedRoutes,
		CheckFileExtensions: cfg.Detector.CheckFileExtensions,
		CheckStaticFiles:    cfg.Detector.CheckStaticFiles,
		Robots:              reg,
	})
	if err := det.Validate(); err != nil {
		return nil, fmt.Errorf("detector routes: %w", err)
	}
	return det, nil
}

// RequestOptions maps the detector settings that shape request parsing.
func RequestOptions(cfg *config.Config) []detector.RequestOption {
	opts := []detector.RequestOption{
		detector.WithTrustForwardedHeaders(cfg.Detector.TrustForwardedHeaders),
	}
	if cfg.Detector.DocumentRoot != "" {
		opts = append(opts, detector.WithDocumentRoot(cfg.Detector.DocumentRoot))
	}
	return opts
}

// NewRenderer returns the renderer selected by cfg.Render.Mode and, for the
// local renderer, a function that stops the browser.
func NewRenderer(cfg *config.Config, logger *zap.Logger) (render.Renderer, func(), error) {
	switch cfg.Render.Mode {
	case config.RenderModeLocal:
		r, err := headless.New(headless.Config{
			MaxParallel:       cfg.Render.Headless.MaxParallel,
			UserAgent:         cfg.Render.Headless.UserAgent,
			NavigationTimeout: time.Duration(cfg.Render.Headless.NavTimeoutSec) * time.Second,
			Screenshot:        cfg.Render.Headless.Screenshot,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Render.Headless.MaxParallel))
		return r, r.Close, nil
	case config.RenderModeRemote, "":
		client, err := render.NewClient(render.Config{
			Endpoint:   cfg.Render.Endpoint,
			Email:      cfg.Render.Email,
			Key:        cfg.Render.Key,
			Parameters: cfg.Render.Parameters,
			Timeout:    cfg.RenderTimeout(),
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("render client init failed: %w", err)
		}
		if cfg.Render.Email == "" {
			logger.Warn("render.email is empty; requests to the render service are unauthenticated")
		}
		logger.Info("using remote renderer", zap.String("endpoint", client.Endpoint()))
		return client, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown render mode %q", cfg.Render.Mode)
	}
}

func logSnapshot(logger *zap.Logger) interceptor.AfterFunc {
	return func(_ context.Context, url string, snap *render.Snapshot) {
		logger.Debug("snapshot served",
			zap.String("url", url),
			zap.Int("status", snap.Status),
			zap.Int("html_bytes", len(snap.HTML)),
			zap.Bool("cached", snap.Cache),
		)
	}
}
