// Package headless renders snapshots locally with headless Chrome.
package headless

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/pkg/render"
)

const (
	// DefaultUserAgent identifies the local renderer. It must stay on the
	// robots ignore list so rendered pages are not intercepted again.
	DefaultUserAgent = "SnapSearch-Local"

	defaultNavTimeout   = 45 * time.Second
	defaultWaitSelector = "body"
	defaultSettleDelay  = 500 * time.Millisecond
)

// Config controls the headless renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector must be ready before the DOM is captured.
	WaitSelector string
	// SettleDelay gives client-side scripts time to finish after WaitSelector.
	SettleDelay time.Duration
	// Screenshot adds a base64 PNG of the full page to each snapshot.
	Screenshot bool
}

// Renderer implements render.Renderer using chromedp.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

var _ render.Renderer = (*Renderer)(nil)

// New creates a headless renderer. Chrome is started lazily on first use.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout < 0 {
		return nil, errors.New("navigation timeout must be >= 0")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to pageURL and captures the rendered DOM.
func (r *Renderer) Render(ctx context.Context, pageURL string) (*render.Snapshot, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, &render.ServiceError{Message: "wait for browser slot", Err: err}
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	page, err := r.run(taskCtx, pageURL)
	if err != nil {
		return nil, &render.ServiceError{Message: "render " + pageURL, Err: err}
	}
	status, headers := meta.snapshotWithFallbacks()
	r.logger.Debug("Rendered page locally",
		zap.String("url", pageURL),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
	)

	snap := &render.Snapshot{
		Status:  status,
		Headers: headers,
		HTML:    page.html,
		Date:    time.Now().Unix(),
	}
	if len(page.screenshot) > 0 {
		snap.Screenshot = base64.StdEncoding.EncodeToString(page.screenshot)
	}
	return snap, nil
}

type renderedPage struct {
	html       string
	screenshot []byte
}

func (r *Renderer) run(ctx context.Context, pageURL string) (renderedPage, error) {
	var page renderedPage
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(r.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	}
	if r.cfg.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&page.screenshot, 100))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// responseMeta records the status and headers of the top-level document.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.mu.Unlock()
}

// snapshotWithFallbacks returns the captured status, or 200 when no document
// response was seen, and the headers as a name-sorted list.
func (m *responseMeta) snapshotWithFallbacks() (int, []render.Header) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return status, toSnapshotHeaders(m.headers)
}

func toSnapshotHeaders(h http.Header) []render.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []render.Header
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, render.Header{Name: name, Value: value})
		}
	}
	return out
}
