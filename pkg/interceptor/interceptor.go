// Package interceptor ties crawler detection to snapshot rendering.
package interceptor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/pkg/detector"
	"github.com/JakeFAU/snapsearch-go/pkg/render"
)

// Detector decides whether a request is intercepted and which URL to render.
type Detector interface {
	Evaluate(req detector.Request) (detector.Decision, error)
	EncodedURL(req detector.Request) string
}

// Outcome classifies how an intercepted request was answered.
type Outcome string

// Render outcomes reported to an Observer.
const (
	OutcomeSuccess         Outcome = "success"
	OutcomeHook            Outcome = "hook"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeError           Outcome = "error"
)

// Observer receives decision and render events. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveDecision(decision detector.Decision)
	ObserveRender(outcome Outcome, duration time.Duration)
}

// BeforeFunc runs before the renderer. A non-nil snapshot is returned as the
// interception result and the renderer is skipped.
type BeforeFunc func(ctx context.Context, url string) *render.Snapshot

// AfterFunc runs after a successful render, for side effects only.
type AfterFunc func(ctx context.Context, url string, snap *render.Snapshot)

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithBefore registers the pre-render hook. A nil hook is ignored.
func WithBefore(fn BeforeFunc) Option {
	return func(i *Interceptor) { i.before = fn }
}

// WithAfter registers the post-render hook. A nil hook is ignored.
func WithAfter(fn AfterFunc) Option {
	return func(i *Interceptor) { i.after = fn }
}

// WithObserver reports decisions and render outcomes to o.
func WithObserver(o Observer) Option {
	return func(i *Interceptor) {
		if o != nil {
			i.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Interceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// Interceptor runs detection and, for crawlers, fetches a snapshot.
type Interceptor struct {
	detector Detector
	renderer render.Renderer
	before   BeforeFunc
	after    AfterFunc
	observer Observer
	logger   *zap.Logger
}

// New builds an Interceptor.
func New(det Detector, renderer render.Renderer, opts ...Option) *Interceptor {
	i := &Interceptor{
		detector: det,
		renderer: renderer,
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Intercept returns the snapshot to serve for req, or nil with a nil error
// when the request should pass through untouched. Detector and renderer
// errors are returned unchanged.
func (i *Interceptor) Intercept(ctx context.Context, req detector.Request) (*render.Snapshot, error) {
	decision, err := i.detector.Evaluate(req)
	if err != nil {
		return nil, err
	}
	i.observer.ObserveDecision(decision)
	if !decision.Intercept {
		return nil, nil
	}

	url := i.detector.EncodedURL(req)
	i.logger.Debug("Intercepting request",
		zap.String("url", url),
		zap.String("reason", string(decision.Reason)),
		zap.String("user_agent", req.UserAgent),
	)

	start := time.Now()
	if i.before != nil {
		if snap := i.before(ctx, url); snap != nil {
			i.observer.ObserveRender(OutcomeHook, time.Since(start))
			return snap, nil
		}
	}

	snap, err := i.renderer.Render(ctx, url)
	if err == nil && snap == nil {
		err = &render.ServiceError{Message: "renderer returned no snapshot"}
	}
	if err != nil {
		i.observer.ObserveRender(outcomeOf(err), time.Since(start))
		i.logger.Debug("Snapshot render failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	i.observer.ObserveRender(OutcomeSuccess, time.Since(start))

	if i.after != nil {
		i.after(ctx, url, snap)
	}
	return snap, nil
}

func outcomeOf(err error) Outcome {
	var verr *render.ValidationError
	if errors.As(err, &verr) {
		return OutcomeValidationError
	}
	return OutcomeError
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(detector.Decision) {}
func (nopObserver) ObserveRender(Outcome, time.Duration) {}
