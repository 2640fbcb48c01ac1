// Package detector decides whether a request should be answered with a
// pre-rendered snapshot and reconstructs the URL a crawler meant to fetch.
package detector

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/spf13/afero"

	"github.com/JakeFAU/snapsearch-go/pkg/robots"
)

// PatternError reports a route or user-agent pattern that does not compile.
type PatternError = robots.PatternError

// Reason names the cascade step that settled a decision.
type Reason string

// Decision reasons, in cascade order.
const (
	ReasonMethod           Reason = "method"
	ReasonEmptyUserAgent   Reason = "empty_user_agent"
	ReasonScheme           Reason = "scheme"
	ReasonIgnoredUserAgent Reason = "ignored_user_agent"
	ReasonRouteNotMatched  Reason = "route_not_matched"
	ReasonRouteIgnored     Reason = "route_ignored"
	ReasonExtension        Reason = "extension"
	ReasonStaticFile       Reason = "static_file"
	ReasonEscapedFragment  Reason = "escaped_fragment"
	ReasonRobot            Reason = "robot"
	ReasonNoMatch          Reason = "no_match"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Intercept bool
	Reason    Reason
}

// Config holds the detection settings.
type Config struct {
	// IgnoredRoutes are case-insensitive, unanchored regexes; a match rejects.
	IgnoredRoutes []string
	// MatchedRoutes, when non-empty, restrict interception to matching routes.
	MatchedRoutes []string
	// CheckFileExtensions rejects routes whose extension is not generic or dynamic.
	CheckFileExtensions bool
	// CheckStaticFiles rejects routes that resolve to a non-dynamic file under
	// the request's DocumentRoot.
	CheckStaticFiles bool
	// Robots defaults to robots.Default().
	Robots *robots.Registry
	// FS backs static-file lookups and defaults to the OS filesystem.
	FS afero.Fs
}

// Detector runs the interception cascade. It is safe for concurrent use,
// including route mutation between calls.
type Detector struct {
	mu                  sync.RWMutex
	ignoredRoutes       []string
	matchedRoutes       []string
	checkFileExtensions bool
	checkStaticFiles    bool
	robots              *robots.Registry
	fs                  afero.Fs

	patterns sync.Map // string -> *regexp.Regexp
}

// New builds a Detector. Route patterns are compiled lazily; call Validate to
// check them up front.
func New(cfg Config) *Detector {
	reg := cfg.Robots
	if reg == nil {
		reg = robots.Default()
	}
	fs := cfg.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Detector{
		ignoredRoutes:       append([]string(nil), cfg.IgnoredRoutes...),
		matchedRoutes:       append([]string(nil), cfg.MatchedRoutes...),
		checkFileExtensions: cfg.CheckFileExtensions,
		checkStaticFiles:    cfg.CheckStaticFiles,
		robots:              reg,
		fs:                  fs,
	}
}

// Robots exposes the registry so callers can adjust lists at runtime.
func (d *Detector) Robots() *robots.Registry {
	return d.robots
}

// Detect reports whether req should be intercepted.
func (d *Detector) Detect(req Request) (bool, error) {
	decision, err := d.Evaluate(req)
	if err != nil {
		return false, err
	}
	return decision.Intercept, nil
}

// Evaluate runs the cascade and reports which step decided.
func (d *Detector) Evaluate(req Request) (Decision, error) {
	if req.Method != "GET" {
		return reject(ReasonMethod), nil
	}
	if isBlank(req.UserAgent) {
		return reject(ReasonEmptyUserAgent), nil
	}
	if req.Scheme != "http" && req.Scheme != "https" {
		return reject(ReasonScheme), nil
	}

	ignored, err := d.robots.MatchUserAgent(robots.Ignore, req.UserAgent)
	if err != nil {
		return Decision{}, fmt.Errorf("match ignored user agents: %w", err)
	}
	if ignored {
		return reject(ReasonIgnoredUserAgent), nil
	}

	d.mu.RLock()
	matchedRoutes := d.matchedRoutes
	ignoredRoutes := d.ignoredRoutes
	checkExtensions := d.checkFileExtensions
	checkStatic := d.checkStaticFiles
	d.mu.RUnlock()

	path := DecodedPath(req)

	if len(matchedRoutes) > 0 {
		matched, err := d.matchAny(matchedRoutes, path)
		if err != nil {
			return Decision{}, err
		}
		if !matched {
			return reject(ReasonRouteNotMatched), nil
		}
	}

	ignoredRoute, err := d.matchAny(ignoredRoutes, path)
	if err != nil {
		return Decision{}, err
	}
	if ignoredRoute {
		return reject(ReasonRouteIgnored), nil
	}

	if checkExtensions {
		if ext, ok := FileExtension(path); ok && !d.robots.ValidExtension(ext) {
			return reject(ReasonExtension), nil
		}
	}
	if checkStatic && req.DocumentRoot != "" && d.isStaticFile(req.DocumentRoot, path) {
		return reject(ReasonStaticFile), nil
	}

	if req.HasEscapedFragment() {
		return Decision{Intercept: true, Reason: ReasonEscapedFragment}, nil
	}

	robot, err := d.robots.MatchUserAgent(robots.Match, req.UserAgent)
	if err != nil {
		return Decision{}, fmt.Errorf("match robot user agents: %w", err)
	}
	if robot {
		return Decision{Intercept: true, Reason: ReasonRobot}, nil
	}
	return reject(ReasonNoMatch), nil
}

// EncodedURL returns the URL to hand to the render service for req.
func (d *Detector) EncodedURL(req Request) string {
	return EncodedURL(req)
}

// Validate compiles every configured route pattern.
func (d *Detector) Validate() error {
	d.mu.RLock()
	patterns := append(append([]string(nil), d.matchedRoutes...), d.ignoredRoutes...)
	d.mu.RUnlock()
	for _, p := range patterns {
		if _, err := d.compile(p); err != nil {
			return err
		}
	}
	return nil
}

// SetIgnoredRoutes replaces the blacklist. Nothing changes if a pattern is invalid.
func (d *Detector) SetIgnoredRoutes(patterns ...string) error {
	if err := d.validatePatterns(patterns); err != nil {
		return err
	}
	d.mu.Lock()
	d.ignoredRoutes = append([]string(nil), patterns...)
	d.pruneLocked()
	d.mu.Unlock()
	return nil
}

// AddIgnoredRoutes appends to the blacklist.
func (d *Detector) AddIgnoredRoutes(patterns ...string) error {
	if err := d.validatePatterns(patterns); err != nil {
		return err
	}
	d.mu.Lock()
	d.ignoredRoutes = append(append([]string(nil), d.ignoredRoutes...), patterns...)
	d.mu.Unlock()
	return nil
}

// SetMatchedRoutes replaces the whitelist. An empty whitelist allows every route.
func (d *Detector) SetMatchedRoutes(patterns ...string) error {
	if err := d.validatePatterns(patterns); err != nil {
		return err
	}
	d.mu.Lock()
	d.matchedRoutes = append([]string(nil), patterns...)
	d.pruneLocked()
	d.mu.Unlock()
	return nil
}

// AddMatchedRoutes appends to the whitelist.
func (d *Detector) AddMatchedRoutes(patterns ...string) error {
	if err := d.validatePatterns(patterns); err != nil {
		return err
	}
	d.mu.Lock()
	d.matchedRoutes = append(append([]string(nil), d.matchedRoutes...), patterns...)
	d.mu.Unlock()
	return nil
}

// SetCheckFileExtensions toggles the extension step.
func (d *Detector) SetCheckFileExtensions(enabled bool) {
	d.mu.Lock()
	d.checkFileExtensions = enabled
	d.mu.Unlock()
}

// SetCheckStaticFiles toggles the document-root lookup.
func (d *Detector) SetCheckStaticFiles(enabled bool) {
	d.mu.Lock()
	d.checkStaticFiles = enabled
	d.mu.Unlock()
}

// validatePatterns compiles without caching; only live patterns are cached.
func (d *Detector) validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := compilePattern(p); err != nil {
			return err
		}
	}
	return nil
}

// pruneLocked drops cached regexes no longer named by either route list.
// d.mu must be held for writing.
func (d *Detector) pruneLocked() {
	live := make(map[string]struct{}, len(d.matchedRoutes)+len(d.ignoredRoutes))
	for _, p := range d.matchedRoutes {
		live[p] = struct{}{}
	}
	for _, p := range d.ignoredRoutes {
		live[p] = struct{}{}
	}
	d.patterns.Range(func(key, _ any) bool {
		if _, ok := live[key.(string)]; !ok {
			d.patterns.Delete(key)
		}
		return true
	})
}

func (d *Detector) matchAny(patterns []string, path string) (bool, error) {
	for _, p := range patterns {
		re, err := d.compile(p)
		if err != nil {
			return false, err
		}
		if re.MatchString(path) {
			return true, nil
		}
	}
	return false, nil
}

func (d *Detector) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := d.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	d.patterns.Store(pattern, re)
	return re, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}
	return re, nil
}

func reject(reason Reason) Decision {
	return Decision{Intercept: false, Reason: reason}
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
		default:
			return false
		}
	}
	return true
}
