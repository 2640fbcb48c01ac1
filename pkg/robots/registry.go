// Package robots holds the user-agent and file-extension lists used to decide
// whether a request comes from a search-engine crawler.
package robots

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Kind selects one of the registry lists.
type Kind string

// User-agent list kinds.
const (
	Ignore Kind = "ignore"
	Match  Kind = "match"
)

// Extension list kinds.
const (
	Generic Kind = "generic"
	Dynamic Kind = "dynamic"

	// DefaultExtensionKind is the group script-served extensions (php and
	// friends) are added to when the caller does not care.
	DefaultExtensionKind = Dynamic
)

// ErrInvalidKind is returned when a mutator receives a kind it does not own.
var ErrInvalidKind = errors.New("invalid list kind")

// PatternError reports a pattern that could not be compiled.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("compile pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Registry stores the crawler user-agent fragments and the file extensions
// considered safe to snapshot. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	ignore     []string
	match      []string
	generic    []string
	dynamic    []string
	compiled   map[Kind]*regexp.Regexp
	compileErr map[Kind]error
}

// New returns an empty registry. Empty lists never match anything.
func New() *Registry {
	return &Registry{}
}

// SetUserAgents replaces the ignore or match list wholesale.
func (r *Registry) SetUserAgents(kind Kind, agents []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.userAgentList(kind)
	if err != nil {
		return err
	}
	*list = cleanAgents(agents)
	r.invalidate()
	return nil
}

// AddUserAgents appends one or more fragments to the ignore or match list.
func (r *Registry) AddUserAgents(kind Kind, agents ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.userAgentList(kind)
	if err != nil {
		return err
	}
	*list = append(*list, cleanAgents(agents)...)
	r.invalidate()
	return nil
}

// SetExtensions replaces the generic or dynamic extension list wholesale.
func (r *Registry) SetExtensions(kind Kind, extensions []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.extensionList(kind)
	if err != nil {
		return err
	}
	*list = cleanExtensions(extensions)
	return nil
}

// AddExtensions appends one or more extensions to the generic or dynamic list.
func (r *Registry) AddExtensions(kind Kind, extensions ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.extensionList(kind)
	if err != nil {
		return err
	}
	*list = append(*list, cleanExtensions(extensions)...)
	return nil
}

// UserAgents returns a copy of the requested user-agent list.
func (r *Registry) UserAgents(kind Kind) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list, err := r.userAgentList(kind)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), (*list)...), nil
}

// Extensions returns a copy of the requested extension list.
func (r *Registry) Extensions(kind Kind) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list, err := r.extensionList(kind)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), (*list)...), nil
}

// MatchUserAgent reports whether ua contains, case-insensitively, any entry of
// the ignore or match list. Entries are literals, never regex syntax.
func (r *Registry) MatchUserAgent(kind Kind, ua string) (bool, error) {
	re, err := r.pattern(kind)
	if err != nil {
		return false, err
	}
	if re == nil {
		return false, nil
	}
	return re.MatchString(ua), nil
}

// ValidExtension reports whether ext belongs to the generic or dynamic list.
func (r *Registry) ValidExtension(ext string) bool {
	ext = normalizeExtension(ext)
	if ext == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return contains(r.generic, ext) || contains(r.dynamic, ext)
}

// IsDynamicExtension reports whether ext is served by a script handler.
func (r *Registry) IsDynamicExtension(ext string) bool {
	ext = normalizeExtension(ext)
	if ext == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return contains(r.dynamic, ext)
}

func (r *Registry) pattern(kind Kind) (*regexp.Regexp, error) {
	r.mu.RLock()
	if re, ok := r.compiled[kind]; ok {
		err := r.compileErr[kind]
		r.mu.RUnlock()
		return re, err
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.userAgentList(kind)
	if err != nil {
		return nil, err
	}
	re, err := compileAlternation(*list)
	if r.compiled == nil {
		r.compiled = make(map[Kind]*regexp.Regexp, 2)
		r.compileErr = make(map[Kind]error, 2)
	}
	r.compiled[kind] = re
	r.compileErr[kind] = err
	return re, err
}

// compileAlternation joins quoted entries into one case-insensitive pattern.
// An empty list yields a nil pattern so it can never degrade into a wildcard.
func compileAlternation(entries []string) (*regexp.Regexp, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	quoted := make([]string, 0, len(entries))
	for _, entry := range entries {
		quoted = append(quoted, regexp.QuoteMeta(entry))
	}
	expr := "(?i)" + strings.Join(quoted, "|")
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &PatternError{Pattern: expr, Err: err}
	}
	return re, nil
}

func (r *Registry) invalidate() {
	r.compiled = nil
	r.compileErr = nil
}

func (r *Registry) userAgentList(kind Kind) (*[]string, error) {
	switch kind {
	case Ignore:
		return &r.ignore, nil
	case Match:
		return &r.match, nil
	default:
		return nil, fmt.Errorf("%w: %q is not a user agent list", ErrInvalidKind, kind)
	}
}

func (r *Registry) extensionList(kind Kind) (*[]string, error) {
	switch kind {
	case Generic:
		return &r.generic, nil
	case Dynamic:
		return &r.dynamic, nil
	default:
		return nil, fmt.Errorf("%w: %q is not an extension list", ErrInvalidKind, kind)
	}
}

func cleanAgents(agents []string) []string {
	out := make([]string, 0, len(agents))
	for _, agent := range agents {
		if agent = strings.TrimSpace(agent); agent != "" {
			out = append(out, agent)
		}
	}
	return out
}

func cleanExtensions(extensions []string) []string {
	out := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		if ext = normalizeExtension(ext); ext != "" {
			out = append(out, ext)
		}
	}
	return out
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(ext), "."))
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
