package detector

import (
	"net/http"
	"strings"
)

// EscapedFragmentKey is the query parameter crawlers use to carry a #! fragment.
const EscapedFragmentKey = "_escaped_fragment_"

// QueryParam is one decoded key/value pair of a query string.
type QueryParam struct {
	Key   string
	Value string
}

// Request is the read-only view of an inbound HTTP request the detector works on.
type Request struct {
	Method string
	Scheme string
	// Host is host[:port] as the client addressed it.
	Host string
	// BaseURL is the mount prefix of the application, if the router stripped one.
	BaseURL string
	// PathInfo is the percent-decoded route path below BaseURL.
	PathInfo string
	// RawRequestURI is path and query exactly as received, still percent-encoded.
	RawRequestURI string
	// Query keeps the decoded parameters in the order they were sent.
	Query        []QueryParam
	UserAgent    string
	DocumentRoot string
}

// SchemeAndHost returns scheme://host[:port].
func (r Request) SchemeAndHost() string {
	return r.Scheme + "://" + r.Host
}

// HasEscapedFragment reports whether _escaped_fragment_ was sent, even empty.
func (r Request) HasEscapedFragment() bool {
	_, ok := r.EscapedFragment()
	return ok
}

// EscapedFragment returns the first _escaped_fragment_ value.
func (r Request) EscapedFragment() (string, bool) {
	for _, p := range r.Query {
		if p.Key == EscapedFragmentKey {
			return p.Value, true
		}
	}
	return "", false
}

// RequestOption customizes how NewRequest reads an *http.Request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	baseURL        string
	documentRoot   string
	trustForwarded bool
}

// WithBaseURL records the prefix a router stripped before the handler ran.
func WithBaseURL(base string) RequestOption {
	return func(o *requestOptions) {
		o.baseURL = strings.TrimRight(base, "/")
	}
}

// WithDocumentRoot enables static-file lookups under root.
func WithDocumentRoot(root string) RequestOption {
	return func(o *requestOptions) {
		o.documentRoot = root
	}
}

// WithTrustForwardedHeaders honours X-Forwarded-Proto and X-Forwarded-Host.
// Only enable it behind a proxy that overwrites those headers.
func WithTrustForwardedHeaders(trust bool) RequestOption {
	return func(o *requestOptions) {
		o.trustForwarded = trust
	}
}

// NewRequest builds a Request from a net/http request.
func NewRequest(r *http.Request, opts ...RequestOption) Request {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	scheme := "http"
	switch {
	case r.URL.Scheme != "":
		scheme = strings.ToLower(r.URL.Scheme)
	case r.TLS != nil:
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if o.trustForwarded {
		if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			scheme = strings.ToLower(proto)
		}
		if fwdHost := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwdHost != "" {
			host = fwdHost
		}
	}

	rawURI := r.RequestURI
	if !strings.HasPrefix(rawURI, "/") {
		rawURI = o.baseURL + r.URL.RequestURI()
	}

	return Request{
		Method:        r.Method,
		Scheme:        scheme,
		Host:          host,
		BaseURL:       o.baseURL,
		PathInfo:      r.URL.Path,
		RawRequestURI: rawURI,
		Query:         ParseQuery(r.URL.RawQuery),
		UserAgent:     r.UserAgent(),
		DocumentRoot:  o.documentRoot,
	}
}

// ParseQuery splits a raw query string into ordered, decoded pairs. A key
// without "=" is kept with an empty value.
func ParseQuery(rawQuery string) []QueryParam {
	if rawQuery == "" {
		return nil
	}
	parts := strings.Split(rawQuery, "&")
	params := make([]QueryParam, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		params = append(params, QueryParam{
			Key:   queryUnescape(key),
			Value: queryUnescape(value),
		})
	}
	return params
}

func queryUnescape(s string) string {
	return percentDecode(s, true)
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
