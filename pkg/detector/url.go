package detector

import (
	"net/url"
	"strings"
)

// EncodedURL returns the URL to submit for snapshotting. When the request
// carries _escaped_fragment_, the #! URL the crawler was asked to index is
// rebuilt: the remaining query stays in front of the fragment, and the
// fragment value is appended verbatim.
func EncodedURL(req Request) string {
	fragment, ok := req.EscapedFragment()
	if !ok {
		if req.RawRequestURI != "" {
			return req.SchemeAndHost() + req.RawRequestURI
		}
		return req.SchemeAndHost() + escapePath(req.BaseURL+req.PathInfo) +
			withPrefix("?", joinQuery(req.Query, true))
	}
	return req.SchemeAndHost() + escapePath(req.BaseURL+req.PathInfo) +
		withPrefix("?", joinQuery(withoutEscapedFragment(req.Query), true)) +
		withPrefix("#!", fragment)
}

// DecodedPath returns the percent-decoded path, query and rebuilt fragment the
// route and extension rules are matched against. A "+" in the query decodes to
// a space; in the path it stays literal.
func DecodedPath(req Request) string {
	fragment, ok := req.EscapedFragment()
	if !ok {
		if req.RawRequestURI != "" {
			return decodeRequestURI(req.RawRequestURI)
		}
		return req.BaseURL + req.PathInfo + withPrefix("?", joinQuery(req.Query, false))
	}
	return req.BaseURL + req.PathInfo +
		withPrefix("?", joinQuery(withoutEscapedFragment(req.Query), false)) +
		withPrefix("#!", fragment)
}

func withoutEscapedFragment(params []QueryParam) []QueryParam {
	out := make([]QueryParam, 0, len(params))
	for _, p := range params {
		if p.Key != EscapedFragmentKey {
			out = append(out, p)
		}
	}
	return out
}

func joinQuery(params []QueryParam, encode bool) string {
	if len(params) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(params))
	for _, p := range params {
		key, value := p.Key, p.Value
		if encode {
			key, value = url.QueryEscape(key), url.QueryEscape(value)
		}
		pairs = append(pairs, key+"="+value)
	}
	return strings.Join(pairs, "&")
}

func withPrefix(prefix, s string) string {
	if s == "" {
		return ""
	}
	return prefix + s
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

func decodeRequestURI(raw string) string {
	path, query, hasQuery := strings.Cut(raw, "?")
	if !hasQuery {
		return percentDecode(path, false)
	}
	return percentDecode(path, false) + "?" + percentDecode(query, true)
}

// percentDecode decodes every well-formed %XX sequence. Malformed ones are kept
// as written so one stray "%" does not leave the rest encoded.
func percentDecode(s string, plusAsSpace bool) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		case c == '+' && plusAsSpace:
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	default:
		return c - '0'
	}
}
