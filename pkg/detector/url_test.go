package detector

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodedURL_EscapedFragmentIsConvertedBackToHashFragment(t *testing.T) {
	t.Parallel()

	req := newRequest(t, http.MethodGet, "/snapsearch/?blah=yay&_escaped_fragment_=key1%3Dlol", firefoxUA)

	require.Equal(t, "http://localhost/snapsearch/?blah=yay#!key1=lol", EncodedURL(req))
	require.Equal(t, "/snapsearch/?blah=yay#!key1=lol", DecodedPath(req))
	require.Equal(t, EncodedURL(req), New(Config{}).EncodedURL(req))
}

func TestEncodedURL_QueryBeforeFragment(t *testing.T) {
	t.Parallel()

	req := Request{
		Method:   http.MethodGet,
		Scheme:   "https",
		Host:     "example.com",
		BaseURL:  "/base",
		PathInfo: "/path",
		Query: []QueryParam{
			{Key: "key1", Value: "value1"},
			{Key: EscapedFragmentKey, Value: "/path2?key2=value2"},
		},
	}
	require.Equal(t, "https://example.com/base/path?key1=value1#!/path2?key2=value2", EncodedURL(req))
	require.Equal(t, "/base/path?key1=value1#!/path2?key2=value2", DecodedPath(req))
}

func TestEncodedURL_Variants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		target  string
		encoded string
		decoded string
	}{
		{
			name:    "no escaped fragment keeps the raw uri",
			target:  "/a%20b/?q=caf%C3%A9&x=1+2",
			encoded: "http://localhost/a%20b/?q=caf%C3%A9&x=1+2",
			decoded: "/a b/?q=café&x=1 2",
		},
		{
			name:    "empty fragment adds no hash",
			target:  "/page?a=1&_escaped_fragment_=",
			encoded: "http://localhost/page?a=1",
			decoded: "/page?a=1",
		},
		{
			name:    "only fragment adds no query",
			target:  "/page?_escaped_fragment_=%2Fusers%2F42",
			encoded: "http://localhost/page#!/users/42",
			decoded: "/page#!/users/42",
		},
		{
			name:    "bare key",
			target:  "/?_escaped_fragment_",
			encoded: "http://localhost/",
			decoded: "/",
		},
		{
			name:    "remaining query is re-encoded in order",
			target:  "/s?z=a+b&a=%26x&_escaped_fragment_=k%3Dv%20w&m=1",
			encoded: "http://localhost/s?z=a+b&a=%26x&m=1#!k=v w",
			decoded: "/s?z=a b&a=&x&m=1#!k=v w",
		},
		{
			name:    "path with spaces is escaped",
			target:  "/my%20page?_escaped_fragment_=x",
			encoded: "http://localhost/my%20page#!x",
			decoded: "/my page#!x",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, err := url.ParseRequestURI(tt.target)
			require.NoError(t, err)
			req := NewRequest(&http.Request{
				Method:     http.MethodGet,
				URL:        u,
				Host:       "localhost",
				RequestURI: tt.target,
				Header:     http.Header{},
			})
			require.Equal(t, tt.encoded, EncodedURL(req))
			require.Equal(t, tt.decoded, DecodedPath(req))
		})
	}
}

func TestEncodedURL_WithoutRawRequestURI(t *testing.T) {
	t.Parallel()

	req := Request{
		Scheme:   "http",
		Host:     "localhost:8080",
		PathInfo: "/a b",
		Query:    []QueryParam{{Key: "q", Value: "x y"}},
	}
	require.Equal(t, "http://localhost:8080/a%20b?q=x+y", EncodedURL(req))
	require.Equal(t, "/a b?q=x y", DecodedPath(req))
}

func TestDecodedPath_MalformedEscapeIsLeftAlone(t *testing.T) {
	t.Parallel()

	req := Request{Scheme: "http", Host: "localhost", RawRequestURI: "/bad%zz?x=%41"}
	require.Equal(t, "http://localhost/bad%zz?x=%41", EncodedURL(req))
	require.Equal(t, "/bad%zz?x=A", DecodedPath(req))

	req = Request{Scheme: "http", Host: "localhost", RawRequestURI: "/caf%C3%A9?q=100%"}
	require.Equal(t, "/café?q=100%", DecodedPath(req))
}

func TestPercentDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in          string
		plusAsSpace bool
		want        string
	}{
		{"/ok/%41", false, "/ok/A"},
		{"/caf%c3%a9", false, "/café"},
		{"100%", false, "100%"},
		{"%4", false, "%4"},
		{"%zz%41", false, "%zzA"},
		{"50%%25", false, "50%%"},
		{"a+b", false, "a+b"},
		{"a+b", true, "a b"},
		{"a%2Bb", true, "a+b"},
		{"", true, ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, percentDecode(tt.in, tt.plusAsSpace), "percentDecode(%q, %v)", tt.in, tt.plusAsSpace)
	}
}

func TestDecodedPath_PlusHandlingMatchesWithAndWithoutFragment(t *testing.T) {
	t.Parallel()

	plain := newRequest(t, http.MethodGet, "/a+b/s?q=a+b", firefoxUA)
	withFragment := newRequest(t, http.MethodGet, "/a+b/s?q=a+b&_escaped_fragment_=p+1", firefoxUA)

	require.Equal(t, "/a+b/s?q=a b", DecodedPath(plain))
	require.Equal(t, "/a+b/s?q=a b#!p 1", DecodedPath(withFragment))
	require.Equal(t, "http://localhost/a+b/s?q=a+b", EncodedURL(plain))
}

func TestParseQuery_PreservesOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	params := ParseQuery("b=2&a=1&&b=3&flag&enc=%3D%26")
	require.Equal(t, []QueryParam{
		{Key: "b", Value: "2"},
		{Key: "a", Value: "1"},
		{Key: "b", Value: "3"},
		{Key: "flag", Value: ""},
		{Key: "enc", Value: "=&"},
	}, params)
	require.Nil(t, ParseQuery(""))
}

func TestEscapedFragment_FirstOccurrenceWins(t *testing.T) {
	t.Parallel()

	req := Request{Query: ParseQuery("_escaped_fragment_=one&_escaped_fragment_=two")}
	value, ok := req.EscapedFragment()
	require.True(t, ok)
	require.Equal(t, "one", value)

	_, ok = Request{}.EscapedFragment()
	require.False(t, ok)

	req = newRequest(t, http.MethodGet, "/p?a=1&_escaped_fragment_=one&b=2&_escaped_fragment_=two", firefoxUA)
	require.Equal(t, "http://localhost/p?a=1&b=2#!one", EncodedURL(req))
	require.Equal(t, "/p?a=1&b=2#!one", DecodedPath(req))
}

func TestNewRequest_Options(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/app/page?x=1", nil)
	r.Host = "internal:8080"
	r.Header.Set("User-Agent", adsBotUA)
	r.Header.Set("X-Forwarded-Proto", "https, http")
	r.Header.Set("X-Forwarded-Host", "www.example.com")

	plain := NewRequest(r)
	require.Equal(t, "http", plain.Scheme)
	require.Equal(t, "internal:8080", plain.Host)
	require.Equal(t, adsBotUA, plain.UserAgent)
	require.Equal(t, "/app/page?x=1", plain.RawRequestURI)

	trusted := NewRequest(r, WithTrustForwardedHeaders(true), WithDocumentRoot("/srv/www"))
	require.Equal(t, "https", trusted.Scheme)
	require.Equal(t, "www.example.com", trusted.Host)
	require.Equal(t, "/srv/www", trusted.DocumentRoot)
	require.Equal(t, "https://www.example.com/app/page?x=1", EncodedURL(trusted))

	r.TLS = &tls.ConnectionState{}
	require.Equal(t, "https", NewRequest(r).Scheme)
}

func TestNewRequest_StrippedPrefix(t *testing.T) {
	t.Parallel()

	var got Request
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = NewRequest(r, WithBaseURL("/app/"))
	})
	handler := http.StripPrefix("/app", inner)

	r := httptest.NewRequest(http.MethodGet, "/app/users?_escaped_fragment_=%2Fprofile&tab=1", nil)
	r.Host = "localhost"
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, "/app", got.BaseURL)
	require.Equal(t, "/users", got.PathInfo)
	require.Equal(t, "http://localhost/app/users?tab=1#!/profile", EncodedURL(got))
}
