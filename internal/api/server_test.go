package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/internal/config"
	"github.com/JakeFAU/snapsearch-go/internal/id/uuid"
	"github.com/JakeFAU/snapsearch-go/pkg/detector"
	"github.com/JakeFAU/snapsearch-go/pkg/interceptor"
	"github.com/JakeFAU/snapsearch-go/pkg/middleware"
	"github.com/JakeFAU/snapsearch-go/pkg/render"
	"github.com/JakeFAU/snapsearch-go/pkg/robots"
)

const googlebotUA = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serveAdmin(newTestServer(t, testOptions{}), http.MethodGet, "/healthz", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serveAdmin(newTestServer(t, testOptions{noUpstream: true}), http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serveAdmin(newTestServer(t, testOptions{}), http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	bad := newTestServer(t, testOptions{detector: detector.Config{IgnoredRoutes: []string{"(["}}})
	rec = serveAdmin(bad, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid routes")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{})
	rec := serveAdmin(srv, http.MethodGet, "/healthz", nil, nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	incoming := "0190c3a4-2b6e-7a8b-9c0d-112233445566"
	rec = serveAdmin(srv, http.MethodGet, "/healthz", nil, http.Header{"X-Request-Id": {incoming}})
	require.Equal(t, incoming, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewareGeneratorFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{idGen: failingIDGen{}})
	rec := serveAdmin(srv, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_DetectEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{detector: detector.Config{IgnoredRoutes: []string{"^/admin"}}})

	tests := []struct {
		name      string
		body      string
		status    int
		intercept bool
		reason    string
		encoded   string
		decoded   string
	}{
		{
			name:      "robot",
			body:      `{"url":"https://example.com/products?id=1","user_agent":"` + googlebotUA + `"}`,
			status:    http.StatusOK,
			intercept: true,
			reason:    "robot",
			encoded:   "https://example.com/products?id=1",
			decoded:   "/products?id=1",
		},
		{
			name:    "browser",
			body:    `{"url":"http://example.com/","user_agent":"Mozilla/5.0 Firefox/120.0"}`,
			status:  http.StatusOK,
			reason:  "no_match",
			encoded: "http://example.com/",
			decoded: "/",
		},
		{
			name:      "escaped fragment",
			body:      `{"url":"http://example.com/app?a=1&_escaped_fragment_=key%3Dv","user_agent":"curl/8.0"}`,
			status:    http.StatusOK,
			intercept: true,
			reason:    "escaped_fragment",
			encoded:   "http://example.com/app?a=1#!key=v",
			decoded:   "/app?a=1#!key=v",
		},
		{
			name:    "post method",
			body:    `{"url":"http://example.com/","user_agent":"Googlebot","method":"post"}`,
			status:  http.StatusOK,
			reason:  "method",
			encoded: "http://example.com/",
			decoded: "/",
		},
		{
			name:    "ignored route",
			body:    `{"url":"http://example.com/admin/users","user_agent":"Googlebot"}`,
			status:  http.StatusOK,
			reason:  "route_ignored",
			encoded: "http://example.com/admin/users",
			decoded: "/admin/users",
		},
		{
			name:   "relative url",
			body:   `{"url":"/products","user_agent":"Googlebot"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid json",
			body:   `{"url":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			body:   `{"url":"http://example.com/","agent":"Googlebot"}`,
			status: http.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := serveAdmin(srv, http.MethodPost, "/v1/detect", bytes.NewBufferString(tc.body), nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.status != http.StatusOK {
				return
			}
			var got detectResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			require.Equal(t, detectResponse{
				Intercept:   tc.intercept,
				Reason:      tc.reason,
				EncodedURL:  tc.encoded,
				DecodedPath: tc.decoded,
			}, got)
		})
	}
}

func TestServer_DetectInvalidPattern(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{detector: detector.Config{MatchedRoutes: []string{"(["}}})
	body := bytes.NewBufferString(`{"url":"http://example.com/","user_agent":"Googlebot"}`)
	rec := serveAdmin(srv, http.MethodPost, "/v1/detect", body, nil)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_DetectAppliesRequestOptions(t *testing.T) {
	t.Parallel()

	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/srv/www/logo.png", []byte("png"), 0o644))
	srv := newTestServer(t, testOptions{
		detector:    detector.Config{CheckStaticFiles: true, FS: mem},
		requestOpts: []detector.RequestOption{detector.WithDocumentRoot("/srv/www")},
	})

	body := bytes.NewBufferString(`{"url":"http://example.com/logo.png","user_agent":"` + googlebotUA + `"}`)
	rec := serveAdmin(srv, http.MethodPost, "/v1/detect", body, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got detectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.False(t, got.Intercept)
	require.Equal(t, string(detector.ReasonStaticFile), got.Reason)

	body = bytes.NewBufferString(`{"url":"http://example.com/missing.png","user_agent":"` + googlebotUA + `"}`)
	rec = serveAdmin(srv, http.MethodPost, "/v1/detect", body, nil)
	require.Contains(t, rec.Body.String(), `"reason":"robot"`)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{apiKey: "secret"})
	body := `{"url":"http://example.com/","user_agent":"Googlebot"}`

	rec := serveAdmin(srv, http.MethodPost, "/v1/detect", bytes.NewBufferString(body), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveAdmin(srv, http.MethodPost, "/v1/detect", bytes.NewBufferString(body), http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serveAdmin(srv, http.MethodPost, "/v1/detect?api_key=secret", bytes.NewBufferString(body), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health checks and proxied traffic are never gated.
	rec = serveAdmin(srv, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(srv, http.MethodGet, "/page", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_PublicHandlerForwardsEveryPath(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{apiKey: "secret"})

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/v1/users"},
		{http.MethodGet, "/v1/detect"},
		{http.MethodPost, "/v1/detect"},
		{http.MethodPost, "/v1/robots/match"},
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/readyz"},
		{http.MethodGet, "/metrics"},
		{http.MethodDelete, "/v1/users/7"},
	}

	for _, tc := range tests {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			t.Parallel()

			rec := serve(srv, tc.method, tc.target, nil, http.Header{"User-Agent": {"Mozilla/5.0 Firefox/120.0"}})
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "upstream:"+tc.target, rec.Body.String())
			require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestServer_ListMutationsDisabledWithoutAPIKey(t *testing.T) {
	t.Parallel()

	reg := robots.Default()
	renderer := &recordingRenderer{snap: &render.Snapshot{Status: http.StatusOK, HTML: "snap"}}
	srv := newTestServer(t, testOptions{detector: detector.Config{Robots: reg}, renderer: renderer})

	for _, target := range []string{"/v1/robots/match", "/v1/extensions/generic"} {
		rec := serveAdmin(srv, http.MethodPost, target, bytes.NewBufferString(`{"values":["Mozilla"]}`), nil)
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, target)
	}

	// Reads stay available.
	rec := serveAdmin(srv, http.MethodGet, "/v1/robots/match", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"Mozilla"`)

	chrome := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	rec = serve(srv, http.MethodGet, "/home", nil, http.Header{"User-Agent": {chrome}})
	require.Equal(t, "upstream:/home", rec.Body.String())
	require.Empty(t, renderer.urls())
}

func TestServer_ListMutationsRequireAPIKey(t *testing.T) {
	t.Parallel()

	reg := robots.Default()
	srv := newTestServer(t, testOptions{detector: detector.Config{Robots: reg}, apiKey: "secret"})

	rec := serveAdmin(srv, http.MethodPost, "/v1/robots/match", bytes.NewBufferString(`{"values":["Mozilla"]}`), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	matched, err := reg.MatchUserAgent(robots.Match, "Mozilla/5.0 Chrome/120.0")
	require.NoError(t, err)
	require.False(t, matched)

	rec = serveAdmin(srv, http.MethodPost, "/v1/robots/match", bytes.NewBufferString(`{"values":["AcmeCrawler"]}`), adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	matched, err = reg.MatchUserAgent(robots.Match, "AcmeCrawler/2.0")
	require.NoError(t, err)
	require.True(t, matched)
}

func TestServer_CatchAllServesSnapshotToRobots(t *testing.T) {
	t.Parallel()

	renderer := &recordingRenderer{snap: &render.Snapshot{
		Status:  http.StatusOK,
		Headers: []render.Header{{Name: "Location", Value: "/moved"}},
		HTML:    "<html><title>snap</title></html>",
	}}
	srv := newTestServer(t, testOptions{renderer: renderer})

	rec := serve(srv, http.MethodGet, "/products?id=7", nil, http.Header{"User-Agent": {googlebotUA}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html><title>snap</title></html>", rec.Body.String())
	require.Equal(t, "intercepted", rec.Header().Get(middleware.HeaderIntercepted))
	require.Equal(t, "/moved", rec.Header().Get("Location"))
	require.Equal(t, []string{"http://example.com/products?id=7"}, renderer.urls())
}

func TestServer_CatchAllPassesBrowsersUpstream(t *testing.T) {
	t.Parallel()

	renderer := &recordingRenderer{}
	srv := newTestServer(t, testOptions{renderer: renderer})

	rec := serve(srv, http.MethodGet, "/products", nil, http.Header{"User-Agent": {"Mozilla/5.0 Firefox/120.0"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "upstream:/products", rec.Body.String())
	require.Empty(t, rec.Header().Get(middleware.HeaderIntercepted))
	require.Empty(t, renderer.urls())
}

func TestServer_CatchAllFallsThroughOnRenderError(t *testing.T) {
	t.Parallel()

	renderer := &recordingRenderer{err: &render.ServiceError{Message: "down", StatusCode: http.StatusBadGateway}}
	srv := newTestServer(t, testOptions{renderer: renderer})

	rec := serve(srv, http.MethodGet, "/", nil, http.Header{"User-Agent": {googlebotUA}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "upstream:/", rec.Body.String())
	require.Len(t, renderer.urls(), 1)
}

func TestServer_NoUpstreamAnswersBadGateway(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{noUpstream: true})
	rec := serve(srv, http.MethodGet, "/anything", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testOptions{})
	serveAdmin(srv, http.MethodGet, "/healthz", nil, nil)
	rec := serveAdmin(srv, http.MethodGet, "/metrics", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type testOptions struct {
	detector    detector.Config
	requestOpts []detector.RequestOption
	renderer    render.Renderer
	apiKey      string
	noUpstream  bool
	idGen       IDGenerator
}

var adminKey = http.Header{"X-Api-Key": {"secret"}}

func newTestServer(t *testing.T, opts testOptions) *Server {
	t.Helper()

	det := detector.New(opts.detector)
	renderer := opts.renderer
	if renderer == nil {
		renderer = &recordingRenderer{err: errors.New("renderer not configured")}
	}
	var upstream http.Handler
	if !opts.noUpstream {
		upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprintf(w, "upstream:%s", r.URL.Path)
		})
	}
	idGen := opts.idGen
	if idGen == nil {
		idGen = uuid.New()
	}
	cfg := config.Config{
		Server: config.ServerConfig{
			Port:           8080,
			AdminPort:      9090,
			APIKey:         opts.apiKey,
			TimeoutSeconds: 5,
		},
	}
	return NewServer(Deps{
		Detector:    det,
		Interceptor: interceptor.New(det, renderer),
		Upstream:    upstream,
		IDGen:       idGen,
		RequestOpts: opts.requestOpts,
	}, cfg, zap.NewNop())
}

// serve sends a request to the public proxy handler.
func serve(srv *Server, method, target string, body *bytes.Buffer, header http.Header) *httptest.ResponseRecorder {
	return do(srv.Handler(), method, target, body, header)
}

// serveAdmin sends a request to the admin handler.
func serveAdmin(srv *Server, method, target string, body *bytes.Buffer, header http.Header) *httptest.ResponseRecorder {
	return do(srv.AdminHandler(), method, target, body, header)
}

func do(h http.Handler, method, target string, body *bytes.Buffer, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type recordingRenderer struct {
	mu   sync.Mutex
	seen []string
	snap *render.Snapshot
	err  error
}

func (r *recordingRenderer) Render(_ context.Context, url string) (*render.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, url)
	return r.snap, r.err
}

func (r *recordingRenderer) urls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type failingIDGen struct{}

func (failingIDGen) Reuse(string) (string, error) {
	return "", errors.New("entropy exhausted")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
