package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the hosted render service.
	DefaultEndpoint = "https://snapsearch.io/api/v1/robot"
	// DefaultTimeout bounds a single render call.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 64 << 20
)

// Config controls the remote render client.
type Config struct {
	Endpoint string
	// Email and Key are sent as HTTP basic auth when Email is set.
	Email string
	Key   string
	// Parameters are merged into the request body before "url".
	Parameters map[string]any
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
}

// Client calls the render service. It makes a single attempt per Render.
type Client struct {
	cfg      Config
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewClient validates cfg and fills in defaults.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse render endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("render endpoint must be http or https, got %q", cfg.Endpoint)
	}
	if cfg.Timeout < 0 {
		return nil, errors.New("render timeout must be >= 0")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		endpoint: parsed.String(),
		client:   client,
		logger:   logger,
	}, nil
}

// Endpoint returns the URL snapshots are requested from.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Render asks the service to snapshot pageURL.
func (c *Client) Render(ctx context.Context, pageURL string) (*Snapshot, error) {
	body, err := c.requestBody(pageURL)
	if err != nil {
		return nil, &ServiceError{Message: "encode request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ServiceError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Email != "" {
		req.SetBasicAuth(c.cfg.Email, c.cfg.Key)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ServiceError{Message: "could not reach the render service", Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close render response body", zap.Error(cerr))
		}
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ServiceError{Message: "read response", StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug("Render service responded",
		zap.String("url", pageURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return decodeResponse(resp.StatusCode, payload)
}

func (c *Client) requestBody(pageURL string) ([]byte, error) {
	body := []byte(`{}`)
	keys := make([]string, 0, len(c.cfg.Parameters))
	for k := range c.cfg.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var err error
	for _, k := range keys {
		body, err = sjson.SetBytes(body, escapePathKey(k), c.cfg.Parameters[k])
		if err != nil {
			return nil, fmt.Errorf("set parameter %q: %w", k, err)
		}
	}
	return sjson.SetBytes(body, "url", pageURL)
}

func decodeResponse(status int, payload []byte) (*Snapshot, error) {
	if !gjson.ValidBytes(payload) {
		return nil, &ServiceError{
			Message:    fmt.Sprintf("undecodable response (HTTP %d)", status),
			StatusCode: status,
		}
	}
	doc := gjson.ParseBytes(payload)
	code := doc.Get("code").String()
	content := doc.Get("content")

	switch {
	case code == "validation_error":
		return nil, &ValidationError{
			Errors:  validationMessages(content),
			Content: json.RawMessage(content.Raw),
		}
	case code == "success" && status >= 200 && status < 300:
		if !content.IsObject() {
			return nil, &ServiceError{Message: "success response without content", StatusCode: status, Code: code}
		}
		return snapshotFromContent(content), nil
	default:
		msg := fmt.Sprintf("unexpected response code %q (HTTP %d)", code, status)
		if text := content.String(); content.Type == gjson.String && text != "" {
			msg += ": " + text
		}
		return nil, &ServiceError{Message: msg, StatusCode: status, Code: code}
	}
}

func snapshotFromContent(content gjson.Result) *Snapshot {
	snap := &Snapshot{
		Status:     int(content.Get("status").Int()),
		HTML:       content.Get("html").String(),
		Screenshot: content.Get("screenshot").String(),
		Date:       content.Get("date").Int(),
		Cache:      content.Get("cache").Bool(),
	}
	content.Get("headers").ForEach(func(_, h gjson.Result) bool {
		snap.Headers = append(snap.Headers, Header{
			Name:  h.Get("name").String(),
			Value: h.Get("value").String(),
		})
		return true
	})
	return snap
}

func validationMessages(content gjson.Result) map[string]string {
	errs := make(map[string]string)
	switch {
	case content.IsObject():
		content.ForEach(func(key, value gjson.Result) bool {
			errs[key.String()] = value.String()
			return true
		})
	case content.IsArray():
		i := 0
		content.ForEach(func(_, value gjson.Result) bool {
			errs[strconv.Itoa(i)] = value.String()
			i++
			return true
		})
	case content.Exists() && content.String() != "":
		errs["content"] = content.String()
	}
	return errs
}

// escapePathKey keeps parameter names with path syntax from being treated as
// nested sjson paths.
func escapePathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
