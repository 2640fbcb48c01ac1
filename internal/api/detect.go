package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/pkg/detector"
)

const maxDetectBodyBytes = 64 << 10

type detectRequest struct {
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
	Method    string `json:"method"`
}

type detectResponse struct {
	Intercept   bool   `json:"intercept"`
	Reason      string `json:"reason"`
	EncodedURL  string `json:"encoded_url"`
	DecodedPath string `json:"decoded_path"`
}

// detect handles POST /v1/detect. It evaluates a synthetic request without
// rendering anything, so operators can check their route and robot rules.
func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	var body detectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDetectBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sample, err := sampleRequest(r, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := detector.NewRequest(sample, s.deps.RequestOpts...)
	decision, err := s.deps.Detector.Evaluate(req)
	if err != nil {
		var patternErr *detector.PatternError
		if errors.As(err, &patternErr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("detect failed", zap.String("url", body.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "detection failed")
		return
	}

	writeJSON(w, http.StatusOK, detectResponse{
		Intercept:   decision.Intercept,
		Reason:      string(decision.Reason),
		EncodedURL:  s.deps.Detector.EncodedURL(req),
		DecodedPath: detector.DecodedPath(req),
	})
}

func sampleRequest(r *http.Request, body detectRequest) (*http.Request, error) {
	target, err := url.Parse(strings.TrimSpace(body.URL))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, errors.New("url must be absolute")
	}
	method := strings.ToUpper(strings.TrimSpace(body.Method))
	if method == "" {
		method = http.MethodGet
	}
	sample, err := http.NewRequestWithContext(r.Context(), method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build sample request: %w", err)
	}
	sample.Header.Set("User-Agent", body.UserAgent)
	return sample, nil
}
