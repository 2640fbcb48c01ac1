package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrRenderService matches every failure reported by a Renderer, including
// validation errors, via errors.Is.
var ErrRenderService = errors.New("render service error")

// ServiceError reports a render call that failed in transport or came back
// with a code other than success or validation_error.
type ServiceError struct {
	Message string
	// StatusCode is the HTTP status of the render service response, 0 when
	// no response arrived.
	StatusCode int
	// Code is the "code" field of the response body, if any.
	Code string
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render service: %s: %v", e.Message, e.Err)
	}
	return "render service: " + e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRenderService) hold.
func (e *ServiceError) Is(target error) bool { return target == ErrRenderService }

// ValidationError carries the render service's rejection of the submitted
// parameters. Content is the raw "content" payload of the response.
type ValidationError struct {
	Errors  map[string]string
	Content json.RawMessage
}

func (e *ValidationError) Error() string {
	msg := e.ErrorString()
	if msg == "" {
		return "render service: validation error"
	}
	return "render service: validation error: " + msg
}

// Is makes errors.Is(err, ErrRenderService) hold.
func (e *ValidationError) Is(target error) bool { return target == ErrRenderService }

// ErrorString joins the messages with single spaces, ordered by field name.
func (e *ValidationError) ErrorString() string {
	if len(e.Errors) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Errors[k])
	}
	return strings.Join(msgs, " ")
}
