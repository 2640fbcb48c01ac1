// Package render fetches pre-rendered snapshots of pages for crawlers.
package render

import (
	"context"
	"strings"
)

// Header is a single response header. Names may repeat.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Snapshot is a rendered page as returned by a Renderer.
type Snapshot struct {
	Status     int      `json:"status"`
	Headers    []Header `json:"headers"`
	HTML       string   `json:"html"`
	Screenshot string   `json:"screenshot,omitempty"`
	// Date is the unix time the snapshot was taken.
	Date  int64 `json:"date"`
	Cache bool  `json:"cache"`
}

// HeaderValues returns every value of the named header, case-insensitively.
func (s *Snapshot) HeaderValues(name string) []string {
	var values []string
	for _, h := range s.Headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}

// Renderer produces a Snapshot for an absolute URL.
type Renderer interface {
	Render(ctx context.Context, url string) (*Snapshot, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, url string) (*Snapshot, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, url string) (*Snapshot, error) {
	return f(ctx, url)
}
