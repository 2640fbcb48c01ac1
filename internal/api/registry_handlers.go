package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapsearch-go/pkg/robots"
)

const maxListBodyBytes = 256 << 10

// RegistryHandler exposes the robot and extension lists for inspection and
// runtime edits.
type RegistryHandler struct {
	reg    *robots.Registry
	logger *zap.Logger
}

// NewRegistryHandler wires the registry and logger.
func NewRegistryHandler(reg *robots.Registry, logger *zap.Logger) *RegistryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryHandler{reg: reg, logger: logger}
}

type listUpdate struct {
	Values  []string `json:"values"`
	Replace bool     `json:"replace"`
}

type listResponse struct {
	Kind   string   `json:"kind"`
	Values []string `json:"values"`
}

// ListUserAgents handles GET /v1/robots/{kind}, where kind is ignore or match.
func (h *RegistryHandler) ListUserAgents(w http.ResponseWriter, r *http.Request) {
	kind := robots.Kind(chi.URLParam(r, "kind"))
	values, err := h.reg.UserAgents(kind)
	if err != nil {
		h.writeListError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Kind: string(kind), Values: nonNil(values)})
}

// AddUserAgents handles POST /v1/robots/{kind} with {"values": [...]}.
// "replace": true swaps the whole list instead of appending.
func (h *RegistryHandler) AddUserAgents(w http.ResponseWriter, r *http.Request) {
	kind := robots.Kind(chi.URLParam(r, "kind"))
	update, ok := decodeListUpdate(w, r)
	if !ok {
		return
	}
	var err error
	if update.Replace {
		err = h.reg.SetUserAgents(kind, update.Values)
	} else {
		err = h.reg.AddUserAgents(kind, update.Values...)
	}
	if err != nil {
		h.writeListError(w, err)
		return
	}
	h.logger.Info("robot list updated",
		zap.String("kind", string(kind)),
		zap.Int("values", len(update.Values)),
		zap.Bool("replace", update.Replace),
	)
	h.ListUserAgents(w, r)
}

// ListExtensions handles GET /v1/extensions/{kind}, where kind is generic or
// dynamic.
func (h *RegistryHandler) ListExtensions(w http.ResponseWriter, r *http.Request) {
	kind := robots.Kind(chi.URLParam(r, "kind"))
	values, err := h.reg.Extensions(kind)
	if err != nil {
		h.writeListError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Kind: string(kind), Values: nonNil(values)})
}

// AddExtensions handles POST /v1/extensions/{kind}.
func (h *RegistryHandler) AddExtensions(w http.ResponseWriter, r *http.Request) {
	kind := robots.Kind(chi.URLParam(r, "kind"))
	update, ok := decodeListUpdate(w, r)
	if !ok {
		return
	}
	var err error
	if update.Replace {
		err = h.reg.SetExtensions(kind, update.Values)
	} else {
		err = h.reg.AddExtensions(kind, update.Values...)
	}
	if err != nil {
		h.writeListError(w, err)
		return
	}
	h.logger.Info("extension list updated",
		zap.String("kind", string(kind)),
		zap.Int("values", len(update.Values)),
		zap.Bool("replace", update.Replace),
	)
	h.ListExtensions(w, r)
}

func decodeListUpdate(w http.ResponseWriter, r *http.Request) (listUpdate, bool) {
	var update listUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxListBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return listUpdate{}, false
	}
	if len(update.Values) == 0 && !update.Replace {
		writeError(w, http.StatusBadRequest, "values must not be empty")
		return listUpdate{}, false
	}
	return update, true
}

func (h *RegistryHandler) writeListError(w http.ResponseWriter, err error) {
	if errors.Is(err, robots.ErrInvalidKind) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("registry operation failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "registry operation failed")
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
