package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
)

const maxBodyBytes = 64 << 10

type serviceSummary struct {
	ID          domain.ServiceID `json:"id"`
	Kind        string           `json:"kind"`
	Visibility  domain.Policy    `json:"visibility"`
	Access      domain.Policy    `json:"access"`
	Whitelist   []domain.NodeID  `json:"whitelist,omitempty"`
	Subscribers []domain.NodeID  `json:"subscribers"`
	Plugins     []string         `json:"plugins"`
}

type createServiceRequest struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Plugins    []string        `json:"plugins,omitempty"`
	Visibility string          `json:"visibility,omitempty"`
	Access     string          `json:"access,omitempty"`
	Whitelist  []domain.NodeID `json:"whitelist,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func summarize(s domain.ServiceSnapshot) serviceSummary {
	return serviceSummary{
		ID:          s.ID,
		Kind:        s.Kind,
		Visibility:  s.Visibility,
		Access:      s.Access,
		Whitelist:   s.Whitelist,
		Subscribers: s.Metadata.SubscriberList(),
		Plugins:     s.Metadata.PluginList(),
	}
}

// ListServices returns every service hosted on this node.
func ListServices(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := d.Registry.Services()
		out := make([]serviceSummary, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, summarize(s))
		}
		writeJSON(w, d, http.StatusOK, out)
	}
}

// CreateService hosts a new service on this node.
func CreateService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createServiceRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, d, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
			return
		}

		spec, err := toCreateSpec(req, d.Registry.Kinds())
		if err != nil {
			writeJSON(w, d, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		id, err := d.Registry.CreateService(r.Context(), spec)
		if err != nil {
			writeError(w, d, err)
			return
		}
		d.Logger.Info("service created via api",
			logger.Stringer("service", id),
			logger.String("remote_ip", r.RemoteAddr))

		snap, err := d.Registry.Service(id)
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, d, http.StatusCreated, summarize(snap))
	}
}

// DeleteService removes a hosted service and kicks its subscribers.
func DeleteService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := domain.NewServiceID(d.Registry.Self(), chi.URLParam(r, "name"))
		if err := d.Registry.DeleteService(r.Context(), id); err != nil {
			writeError(w, d, err)
			return
		}
		d.Logger.Info("service deleted via api",
			logger.Stringer("service", id),
			logger.String("remote_ip", r.RemoteAddr))
		w.WriteHeader(http.StatusNoContent)
	}
}

// AttachPlugin delegates a hosted service to a plugin.
func AttachPlugin(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := domain.NewServiceID(d.Registry.Self(), chi.URLParam(r, "name"))
		plugin := chi.URLParam(r, "plugin")
		if err := d.Registry.AttachPlugin(r.Context(), id, plugin); err != nil {
			writeError(w, d, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DetachPlugin kills a plugin attached to a hosted service.
func DetachPlugin(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := domain.NewServiceID(d.Registry.Self(), chi.URLParam(r, "name"))
		plugin := chi.URLParam(r, "plugin")
		if err := d.Registry.DetachPlugin(r.Context(), id, plugin); err != nil {
			writeError(w, d, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func toCreateSpec(req createServiceRequest, kinds []string) (registry.CreateSpec, error) {
	if !slices.Contains(kinds, req.Kind) {
		return registry.CreateSpec{}, fmt.Errorf("unknown kind %q (available: %v)", req.Kind, kinds)
	}
	visibility, err := domain.ParsePolicy(req.Visibility)
	if err != nil {
		return registry.CreateSpec{}, fmt.Errorf("visibility: %w", err)
	}
	access, err := domain.ParsePolicy(req.Access)
	if err != nil {
		return registry.CreateSpec{}, fmt.Errorf("access: %w", err)
	}
	return registry.CreateSpec{
		Name:       req.Name,
		Kind:       req.Kind,
		Plugins:    req.Plugins,
		Visibility: visibility,
		Access:     access,
		Whitelist:  req.Whitelist,
	}, nil
}

func writeError(w http.ResponseWriter, d deps.Deps, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidAddress):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		d.Logger.Warn("admin request failed", logger.Error(err))
	}
	writeJSON(w, d, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, d deps.Deps, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.Logger.Debug("failed to write response", logger.Error(err))
	}
}
