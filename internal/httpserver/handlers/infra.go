package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
)

var errStoreMissing = errors.New("store not initialized")

type componentStatus struct {
	OK             bool     `json:"ok"`
	Mode           string   `json:"mode,omitempty"`
	ServicesHosted *int     `json:"services_hosted,omitempty"`
	Channels       *int     `json:"channels,omitempty"`
	Kinds          []string `json:"kinds,omitempty"`
	SeedFile       string   `json:"seed_file,omitempty"`
	Impact         string   `json:"impact,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type infraResponse struct {
	Node       string                     `json:"node"`
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
}

func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		components := map[string]componentStatus{
			"bus":      checkBus(d),
			"store":    checkStore(r, d),
			"registry": checkRegistry(d),
			"consumer": checkConsumers(d),
		}

		response := infraResponse{
			Node:       d.NodeID,
			Status:     determineStatus(components),
			Components: components,
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

func determineStatus(components map[string]componentStatus) string {
	// Without a bus nothing reaches the node
	if b, exists := components["bus"]; exists && !b.OK {
		return "critical"
	}

	// Store down = services keep running but changes are not persisted
	if s, exists := components["store"]; exists && !s.OK {
		return "degraded"
	}

	return "operational"
}

func checkBus(d deps.Deps) componentStatus {
	if d.Bus == nil {
		return componentStatus{OK: false, Mode: d.BusKind, Error: "bus not initialized"}
	}
	if !d.Bus.Ready() {
		return componentStatus{OK: false, Mode: d.BusKind, Impact: "node-unreachable", Error: "disconnected"}
	}
	return componentStatus{OK: true, Mode: d.BusKind}
}

func checkStore(r *http.Request, d deps.Deps) componentStatus {
	if err := pingStore(r.Context(), d); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   d.StoreKind,
			Impact: "persistence-disabled",
			Error:  err.Error(),
		}
	}
	return componentStatus{OK: true, Mode: d.StoreKind}
}

func checkRegistry(d deps.Deps) componentStatus {
	if d.Registry == nil {
		return componentStatus{OK: false, Error: "registry not initialized"}
	}
	count := d.Registry.Count()
	return componentStatus{
		OK:             true,
		ServicesHosted: &count,
		Kinds:          d.Registry.Kinds(),
		SeedFile:       d.SeedFile,
	}
}

func checkConsumers(d deps.Deps) componentStatus {
	if d.Multiplexer == nil {
		return componentStatus{OK: false, Error: "multiplexer not initialized"}
	}
	channels := d.Multiplexer.Channels()
	return componentStatus{OK: true, Channels: &channels}
}
