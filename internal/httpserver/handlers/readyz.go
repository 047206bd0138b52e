package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

type readyzResponse struct {
	Ready bool `json:"ready"`
	Bus   bool `json:"bus"`
	Store bool `json:"store"`
}

// Readyz reports ready once the bus can deliver and the store answers.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		busOK := d.Bus != nil && d.Bus.Ready()
		storeOK := pingStore(r.Context(), d) == nil

		resp := readyzResponse{Ready: busOK && storeOK, Bus: busOK, Store: storeOK}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if !resp.Ready {
			d.Logger.Debug("readiness probe failed",
				logger.Bool("bus", busOK),
				logger.Bool("store", storeOK))
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func pingStore(ctx context.Context, d deps.Deps) error {
	if d.Store == nil {
		return errStoreMissing
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return d.Store.Ping(ctx)
}
