package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
)

// healthz reports liveness only. Dependencies are checked by /readyz.
type healthzResponse struct {
	Status        string  `json:"status"`
	Node          string  `json:"node"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Bus           string  `json:"bus"`
	Store         string  `json:"store"`
	Version       string  `json:"version,omitempty"`
	Commit        string  `json:"commit,omitempty"`
	BuildDate     string  `json:"build_date,omitempty"`
	GoVersion     string  `json:"go_version,omitempty"`
}

func Healthz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d, http.StatusOK, healthzResponse{
			Status:        "ok",
			Node:          d.NodeID,
			UptimeSeconds: d.Now().Sub(d.StartTime).Seconds(),
			Bus:           d.BusKind,
			Store:         d.StoreKind,
			Version:       d.Version,
			Commit:        d.Commit,
			BuildDate:     d.BuildDate,
			GoVersion:     d.GoVersion,
		})
	}
}
