package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/utils"
)

// Reload asks the seed reloader to re-apply the seed file. The trigger holds
// one pending request; a second one while it is queued is refused.
func Reload(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.ReloadTrigger == nil {
			writeText(w, d, http.StatusNotFound, "❌ Seed file not configured")
			return
		}

		client := logger.String("remote_ip", utils.ClientIP(r, d.TrustProxy))
		select {
		case d.ReloadTrigger <- struct{}{}:
			d.Logger.Info("manual seed reload triggered via endpoint", client, logger.String("file", d.SeedFile))
			writeText(w, d, http.StatusAccepted, "✅ Reload triggered successfully")
		default:
			d.Logger.Warn("seed reload already pending", client)
			writeText(w, d, http.StatusTooManyRequests, "⏳ Reload already in progress, please wait")
		}
	}
}

func writeText(w http.ResponseWriter, d deps.Deps, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(msg + "\n")); err != nil {
		d.Logger.Debug("failed to write response", logger.Error(err))
	}
}
