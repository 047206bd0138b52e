package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver/mw"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

func init() { RegisterStream(registerWebSocket) }

func registerWebSocket(r chi.Router, d deps.Deps) {
	limit := mw.RateLimit(mw.RateLimitConfig{
		Burst:             d.WSBurst,
		RefillPerIPPerMin: d.WSRefillPerIP,
		MaxEntries:        10000,
		TrustProxy:        d.TrustProxy,
		OnReject: func(client string) {
			d.Logger.Debug("websocket connection rate limited", logger.String("client", client))
		},
	})
	r.With(mw.EnforceHost(d.AllowedHosts, d.Logger), limit).Get("/ws", handlers.WebSocket(d))
}
