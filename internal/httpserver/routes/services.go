package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver/mw"
)

func init() { Register(registerServices) }

func registerServices(r chi.Router, d deps.Deps) {
	r.Route("/api/services", func(r chi.Router) {
		r.Use(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger), mw.EnforceHost(d.AllowedHosts, d.Logger))
		r.Get("/", handlers.ListServices(d))
		r.Post("/", handlers.CreateService(d))
		r.Delete("/{name}", handlers.DeleteService(d))
		r.Post("/{name}/plugins/{plugin}", handlers.AttachPlugin(d))
		r.Delete("/{name}/plugins/{plugin}", handlers.DetachPlugin(d))
	})
}
