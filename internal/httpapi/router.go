package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the full API surface. Reads are public, writes sit
// behind the shared token.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Ingest-Token"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public reads.
		r.Get("/categories", h.ListCategories)
		r.Get("/categories/tree", h.GetCategoryTree)
		r.Get("/categories/{id}", h.GetCategory)
		r.Get("/categories/{id}/children", h.GetCategoryChildren)
		r.Get("/categories/{id}/path", h.GetCategoryPath)
		r.Get("/achievements", h.ListAchievements)
		r.Get("/achievements/{id}", h.GetAchievement)
		r.Get("/users/{userID}/progress", h.GetUserProgress)
		r.Get("/users/{userID}/progress/{achievementID}", h.GetUserAchievementProgress)
		r.Get("/users/{userID}/achievements", h.GetUserAwards)
		r.Get("/users/{userID}/notifications", h.ListUserDeliveries)
		r.Get("/guilds/{guildID}/users/{userID}/preferences", h.GetPreference)
		r.Get("/guilds/{guildID}/notification-settings", h.GetGuildSettings)

		// Ingest and admin writes.
		r.Group(func(r chi.Router) {
			r.Use(h.TokenAuthMiddleware)
			r.Post("/events", h.IngestEvent)
			r.Get("/events", h.ListEvents)
			r.Post("/categories", h.CreateCategory)
			r.Patch("/categories/{id}", h.UpdateCategory)
			r.Delete("/categories/{id}", h.DeleteCategory)
			r.Post("/achievements", h.CreateAchievement)
			r.Patch("/achievements/{id}", h.UpdateAchievement)
			r.Delete("/achievements/{id}", h.DeleteAchievement)
			r.Put("/guilds/{guildID}/users/{userID}/preferences", h.UpdatePreference)
			r.Put("/guilds/{guildID}/notification-settings", h.UpdateGuildSettings)
			r.Post("/admin/awards", h.GrantAward)
			r.Delete("/admin/awards", h.RevokeAward)
			r.Get("/admin/perf", h.PerfSnapshot)
		})
	})

	return r
}
