/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Secure:     Security headers (unrolled/secure)
  5. CORS:       Cross-origin requests, origins from SHOP_ALLOWED_ORIGINS
  6. Metrics:    Request counts and latency per route (Prometheus),
                 rejected requests included
  7. Rate limit: Per-IP request budget per minute (httprate), off at 0

ROUTE GROUPS:
  /api/shops                              Shop lifecycle
  /api/shops/{shopID}/roles/*             Authority tree
  /api/shops/{shopID}/discounts/*         Discount ledger
  /api/shops/{shopID}/checkout/*          Basket pricing
  /api/shops/{shopID}/policy/*            Purchase policy
  /healthz                                Liveness
  /metrics                                Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimit      int // requests per minute per IP, 0 disables

	// Metrics and Gatherer are optional. /metrics is mounted only when
	// Gatherer is set.
	Metrics  *Metrics
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
	}).Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", ActorHeader},
	}))
	r.Use(opts.Metrics.Middleware)
	if opts.RateLimit > 0 {
		r.Use(httprate.Limit(opts.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), nil)
			}),
		))
	}

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "shops": h.Registry.Len()})
	})

	// API routes
	r.Route("/api/shops", func(r chi.Router) {
		r.Get("/", h.ListShops)
		r.Post("/", h.OpenShop)

		r.Route("/{shopID}", func(r chi.Router) {
			r.Get("/", h.GetShop)
			r.Post("/close", h.CloseShop)
			r.Post("/reopen", h.ReopenShop)
			r.Post("/resign", h.Resign)
			r.Get("/permissions/check", h.CheckPermission)

			// Authority tree
			r.Route("/roles", func(r chi.Router) {
				r.Get("/", h.GetRoles)
				r.Post("/managers", h.AppointManager)
				r.Post("/owners", h.AppointOwner)
				r.Delete("/{username}", h.FireRole)
				r.Put("/{username}/permissions", h.ModifyPermissions)
				r.Post("/{username}/permissions/add", h.AddPermissions)
				r.Post("/{username}/permissions/delete", h.DeletePermissions)
			})

			// Discounts
			r.Route("/discounts", func(r chi.Router) {
				r.Get("/", h.ListDiscounts)
				r.Post("/", h.AddDiscount)
				r.Delete("/{id}", h.RemoveDiscount)
			})
			r.Post("/checkout/discounts", h.ApplyDiscounts)

			// Purchase policy
			r.Put("/policy", h.SetPolicy)
			r.Post("/policy/check", h.CheckPolicy)
		})
	})

	return r
}
