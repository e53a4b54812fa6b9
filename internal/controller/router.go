package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/paygate/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	DB            DBPinger
	RedisClient   redis.UniversalClient
	Orders        OrderAPI
	Notifications NotificationOps
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer // nil serves the default registry
	Server        config.ServerConfig
	Logger        zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(customMW.TrustedRealIP(deps.Server.TrustedProxies))
	r.Use(customMW.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.DB, deps.RedisClient)
	orderH := NewOrderController(deps.Orders)
	callbackH := NewCallbackController(deps.Orders, observability.Component(deps.Logger, "callbacks"))
	opsH := NewOpsController(deps.Notifications)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", metricsHandler(deps.Gatherer))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.Server.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: deps.Server.CORS.AllowCredentials,
			MaxAge:           300,
		}))
		r.Use(customMW.RateLimit(deps.Server.RateLimit.API))

		r.Post("/orders", orderH.Create)
		r.Get("/orders/{orderNo}", orderH.Get)
		r.Get("/orders/{orderNo}/provider-status", orderH.ProviderStatus)
		r.Post("/orders/{orderNo}/refund", orderH.Refund)
	})

	// Providers post form or XML bodies here; some redirect with GET.
	r.Route("/callbacks", func(r chi.Router) {
		r.Use(customMW.RateLimit(deps.Server.RateLimit.Callbacks, httprate.KeyByIP, httprate.KeyByEndpoint))
		r.Post("/{provider}", callbackH.Handle)
		r.Get("/{provider}", callbackH.Handle)
	})

	r.Route("/ops/notifications", func(r chi.Router) {
		r.Use(customMW.AllowIPs(deps.Server.OpsAllowedIPs))
		r.Get("/stats", opsH.Stats)
		r.Post("/{orderNo}/requeue", opsH.Requeue)
		r.Post("/{orderNo}/defer", opsH.Defer)
	})

	return r
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
