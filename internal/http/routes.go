package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
	"github.com/keepsake-labs/keepsake/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs     *service.JobService
	Delivery *service.DeliveryService
	Webhooks *service.WebhookSinkService
	Health   HealthDeps

	// SSEHeartbeat is the idle keep-alive cadence on event streams.
	SSEHeartbeat time.Duration
	// MetricsEnabled exposes GET /metrics when true.
	MetricsEnabled bool

	Logger *slog.Logger // Logger for handler errors (optional)
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{
		Jobs:     services.Jobs,
		Delivery: services.Delivery,
		Logger:   services.Logger,
	}
	eventHandlers := &EventHandlers{
		Delivery:  services.Delivery,
		Heartbeat: services.SSEHeartbeat,
		Logger:    services.Logger,
	}
	webhookHandlers := &WebhookSinkHandlers{Svc: services.Webhooks}
	healthHandlers := &HealthHandlers{Deps: services.Health}

	registerJobRoutes(mux, jobHandlers, eventHandlers)
	registerArtifactRoutes(mux, jobHandlers)
	registerWebhookRoutes(mux, webhookHandlers)

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandlers.Health))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandlers.Health))

	if services.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return mux
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers, eh *EventHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Submit)
	mux.HandleFunc("GET /api/jobs/{id}", h.Status)
	mux.HandleFunc("GET /api/jobs/{id}/wait", h.Wait)
	mux.HandleFunc("GET /api/jobs/{id}/events", eh.Stream)
	mux.HandleFunc("GET /api/jobs/{kind}/stats", h.Stats)
}

func registerArtifactRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/artifacts/{id}/save", h.SaveArtifact)
	mux.HandleFunc("GET /api/artifacts/{id}/content", h.ArtifactContent)
}

func registerWebhookRoutes(mux *http.ServeMux, h *WebhookSinkHandlers) {
	registerCRUD(mux, crudRoutes{
		Base:    "/api/webhooks",
		Create:  h.Create,
		List:    h.List,
		GetByID: h.GetByID,
		Update:  h.Update,
		Delete:  h.Delete,
	})
}

// registerCRUD registers standard CRUD routes for a resource base path, applying mw if non-nil.
type crudRoutes struct {
	Base       string
	Create     http.HandlerFunc
	List       http.HandlerFunc
	GetByID    http.HandlerFunc
	Update     http.HandlerFunc
	Delete     http.HandlerFunc
	Middleware func(http.Handler) http.Handler
}

func registerCRUD(mux *http.ServeMux, cfg crudRoutes) {
	if cfg.Base == "" {
		panic("registerCRUD: Base must not be empty") //nolint:forbidigo // Fail fast during server setup.
	}
	if cfg.Create == nil ||
		cfg.List == nil ||
		cfg.GetByID == nil ||
		cfg.Update == nil ||
		cfg.Delete == nil {
		panic("registerCRUD: nil handler for base " + cfg.Base) //nolint:forbidigo // Fail fast during server setup.
	}

	wrap := func(h http.HandlerFunc) http.Handler {
		if cfg.Middleware != nil {
			return cfg.Middleware(h)
		}
		return h
	}
	mux.Handle("POST "+cfg.Base, wrap(cfg.Create))
	mux.Handle("GET "+cfg.Base, wrap(cfg.List))
	mux.Handle("GET "+cfg.Base+"/{id}", wrap(cfg.GetByID))
	mux.Handle("PUT "+cfg.Base+"/{id}", wrap(cfg.Update))
	mux.Handle("DELETE "+cfg.Base+"/{id}", wrap(cfg.Delete))
}
