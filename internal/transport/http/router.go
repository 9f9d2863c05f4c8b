// Package httptransport is the thin HTTP layer over the engine. Handlers
// parse, delegate to a service, and translate coded errors; no business
// logic lives here.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bloodbridge/internal/allocator"
	"bloodbridge/internal/intake"
	"bloodbridge/internal/ledger"
	"bloodbridge/internal/txlog"
)

// Handler carries the services the routes delegate to.
type Handler struct {
	alloc  *allocator.Allocator
	intake *intake.Service
	ledger *ledger.Ledger
	log    *txlog.Log
	logger *slog.Logger
}

func NewHandler(alloc *allocator.Allocator, in *intake.Service, l *ledger.Ledger, log *txlog.Log, logger *slog.Logger) *Handler {
	return &Handler{alloc: alloc, intake: in, ledger: l, log: log, logger: logger}
}

// NewRouter wires all public endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(Recovery(h.logger))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/requests", func(r chi.Router) {
		r.Post("/", h.handleSubmitRequest)
		r.Get("/{id}", h.handleGetRequest)
		r.Post("/{id}/fulfill", h.handleFulfillRequest)
		r.Post("/{id}/cancel", h.handleCancelRequest)
		r.Get("/{id}/eligible-donors", h.handleEligibleDonors)
		r.Post("/{id}/donor-response", h.handleDonorResponse)
		r.Post("/{id}/decline-bank", h.handleDeclineBank)
	})
	r.Post("/donations", h.handleRecordDonation)
	r.Post("/drives", h.handleAnnounceDrive)
	r.Get("/inventory", h.handleInventorySnapshot)
	r.Get("/inventory/{bank}/{bloodType}/{component}", h.handleInventoryCell)
	r.Get("/audit", h.handleAuditTrail)
	return r
}
