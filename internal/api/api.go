// Package api serves the signal accessor over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/machinedata/signal-accessor/internal/signals"
)

const (
	RequestIDContextKey = "request_id"
	RequestIDHeaderKey  = "X-Request-ID"

	// OutcomeHeaderKey carries the internal result kind of a signals request.
	// The body and status stay the same for every kind.
	OutcomeHeaderKey = "X-Signal-Outcome"

	HealthStatus = "Service is up and running"
)

// SignalFetcher reads the latest readings of a signal type.
type SignalFetcher interface {
	Fetch(ctx context.Context, signalType string) signals.Result
}

// Handler holds the dependencies of the HTTP endpoints.
type Handler struct {
	fetcher  SignalFetcher
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewHandler returns a Handler. A nil gatherer leaves /metrics unrouted.
func NewHandler(fetcher SignalFetcher, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		fetcher:  fetcher,
		gatherer: gatherer,
		logger:   logger.With("component", "api"),
	}
}

// Routes builds the gin engine with middleware and all endpoints.
func (h *Handler) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(h.logger))
	router.Use(recoveryMiddleware(h.logger))

	router.GET("/health", h.Health)
	router.GET("/signals/:signal_type", h.GetSignals)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
