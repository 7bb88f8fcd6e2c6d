package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/machinedata/signal-accessor/internal/signals"
)

// Health handles GET /health. It never touches the database.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": HealthStatus})
}

// GetSignals handles GET /signals/:signal_type. The response is always 200
// with a JSON array; failures are logged by the service and show up only in
// the outcome header. A dispatched fetch runs to completion even if the
// client goes away, so a disconnect never costs a pooled session.
func (h *Handler) GetSignals(c *gin.Context) {
	signalType := c.Param("signal_type")

	res := h.fetcher.Fetch(context.WithoutCancel(c.Request.Context()), signalType)
	out := res.Signals
	if out == nil {
		out = []signals.Signal{}
	}

	c.Header(OutcomeHeaderKey, res.Outcome.String())
	c.JSON(http.StatusOK, out)
}
