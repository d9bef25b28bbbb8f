package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/omop-automapper/internal/http/response"
	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
	"github.com/yungbote/omop-automapper/internal/realtime/bus"
)

type BatchRunner interface {
	Run(ctx context.Context, in mapping.BatchInput) (mapping.BatchReport, error)
}

type AutomapHandlerDeps struct {
	Log    *logger.Logger
	Runner BatchRunner
	// Events is optional. Without it the events stream is not served.
	Events bus.Bus
}

type AutomapHandler struct {
	log    *logger.Logger
	runner BatchRunner
	events bus.Bus
}

func NewAutomapHandler(deps AutomapHandlerDeps) *AutomapHandler {
	return &AutomapHandler{log: deps.Log, runner: deps.Runner, events: deps.Events}
}

type automapRequest struct {
	VocabularyID  string   `json:"vocabulary_id"`
	Limit         int      `json:"limit"`
	Concurrency   int      `json:"concurrency"`
	Threshold     *float64 `json:"threshold"`
	TargetDomains []string `json:"target_domains"`
}

// POST /api/v1/automap
//
// Runs synchronously. Progress is published on the events stream while the
// request is open.
func (h *AutomapHandler) Run(c *gin.Context) {
	var req automapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Limit < 0 || req.Concurrency < 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errBadBatchBounds)
		return
	}
	report, err := h.runner.Run(c.Request.Context(), mapping.BatchInput{
		VocabularyID: strings.TrimSpace(req.VocabularyID),
		Limit:        req.Limit,
		Concurrency:  req.Concurrency,
		Threshold:    req.Threshold,
		Domains:      req.TargetDomains,
	})
	if err != nil && !report.Cancelled {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"report": report})
}

// GET /api/v1/automap/events?run_id=R
func (h *AutomapHandler) Events(c *gin.Context) {
	runID := strings.TrimSpace(c.Query("run_id"))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	ch := make(chan mapping.ProgressEvent, 64)
	err := h.events.StartForwarder(ctx, func(ev mapping.ProgressEvent) {
		if runID != "" && ev.RunID != runID {
			return
		}
		if ev.Finished {
			// the closing event is never dropped
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- ev:
		default:
			// slow reader; the next event carries the running totals anyway
		}
	})
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "events_unavailable", err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-ch:
			c.SSEvent("progress", ev)
			return !(runID != "" && ev.Finished)
		}
	})
}
