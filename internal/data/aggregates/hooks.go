package aggregates

import (
	"strings"
	"time"

	"github.com/yungbote/omop-automapper/internal/observability"
)

// Hooks captures aggregate-level observability events.
type Hooks interface {
	ObserveOperation(name, status string, dur time.Duration)
	IncConflict(name string)
	IncRetry(name string)
}

type noopHooks struct{}

func (noopHooks) ObserveOperation(string, string, time.Duration) {}
func (noopHooks) IncConflict(string)                             {}
func (noopHooks) IncRetry(string)                                {}

type observabilityHooks struct {
	metrics *observability.Metrics
}

// NewObservabilityHooks returns hooks backed by metrics, or no-op hooks when metrics is nil.
func NewObservabilityHooks(metrics *observability.Metrics) Hooks {
	if metrics == nil {
		return noopHooks{}
	}
	return &observabilityHooks{metrics: metrics}
}

func (h *observabilityHooks) ObserveOperation(name, status string, dur time.Duration) {
	h.metrics.ObserveAggregate(strings.TrimSpace(name), strings.TrimSpace(status), dur)
}

func (h *observabilityHooks) IncConflict(name string) {
	h.metrics.IncConflict(strings.TrimSpace(name))
}

func (h *observabilityHooks) IncRetry(name string) {
	h.metrics.IncRetry(strings.TrimSpace(name), "aggregate")
}
