package testutil

import (
	"sync"
	"time"

	"github.com/yungbote/omop-automapper/internal/data/aggregates"
)

// HooksRecorder captures aggregate hook signals in tests. It is safe for
// concurrent commits.
type HooksRecorder struct {
	mu sync.Mutex

	operations []OperationEvent
	conflicts  []string
	retries    []string
}

type OperationEvent struct {
	Name     string
	Status   string
	Duration time.Duration
}

var _ aggregates.Hooks = (*HooksRecorder)(nil)

func (h *HooksRecorder) ObserveOperation(name, status string, dur time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.operations = append(h.operations, OperationEvent{Name: name, Status: status, Duration: dur})
}

func (h *HooksRecorder) IncConflict(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conflicts = append(h.conflicts, name)
}

func (h *HooksRecorder) IncRetry(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = append(h.retries, name)
}

func (h *HooksRecorder) Operations() []OperationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]OperationEvent(nil), h.operations...)
}

// Statuses returns the recorded statuses of name in call order.
func (h *HooksRecorder) Statuses(name string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, op := range h.operations {
		if op.Name == name {
			out = append(out, op.Status)
		}
	}
	return out
}

func (h *HooksRecorder) Conflicts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conflicts)
}

func (h *HooksRecorder) Retries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.retries)
}
