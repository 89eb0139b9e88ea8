package engine

import (
	"sync"
	"time"
)

// UsageStats summarizes the work one execution performed. It is stamped
// onto the execution when it reaches a terminal status.
type UsageStats struct {
	Nodes     int                  `json:"nodes"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Skipped   int                  `json:"skipped"`
	Retries   int                  `json:"retries"`
	Duration  time.Duration        `json:"duration"`
	ByType    map[string]TypeUsage `json:"by_type,omitempty"`
}

// TypeUsage aggregates node work by node type.
type TypeUsage struct {
	Count    int           `json:"count"`
	Failures int           `json:"failures"`
	Duration time.Duration `json:"duration"`
}

func (s UsageStats) clone() UsageStats {
	cp := s
	if s.ByType != nil {
		cp.ByType = make(map[string]TypeUsage, len(s.ByType))
		for k, v := range s.ByType {
			cp.ByType[k] = v
		}
	}
	return cp
}

// usageFor folds an execution's node results into UsageStats.
func usageFor(ex *Execution) UsageStats {
	stats := UsageStats{ByType: make(map[string]TypeUsage)}
	for _, r := range ex.NodeResults {
		stats.Nodes++
		stats.Retries += r.RetryCount
		stats.Duration += r.Duration
		tu := stats.ByType[r.NodeType]
		tu.Count++
		tu.Duration += r.Duration
		switch r.Status {
		case NodeSuccess:
			stats.Succeeded++
		case NodeFailure:
			stats.Failed++
			tu.Failures++
		case NodeSkipped:
			stats.Skipped++
		}
		stats.ByType[r.NodeType] = tu
	}
	return stats
}

// UsageTracker accumulates node dispatch totals across every execution the
// engine runs. All methods are safe for concurrent use; Report hands out a
// copy so callers never observe later mutation.
type UsageTracker struct {
	mu         sync.Mutex
	executions int64
	completed  int64
	failed     int64
	cancelled  int64
	nodes      int64
	retries    int64
	duration   time.Duration
	byType     map[string]TypeUsage
}

// NewUsageTracker returns an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{byType: make(map[string]TypeUsage)}
}

func (t *UsageTracker) recordNode(nodeType string, d time.Duration, status NodeStatus, retries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes++
	t.retries += int64(retries)
	t.duration += d
	tu := t.byType[nodeType]
	tu.Count++
	tu.Duration += d
	if status == NodeFailure {
		tu.Failures++
	}
	t.byType[nodeType] = tu
}

func (t *UsageTracker) recordExecution(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executions++
	switch status {
	case StatusCompleted:
		t.completed++
	case StatusFailed:
		t.failed++
	case StatusCancelled:
		t.cancelled++
	}
}

// UsageReport is a point-in-time copy of engine-wide usage totals.
type UsageReport struct {
	Executions int64                `json:"executions"`
	Completed  int64                `json:"completed"`
	Failed     int64                `json:"failed"`
	Cancelled  int64                `json:"cancelled"`
	Nodes      int64                `json:"nodes"`
	Retries    int64                `json:"retries"`
	Duration   time.Duration        `json:"duration"`
	ByType     map[string]TypeUsage `json:"by_type,omitempty"`
}

// Report returns a snapshot of the totals recorded so far.
func (t *UsageTracker) Report() UsageReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := UsageReport{
		Executions: t.executions,
		Completed:  t.completed,
		Failed:     t.failed,
		Cancelled:  t.cancelled,
		Nodes:      t.nodes,
		Retries:    t.retries,
		Duration:   t.duration,
		ByType:     make(map[string]TypeUsage, len(t.byType)),
	}
	for k, v := range t.byType {
		rep.ByType[k] = v
	}
	return rep
}

// Reset clears all recorded totals.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executions, t.completed, t.failed, t.cancelled = 0, 0, 0, 0
	t.nodes, t.retries, t.duration = 0, 0, 0
	t.byType = make(map[string]TypeUsage)
}
