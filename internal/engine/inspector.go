package engine

import (
	"sync"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/metrics"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
)

type CycleStatus string

const (
	CycleStatusApplied  CycleStatus = "applied"
	CycleStatusFallback CycleStatus = "fallback"
	CycleStatusError    CycleStatus = "error"

	inspectorHistoryLimit = 128
)

// Cycle records one recompute of one workspace.
type Cycle struct {
	Timestamp time.Time     `json:"timestamp"`
	Workspace string        `json:"workspace"`
	Strategy  string        `json:"strategy"`
	Fallback  string        `json:"fallback,omitempty"`
	Status    CycleStatus   `json:"status"`
	Windows   int           `json:"windows"`
	Commands  []string      `json:"commands,omitempty"`
	Skipped   int           `json:"skipped"`
	Throttled []string      `json:"throttled,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Inspection is the engine's introspection payload.
type Inspection struct {
	Connected     bool              `json:"connected"`
	Stale         bool              `json:"stale"`
	World         *state.World      `json:"world"`
	LastGood      map[string]string `json:"lastGood,omitempty"`
	PendingEchoes int               `json:"pendingEchoes"`
	Cycles        []Cycle           `json:"cycles,omitempty"`
	Metrics       metrics.Snapshot  `json:"metrics"`
}

type cycleLog struct {
	mu      sync.Mutex
	entries []Cycle
	limit   int
}

func newCycleLog(limit int) *cycleLog {
	if limit <= 0 {
		limit = inspectorHistoryLimit
	}
	return &cycleLog{limit: limit}
}

func (l *cycleLog) record(entry Cycle) {
	if l == nil {
		return
	}
	entry.Commands = append([]string(nil), entry.Commands...)
	entry.Throttled = append([]string(nil), entry.Throttled...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && len(l.entries) == l.limit {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.limit-1]
	}
	l.entries = append(l.entries, entry)
}

func (l *cycleLog) snapshot() []Cycle {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	out := make([]Cycle, len(l.entries))
	for i, entry := range l.entries {
		entry.Commands = append([]string(nil), entry.Commands...)
		entry.Throttled = append([]string(nil), entry.Throttled...)
		out[i] = entry
	}
	return out
}
