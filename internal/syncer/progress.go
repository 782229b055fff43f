package syncer

import "time"

// Status of the most recent full run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Phase names reported while a full run advances.
const (
	PhaseStarting  = "starting"
	PhaseClearing  = "clearing_secondary"
	PhaseCounting  = "counting_source"
	PhaseNodes     = "copying_nodes"
	PhaseEdges     = "copying_edges"
	PhaseVerifying = "verifying"
	PhaseDone      = "completed"
)

// Progress is a point-in-time snapshot of a sync run.
type Progress struct {
	Status        Status     `json:"status"`
	CurrentPhase  string     `json:"current_phase"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TotalNodes    int        `json:"total_nodes"`
	MigratedNodes int        `json:"migrated_nodes"`
	FailedNodes   int        `json:"failed_nodes"`
	TotalEdges    int        `json:"total_edges"`
	MigratedEdges int        `json:"migrated_edges"`
	FailedEdges   int        `json:"failed_edges"`
	Errors        []string   `json:"errors,omitempty"`
}

// NodeSuccessRate is the fraction of source nodes that reached the
// secondary. 1 when the source held none.
func (p Progress) NodeSuccessRate() float64 {
	if p.TotalNodes == 0 {
		return 1
	}
	return float64(p.MigratedNodes) / float64(p.TotalNodes)
}

// EdgeSuccessRate is NodeSuccessRate for edges.
func (p Progress) EdgeSuccessRate() float64 {
	if p.TotalEdges == 0 {
		return 1
	}
	return float64(p.MigratedEdges) / float64(p.TotalEdges)
}

// Duration of the run so far, or of the whole run once it finished.
func (p Progress) Duration() time.Duration {
	if p.StartedAt == nil {
		return 0
	}
	if p.CompletedAt != nil {
		return p.CompletedAt.Sub(*p.StartedAt)
	}
	return time.Since(*p.StartedAt)
}

// ProgressFunc observes progress updates during a run. Callbacks run on
// the sync goroutine; a panic inside one is logged and swallowed.
type ProgressFunc func(Progress)
