package crawler

import "time"

// RunState tracks where a logical run is in the checkpoint pipeline.
type RunState string

// Run states. Failed runs resume at FailedStep; abandoned runs are never resumed.
const (
	RunPending     RunState = "pending"
	RunDiscovering RunState = "discovering"
	RunPlanning    RunState = "planning"
	RunExecuting   RunState = "executing"
	RunCommitting  RunState = "committing"
	RunDone        RunState = "done"
	RunFailed      RunState = "failed"
	RunAbandoned   RunState = "abandoned"
)

// Terminal reports whether a run in this state can no longer be resumed.
func (s RunState) Terminal() bool {
	return s == RunDone || s == RunAbandoned
}

// Run is the persisted record of one logical run.
type Run struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	State      RunState  `json:"state"`
	FailedStep string    `json:"failed_step,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StepReport says whether a step executed or was served from its memo.
type StepReport struct {
	Name     string `json:"name"`
	Memoized bool   `json:"memoized"`
}

// Summary is the structured outcome of one invocation. It is produced even
// when the run fails part way.
type Summary struct {
	RunID      string       `json:"run_id"`
	Source     string       `json:"source"`
	Plan       Plan         `json:"plan"`
	Processed  int          `json:"processed"`
	Added      int          `json:"added"`
	Skipped    int          `json:"skipped"`
	Errors     int          `json:"errors"`
	ErrorIDs   []int        `json:"error_ids"`
	Cursor     int          `json:"cursor"`
	Complete   bool         `json:"complete"`
	State      RunState     `json:"state"`
	FailedStep string       `json:"failed_step,omitempty"`
	Error      string       `json:"error,omitempty"`
	Steps      []StepReport `json:"steps"`
	Success    bool         `json:"success"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}
