package task

import "time"

// Result is the payload handed to a CompletionFunc. Exactly one of Output
// (Success) or Error is set.
type Result struct {
	TaskID        string    `json:"task_id"`
	Success       bool      `json:"success"`
	Output        []byte    `json:"-"`
	Error         string    `json:"error,omitempty"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Record is the metadata of an export, without the payload. It is what
// gets persisted and reported over the API.
type Record struct {
	TaskID        string    `json:"task_id"`
	Index         string    `json:"index,omitempty"`
	State         State     `json:"state"`
	Size          int       `json:"size"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	Error         string    `json:"error,omitempty"`
	WorkerID      string    `json:"worker_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// Succeeded reports whether the record describes a successful export.
func (r *Record) Succeeded() bool {
	return r.State == StateSucceeded || (r.State == StateCompleted && r.Error == "")
}
