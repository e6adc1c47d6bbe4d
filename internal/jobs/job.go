package jobs

import (
	"time"
)

// Status is the lifecycle state of a repackaging job.
// Transitions: pending -> downloading -> processing -> completed; any
// non-terminal status may move to failed or cancelled. A retry moves the job
// back to pending with progress reset to 0. Terminal statuses are absorbing.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Staying on the same non-terminal status is always permitted (progress
// ticks); pending is reachable again from downloading/processing on retry.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	switch next {
	case StatusFailed, StatusCancelled:
		return true
	case StatusDownloading:
		return s == StatusPending
	case StatusProcessing:
		return s == StatusDownloading
	case StatusCompleted:
		return s == StatusProcessing
	case StatusPending:
		return s == StatusDownloading || s == StatusProcessing
	default:
		return false
	}
}

// Stage labels reported on Job snapshots and status events. The pipeline owns
// the fetch..finalize sequence; queued and retrying are set by the store and
// the worker respectively.
const (
	StageQueued   = "queued"
	StageFetch    = "fetch"
	StageExtract  = "extract"
	StageResolve  = "resolve"
	StageRewrite  = "rewrite"
	StageRepack   = "repack"
	StageFinalize = "finalize"
	StageRetry    = "retrying"
)

// PluginMetadata is read from the plugin manifest during the extract stage.
type PluginMetadata struct {
	Name        string `json:"name"`
	Author      string `json:"author"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// OutputDescriptor points at the produced artifact in the output root.
// RetentionDeadline is creation time plus the retention TTL; past it the
// reaper deletes the file and clears the descriptor from the job.
type OutputDescriptor struct {
	Filename          string    `json:"filename"`
	SizeBytes         int64     `json:"size_bytes"`
	ContentHash       string    `json:"content_hash"` // hex SHA-256
	CreatedAt         time.Time `json:"created_at"`
	RetentionDeadline time.Time `json:"retention_deadline"`
}

// Job is the durable record of one repackaging request. It is created by the
// controller, mutated only through the store's compare-and-set Update, and
// never deleted: once the record TTL lapses only a tombstone (id + status)
// remains readable.
type Job struct {
	ID       string `json:"task_id"`
	Origin   Origin `json:"origin"`
	Platform string `json:"platform,omitempty"`
	Suffix   string `json:"suffix"`

	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`

	Metadata *PluginMetadata   `json:"plugin_metadata,omitempty"`
	Output   *OutputDescriptor `json:"output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Tombstone marks a job whose full record has expired; only ID and
	// Status carry meaning.
	Tombstone bool `json:"tombstone,omitempty"`
}

// Patch is an additive update applied by Store.Update. Nil fields are left
// untouched on the stored job.
type Patch struct {
	Status    *Status
	Progress  *float64
	Stage     *string
	Message   *string
	Error     *string
	ErrorCode *ErrorCode
	Metadata  *PluginMetadata
	Output    *OutputDescriptor
}

// --- small pointer helpers used by patch builders ---

func StatusPtr(s Status) *Status          { return &s }
func Float64Ptr(f float64) *float64       { return &f }
func StringPtr(s string) *string          { return &s }
func ErrorCodePtr(c ErrorCode) *ErrorCode { return &c }
