package jobs

import "time"

// EventKind classifies a progress event on a job topic.
type EventKind string

const (
	EventStatus    EventKind = "status"    // lifecycle/progress tick
	EventLog       EventKind = "log"       // free-form line, usually tool output
	EventHeartbeat EventKind = "heartbeat" // per-connection timer, never stored
	EventTerminal  EventKind = "terminal"  // final status with result or error
)

// Event is one tick on a job's topic. Sequence numbers are assigned by the
// event bus at publish time and are gap-free per job, starting at 1.
// Heartbeats are synthesized per subscription and carry Seq 0.
type Event struct {
	JobID string    `json:"task_id"`
	Seq   int64     `json:"seq,omitempty"`
	Kind  EventKind `json:"type"`
	TS    time.Time `json:"ts"`

	Status    Status    `json:"status,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`

	Metadata *PluginMetadata   `json:"plugin_metadata,omitempty"`
	Output   *OutputDescriptor `json:"output,omitempty"`
}

// Terminal reports whether the event ends its topic.
func (e Event) Terminal() bool { return e.Kind == EventTerminal }

// StatusEvent builds the bus payload for a job snapshot after an update.
// Terminal statuses produce a terminal event carrying the result or error.
func StatusEvent(j *Job) Event {
	kind := EventStatus
	if j.Status.Terminal() {
		kind = EventTerminal
	}
	return Event{
		JobID:     j.ID,
		Kind:      kind,
		TS:        j.UpdatedAt,
		Status:    j.Status,
		Progress:  j.Progress,
		Stage:     j.Stage,
		Message:   j.Message,
		Error:     j.Error,
		ErrorCode: j.ErrorCode,
		Metadata:  j.Metadata,
		Output:    j.Output,
	}
}

// LogEvent builds a free-form log line event, as emitted for subprocess
// output and retry notices.
func LogEvent(jobID, line string) Event {
	return Event{
		JobID:   jobID,
		Kind:    EventLog,
		TS:      time.Now().UTC(),
		Message: line,
	}
}
