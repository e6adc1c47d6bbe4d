package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusDownloading.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		// Forward ladder.
		{StatusPending, StatusDownloading, true},
		{StatusDownloading, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},

		// No stage skipping.
		{StatusPending, StatusProcessing, false},
		{StatusPending, StatusCompleted, false},
		{StatusDownloading, StatusCompleted, false},

		// Self-transitions carry progress ticks.
		{StatusPending, StatusPending, true},
		{StatusDownloading, StatusDownloading, true},
		{StatusProcessing, StatusProcessing, true},

		// Any non-terminal status may fail or be cancelled.
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusCancelled, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},

		// Retry moves a running job back to pending.
		{StatusDownloading, StatusPending, true},
		{StatusProcessing, StatusPending, true},

		// No backward moves besides retry.
		{StatusProcessing, StatusDownloading, false},

		// Terminal statuses are absorbing, even onto themselves.
		{StatusCompleted, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusFailed, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransitionTo(tt.to)
		assert.Equal(t, tt.ok, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusEvent_KindFollowsStatus(t *testing.T) {
	running := &Job{ID: "t1", Status: StatusProcessing, Progress: 42.5, Stage: StageResolve}
	ev := StatusEvent(running)
	assert.Equal(t, EventStatus, ev.Kind)
	assert.False(t, ev.Terminal())
	assert.Equal(t, "t1", ev.JobID)
	assert.Equal(t, 42.5, ev.Progress)

	done := &Job{ID: "t2", Status: StatusCompleted, Progress: 100}
	ev = StatusEvent(done)
	assert.Equal(t, EventTerminal, ev.Kind)
	assert.True(t, ev.Terminal())

	failed := &Job{ID: "t3", Status: StatusFailed, Error: "boom", ErrorCode: CodeFetchFailed}
	ev = StatusEvent(failed)
	assert.Equal(t, EventTerminal, ev.Kind)
	assert.Equal(t, "boom", ev.Error)
	assert.Equal(t, CodeFetchFailed, ev.ErrorCode)
}

func TestLogEvent(t *testing.T) {
	ev := LogEvent("t1", "Collecting requests")
	assert.Equal(t, EventLog, ev.Kind)
	assert.Equal(t, "t1", ev.JobID)
	assert.Equal(t, "Collecting requests", ev.Message)
	assert.False(t, ev.Terminal())
	assert.False(t, ev.TS.IsZero())
}
