// Package jobstore persists repackaging jobs in a single-node Redis and
// drives the job state machine. All mutation goes through Update, which is a
// compare-and-set on the stored record: concurrent writers race on the
// optimistic transaction, never on partial field writes.
package jobstore

import (
	"context"
	"errors"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// ErrNotFound is returned when no record (not even a tombstone) exists for
// the requested job id. Callers should check with errors.Is to distinguish
// missing jobs from storage failures.
var ErrNotFound = errors.New("job not found")

// ErrInvalidState is returned when an update requests an illegal status
// transition, including any write against a terminal job.
var ErrInvalidState = errors.New("illegal job state transition")

// MaxListLimit caps ListRecent/ListCompleted result sizes.
const MaxListLimit = 100

// Publisher receives one event per successful Create/Update, before the
// store call returns. The event bus implements it.
type Publisher interface {
	Publish(ctx context.Context, event jobs.Event) error
}

// Store is the durable job record API.
type Store interface {
	// Create validates the origin, allocates an id and inserts the job
	// with status pending, progress 0 and stage queued.
	Create(ctx context.Context, origin jobs.Origin, platform, suffix string, meta *jobs.PluginMetadata) (*jobs.Job, error)

	// Get returns the current snapshot, a tombstone if only the id and
	// final status survived record expiry, or ErrNotFound.
	Get(ctx context.Context, id string) (*jobs.Job, error)

	// Update applies an additive patch under compare-and-set and returns
	// the resulting snapshot. Status changes are validated against the
	// state machine; ErrInvalidState rejects illegal transitions and any
	// patch against a terminal job.
	Update(ctx context.Context, id string, patch jobs.Patch) (*jobs.Job, error)

	// ListRecent returns up to limit jobs by creation time, newest first.
	ListRecent(ctx context.Context, limit int) ([]jobs.Job, error)

	// ListCompleted returns up to limit completed jobs by completion
	// time, newest first.
	ListCompleted(ctx context.Context, limit int) ([]jobs.Job, error)

	// Cancel moves a non-terminal job to cancelled. The caller is
	// responsible for signalling the owning worker afterwards.
	Cancel(ctx context.Context, id string) (*jobs.Job, error)

	// ClearOutput removes the output descriptor without a status
	// transition. Reaper-only; no event is published. Missing jobs are a
	// no-op.
	ClearOutput(ctx context.Context, id string) error
}
