package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

const (
	jobKeyPrefix = "repack:job:"
	tombSuffix   = ":tomb"
	recentIndex  = "repack:jobs:recent"
	doneIndex    = "repack:jobs:completed"

	// indexMax bounds the recency/completed ZSETs; entries beyond it are
	// the oldest and fall off on insert.
	indexMax = 1000

	// tombFactor stretches the tombstone TTL relative to the record TTL,
	// so id+status remain readable well after the full record expired.
	tombFactor = 7

	// casAttempts bounds the optimistic-transaction retry loop.
	casAttempts = 5
)

// tombstone is the residue of an expired job record.
type tombstone struct {
	ID     string      `json:"task_id"`
	Status jobs.Status `json:"status"`
}

type redisStore struct {
	rdb *redis.Client
	pub Publisher
	ttl time.Duration
	log *zap.Logger
}

// New returns a Store backed by the given Redis client. Records live for
// ttl; tombstones several times longer. Every successful mutation is
// published to pub before the call returns.
func New(rdb *redis.Client, pub Publisher, ttl time.Duration, logger *zap.Logger) Store {
	return &redisStore{rdb: rdb, pub: pub, ttl: ttl, log: logger}
}

func jobKey(id string) string  { return jobKeyPrefix + id }
func tombKey(id string) string { return jobKeyPrefix + id + tombSuffix }

// Create inserts a new pending job and publishes its first status event.
func (s *redisStore) Create(ctx context.Context, origin jobs.Origin, platform, suffix string, meta *jobs.PluginMetadata) (*jobs.Job, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if suffix == "" {
		suffix = jobs.DefaultSuffix
	}

	now := time.Now().UTC()
	job := &jobs.Job{
		ID:        uuid.NewString(),
		Origin:    origin,
		Platform:  platform,
		Suffix:    suffix,
		Status:    jobs.StatusPending,
		Progress:  0,
		Stage:     jobs.StageQueued,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal: %w", err)
	}
	tomb, _ := json.Marshal(tombstone{ID: job.ID, Status: job.Status})

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), raw, s.ttl)
		pipe.Set(ctx, tombKey(job.ID), tomb, tombFactor*s.ttl)
		pipe.ZAdd(ctx, recentIndex, redis.Z{Score: float64(now.UnixNano()), Member: job.ID})
		pipe.ZRemRangeByRank(ctx, recentIndex, 0, -(indexMax + 1))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: create: %w", err)
	}

	s.publish(ctx, job)
	return job, nil
}

// Get returns the live record, falling back to the tombstone.
func (s *redisStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == nil {
		var job jobs.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("jobs: decode %s: %w", id, err)
		}
		return &job, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}

	raw, err = s.rdb.Get(ctx, tombKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get tombstone %s: %w", id, err)
	}
	var t tombstone
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("jobs: decode tombstone %s: %w", id, err)
	}
	return &jobs.Job{ID: t.ID, Status: t.Status, Tombstone: true}, nil
}

// Update applies patch under WATCH-based compare-and-set.
func (s *redisStore) Update(ctx context.Context, id string, patch jobs.Patch) (*jobs.Job, error) {
	var updated *jobs.Job

	apply := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, jobKey(id)).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("jobs: get %s: %w", id, err)
		}
		var job jobs.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("jobs: decode %s: %w", id, err)
		}

		if job.Status.Terminal() {
			return ErrInvalidState
		}
		if patch.Status != nil && !job.Status.CanTransitionTo(*patch.Status) {
			return ErrInvalidState
		}
		if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
			return fmt.Errorf("jobs: progress %v out of range", *patch.Progress)
		}

		now := time.Now().UTC()
		applyPatch(&job, patch)
		job.UpdatedAt = now
		if job.Status.Terminal() && job.CompletedAt == nil {
			job.CompletedAt = &now
		}

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("jobs: marshal: %w", err)
		}
		tomb, _ := json.Marshal(tombstone{ID: job.ID, Status: job.Status})

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), out, redis.KeepTTL)
			pipe.Set(ctx, tombKey(id), tomb, tombFactor*s.ttl)
			if job.Status == jobs.StatusCompleted {
				pipe.ZAdd(ctx, doneIndex, redis.Z{Score: float64(now.UnixNano()), Member: job.ID})
				pipe.ZRemRangeByRank(ctx, doneIndex, 0, -(indexMax + 1))
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &job
		return nil
	}

	for i := 0; i < casAttempts; i++ {
		err := s.rdb.Watch(ctx, apply, jobKey(id))
		if err == redis.TxFailedErr {
			continue // lost the race, reload and retry
		}
		if err != nil {
			return nil, err
		}
		s.publish(ctx, updated)
		return updated, nil
	}
	return nil, fmt.Errorf("jobs: update %s: too many concurrent writers", id)
}

// Cancel is an Update to cancelled with the store's own error mapping kept
// intact: terminal jobs yield ErrInvalidState, missing jobs ErrNotFound.
func (s *redisStore) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	return s.Update(ctx, id, jobs.Patch{
		Status:  jobs.StatusPtr(jobs.StatusCancelled),
		Message: jobs.StringPtr("cancelled by client"),
	})
}

// ClearOutput strips the output descriptor after the artifact was reaped.
// Unlike Update it is legal on terminal jobs and publishes nothing.
func (s *redisStore) ClearOutput(ctx context.Context, id string) error {
	apply := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, jobKey(id)).Bytes()
		if err == redis.Nil {
			return nil // record already expired; tombstone carries no output
		}
		if err != nil {
			return fmt.Errorf("jobs: get %s: %w", id, err)
		}
		var job jobs.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("jobs: decode %s: %w", id, err)
		}
		if job.Output == nil {
			return nil
		}
		job.Output = nil
		job.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("jobs: marshal: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), out, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < casAttempts; i++ {
		err := s.rdb.Watch(ctx, apply, jobKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("jobs: clear output %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("jobs: clear output %s: too many concurrent writers", id)
}

// ListRecent walks the creation-time index newest first.
func (s *redisStore) ListRecent(ctx context.Context, limit int) ([]jobs.Job, error) {
	return s.listIndex(ctx, recentIndex, limit)
}

// ListCompleted walks the completion-time index newest first.
func (s *redisStore) ListCompleted(ctx context.Context, limit int) ([]jobs.Job, error) {
	return s.listIndex(ctx, doneIndex, limit)
}

func (s *redisStore) listIndex(ctx context.Context, index string, limit int) ([]jobs.Job, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	ids, err := s.rdb.ZRevRange(ctx, index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: list %s: %w", index, err)
	}
	out := make([]jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Both record and tombstone expired; drop the index entry.
			s.rdb.ZRem(ctx, index, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

// applyPatch copies the set fields of patch onto job. Additive: nil fields
// preserve current values.
func applyPatch(job *jobs.Job, patch jobs.Patch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Stage != nil {
		job.Stage = *patch.Stage
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.ErrorCode != nil {
		job.ErrorCode = *patch.ErrorCode
	}
	if patch.Metadata != nil {
		job.Metadata = patch.Metadata
	}
	if patch.Output != nil {
		job.Output = patch.Output
	}
}

func (s *redisStore) publish(ctx context.Context, job *jobs.Job) {
	if s.pub == nil || job == nil {
		return
	}
	if err := s.pub.Publish(ctx, jobs.StatusEvent(job)); err != nil {
		s.log.Warn("publish job event",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}
