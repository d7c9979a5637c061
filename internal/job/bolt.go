package job

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	jobsBucket    = "jobs"
	pendingBucket = "jobs_pending"
)

// BoltStore implements Store using BoltDB. A pending index keyed by creation
// time keeps claims oldest first without scanning every job.
type BoltStore struct {
	db    *bbolt.DB
	clock Clock
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string, clock Clock) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{jobsBucket, pendingBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db, clock: clockOrDefault(clock)}, nil
}

// Create saves a new pending job
func (b *BoltStore) Create(ctx context.Context, job *Job) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		if jobs.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return putJob(tx, job, nil)
	})
}

// Get retrieves a job by ID
func (b *BoltStore) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns the owner's jobs newest first
func (b *BoltStore) List(ctx context.Context, ownerID string, status Status, limit int) ([]*Job, error) {
	jobs := make([]*Job, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshaling job: %w", err)
			}
			if job.OwnerID != ownerID || (status != "" && job.Status != status) {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ClaimNextBatch reads candidates from the pending index, then claims each in
// its own transaction after re-checking that it is still pending.
func (b *BoltStore) ClaimNextBatch(ctx context.Context, n int) ([]*Job, error) {
	if n <= 0 {
		return nil, nil
	}

	var candidates []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(pendingBucket)).Cursor()
		for k, v := c.First(); k != nil && len(candidates) < n; k, v = c.Next() {
			candidates = append(candidates, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading pending jobs: %w", err)
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}

		var job *Job
		err := b.db.Update(func(tx *bbolt.Tx) error {
			current, err := getJob(tx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			previous := *current
			if !claimJob(current, b.clock.Now()) {
				return nil
			}
			job = current
			return putJob(tx, current, &previous)
		})
		if err != nil {
			return claimed, fmt.Errorf("claiming job %s: %w", id, err)
		}
		if job != nil {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// Complete marks a job completed with result
func (b *BoltStore) Complete(ctx context.Context, id string, result Result) (*Job, error) {
	return b.update(id, func(j *Job) (bool, error) {
		if err := completeJob(j, result, b.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
}

// FailOrRetry records a failed attempt
func (b *BoltStore) FailOrRetry(ctx context.Context, id, message string, maxAttempts int) (*Job, error) {
	return b.update(id, func(j *Job) (bool, error) {
		return failJob(j, message, maxAttempts, b.clock.Now()), nil
	})
}

// Cancel marks the owner's job cancelled
func (b *BoltStore) Cancel(ctx context.Context, id, ownerID string) (*Job, error) {
	var before *Job
	_, err := b.update(id, func(j *Job) (bool, error) {
		snapshot := *j
		before = &snapshot
		if err := cancelJob(j, ownerID, b.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return before, nil
}

// DeleteFinishedBefore removes old completed or failed jobs
func (b *BoltStore) DeleteFinishedBefore(ctx context.Context, status Status, cutoff time.Time) (int, error) {
	if err := validRetentionStatus(status); err != nil {
		return 0, err
	}

	deleted := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		var expired [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshaling job: %w", err)
			}
			if job.Status == status && job.finishedAt().Before(cutoff) {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := jobs.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting %s jobs: %w", status, err)
	}
	return deleted, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// update applies fn to the stored job inside one transaction and saves it if fn reports a change.
func (b *BoltStore) update(id string, fn func(*Job) (bool, error)) (*Job, error) {
	var job *Job
	err := b.db.Update(func(tx *bbolt.Tx) error {
		current, err := getJob(tx, id)
		if err != nil {
			return err
		}
		previous := *current
		changed, err := fn(current)
		if err != nil {
			return err
		}
		job = current
		if !changed {
			return nil
		}
		return putJob(tx, current, &previous)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func getJob(tx *bbolt.Tx, id string) (*Job, error) {
	data := tx.Bucket([]byte(jobsBucket)).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &job, nil
}

// putJob writes job and keeps the pending index in step with its status.
func putJob(tx *bbolt.Tx, job *Job, previous *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := tx.Bucket([]byte(jobsBucket)).Put([]byte(job.ID), data); err != nil {
		return err
	}

	pending := tx.Bucket([]byte(pendingBucket))
	wasPending := previous != nil && previous.Status == StatusPending
	switch {
	case job.Status == StatusPending && !wasPending:
		return pending.Put(pendingKey(job), []byte(job.ID))
	case job.Status != StatusPending && wasPending:
		return pending.Delete(pendingKey(job))
	}
	return nil
}

func pendingKey(job *Job) []byte {
	key := make([]byte, 8, 8+len(job.ID))
	binary.BigEndian.PutUint64(key, uint64(job.CreatedAt.UnixNano()))
	return append(key, job.ID...)
}
