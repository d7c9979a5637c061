package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds how often an update is retried after losing an optimistic lock.
const maxWatchRetries = 5

var errSkip = errors.New("skip")

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisConfig configures the Redis job store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore implements Store on Redis. Each job is a JSON string; sorted sets
// index pending jobs by creation time, jobs per owner and finished jobs by
// processed time. Claims and updates use WATCH/MULTI on the job key.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  Clock
}

// NewRedisStore connects to Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig, clock Clock) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "receipt-intake:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix, clock: clockOrDefault(clock)}, nil
}

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	key := s.jobKey(job.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, job, nil)
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.read(ctx, s.client, id)
}

func (s *RedisStore) List(ctx context.Context, ownerID string, status Status, limit int) ([]*Job, error) {
	ids, err := s.client.ZRevRange(ctx, s.ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*Job, 0)
	if len(ids) == 0 {
		return jobs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("unmarshaling job: %w", err)
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, &job)
		if limit > 0 && len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

// ClaimNextBatch watches each candidate's key; if another client claims it
// between the read and EXEC the transaction fails and the job is skipped.
func (s *RedisStore) ClaimNextBatch(ctx context.Context, n int) ([]*Job, error) {
	if n <= 0 {
		return nil, nil
	}

	candidates, err := s.client.ZRange(ctx, s.pendingKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, id := range candidates {
		var job *Job
		key := s.jobKey(id)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.read(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				tx.ZRem(ctx, s.pendingKey(), id)
				return errSkip
			}
			if err != nil {
				return err
			}
			previous := *current
			if !claimJob(current, s.clock.Now()) {
				return errSkip
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.write(ctx, pipe, current, &previous)
			})
			if err != nil {
				return err
			}
			job = current
			return nil
		}, key)
		switch {
		case errors.Is(err, errSkip), errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return claimed, fmt.Errorf("claim job %s: %w", id, err)
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *RedisStore) Complete(ctx context.Context, id string, result Result) (*Job, error) {
	return s.update(ctx, id, func(j *Job) (bool, error) {
		if err := completeJob(j, result, s.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *RedisStore) FailOrRetry(ctx context.Context, id, message string, maxAttempts int) (*Job, error) {
	return s.update(ctx, id, func(j *Job) (bool, error) {
		return failJob(j, message, maxAttempts, s.clock.Now()), nil
	})
}

func (s *RedisStore) Cancel(ctx context.Context, id, ownerID string) (*Job, error) {
	var before *Job
	_, err := s.update(ctx, id, func(j *Job) (bool, error) {
		snapshot := *j
		before = &snapshot
		if err := cancelJob(j, ownerID, s.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return before, nil
}

func (s *RedisStore) DeleteFinishedBefore(ctx context.Context, status Status, cutoff time.Time) (int, error) {
	if err := validRetentionStatus(status); err != nil {
		return 0, err
	}

	ids, err := s.client.ZRangeByScore(ctx, s.finishedKey(status), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("select %s jobs: %w", status, err)
	}

	deleted := 0
	for _, id := range ids {
		key := s.jobKey(id)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := s.read(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				tx.ZRem(ctx, s.finishedKey(status), id)
				return errSkip
			}
			if err != nil {
				return err
			}
			if job.Status != status || !job.finishedAt().Before(cutoff) {
				return errSkip
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, s.ownerKey(job.OwnerID), id)
				pipe.ZRem(ctx, s.finishedKey(status), id)
				return nil
			})
			return err
		}, key)
		switch {
		case errors.Is(err, errSkip), errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return deleted, fmt.Errorf("delete job %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// update retries fn under WATCH until it commits or the job changes too often.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*Job) (bool, error)) (*Job, error) {
	key := s.jobKey(id)
	for i := 0; i < maxWatchRetries; i++ {
		var job *Job
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.read(ctx, tx, id)
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
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.write(ctx, pipe, current, &previous)
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, fmt.Errorf("updating job %s: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) read(ctx context.Context, c getter, id string) (*Job, error) {
	data, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &job, nil
}

// write queues the job and its index updates on pipe.
func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, job *Job, previous *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	pipe.Set(ctx, s.jobKey(job.ID), data, 0)

	if previous == nil {
		pipe.ZAdd(ctx, s.ownerKey(job.OwnerID), redis.Z{Score: float64(job.CreatedAt.UnixMicro()), Member: job.ID})
	}

	wasPending := previous != nil && previous.Status == StatusPending
	switch {
	case job.Status == StatusPending && !wasPending:
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(job.CreatedAt.UnixMicro()), Member: job.ID})
	case job.Status != StatusPending && wasPending:
		pipe.ZRem(ctx, s.pendingKey(), job.ID)
	}

	if previous != nil && previous.Status != job.Status && finished(previous.Status) {
		pipe.ZRem(ctx, s.finishedKey(previous.Status), job.ID)
	}
	if finished(job.Status) {
		pipe.ZAdd(ctx, s.finishedKey(job.Status), redis.Z{Score: float64(job.finishedAt().UnixMicro()), Member: job.ID})
	}
	return nil
}

func finished(status Status) bool {
	return status == StatusCompleted || status == StatusFailed
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *RedisStore) pendingKey() string {
	return s.prefix + "jobs:pending"
}

func (s *RedisStore) ownerKey(owner string) string {
	return s.prefix + "jobs:owner:" + owner
}

func (s *RedisStore) finishedKey(status Status) string {
	return s.prefix + "jobs:" + string(status)
}
