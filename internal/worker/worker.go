// Package worker runs task breakdowns asynchronously: jobs are queued on a
// redis list, picked up by a single loop, run through the analyzer and
// their results stored back under the job key for polling.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/taskpilot/internal/analyzer"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type Job struct {
	ID          string                    `json:"id"`
	UserID      string                    `json:"user_id"`
	Model       string                    `json:"model"`
	Description string                    `json:"description"`
	CallbackURL string                    `json:"callback_url,omitempty"`
	Status      JobStatus                 `json:"status"`
	Result      *analyzer.BreakdownResult `json:"result,omitempty"`
	Error       string                    `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

var ErrJobNotFound = errors.New("job not found")

type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Process(ctx context.Context) // runs the worker loop until ctx is cancelled
}

const (
	queueKey = "taskpilot:jobs"
	jobTTL   = 24 * time.Hour
)

type RedisQueue struct {
	rdb      *redis.Client
	analyzer *analyzer.Analyzer
	logger   zerolog.Logger
}

func NewRedisQueue(rdb *redis.Client, a *analyzer.Analyzer, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:      rdb,
		analyzer: a,
		logger:   logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.CreatedAt = time.Now()

	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, queueKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// Process blocks on the queue and runs jobs one at a time until ctx is
// cancelled.
func (q *RedisQueue) Process(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := q.rdb.BRPop(ctx, 5*time.Second, queueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error().Err(err).Msg("job queue poll failed")
			time.Sleep(time.Second)
			continue
		}

		jobID := res[1]
		job, err := q.Get(ctx, jobID)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", jobID).Msg("dequeued unknown job")
			continue
		}

		q.run(ctx, job)
	}
}

func (q *RedisQueue) run(ctx context.Context, job *Job) {
	job.Status = JobStatusRunning
	_ = q.save(ctx, job)

	result, err := q.analyzer.Breakdown(ctx, job.UserID, job.Model, job.Description)
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = JobStatusDone
		job.Result = result
	}

	if serr := q.save(ctx, job); serr != nil {
		q.logger.Error().Err(serr).Str("job_id", job.ID).Msg("failed to save job result")
	}

	if job.CallbackURL != "" {
		q.notify(ctx, job)
	}
}

func (q *RedisQueue) notify(ctx context.Context, job *Job) {
	body, err := json.Marshal(job)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("invalid callback url")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job callback failed")
		return
	}
	resp.Body.Close()
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.Set(ctx, jobKey(job.ID), data, jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func jobKey(jobID string) string {
	return fmt.Sprintf("taskpilot:job:%s", jobID)
}
