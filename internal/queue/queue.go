// Package queue implements a small Redis job queue with BullMQ-style
// semantics: caller supplied job ids deduplicate, finished jobs are retained
// up to a per-job limit, and a job's state can be looked up by id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue names used by the service.
const (
	Campaign = "campaign"
	SMS      = "sms"
	Email    = "email"
)

// JobState is where a job currently sits.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateUnknown   JobState = "unknown"
)

// ErrJobNotFound is returned when a job hash no longer exists.
var ErrJobNotFound = errors.New("job not found")

// JobOptions controls id assignment and retention. KeepCompleted and
// KeepFailed bound how many finished jobs stay inspectable; zero keeps all.
type JobOptions struct {
	JobID         string
	KeepCompleted int
	KeepFailed    int
	MaxAttempts   int
}

// Job is a queued unit of work.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	FailedReason string          `json:"failedReason,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	ProcessedOn  int64           `json:"processedOn,omitempty"`
	FinishedOn   int64           `json:"finishedOn,omitempty"`

	seq           int64
	keepCompleted int
	keepFailed    int
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Client manages every named queue under one key prefix.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// New creates a queue client.
func New(rdb *redis.Client, prefix string, logger *zap.Logger) *Client {
	if prefix == "" {
		prefix = "bull"
	}
	return &Client{rdb: rdb, prefix: prefix, logger: logger}
}

func (c *Client) key(queue, part string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, queue, part)
}

func (c *Client) jobKey(queue, id string) string {
	return c.key(queue, "job:"+id)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// enqueueScript writes the job hash and pushes the id onto the wait list only
// when no job with that id exists, so a job id is never visible half written.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
	"id", ARGV[1],
	"name", ARGV[2],
	"data", ARGV[3],
	"seq", ARGV[4],
	"timestamp", ARGV[5],
	"attemptsMade", 0,
	"maxAttempts", ARGV[6],
	"keepCompleted", ARGV[7],
	"keepFailed", ARGV[8],
	"state", ARGV[9])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// Enqueue adds a job to queue. When opts.JobID names a job that still exists,
// that job is returned unchanged and nothing new is queued.
func (c *Client) Enqueue(ctx context.Context, queue, name string, data any, opts JobOptions) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal job data: %w", err)
	}

	seq, err := c.rdb.Incr(ctx, c.key(queue, "id")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis incr failed: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = strconv.FormatInt(seq, 10)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	job := &Job{
		ID:            id,
		Name:          name,
		Queue:         queue,
		Data:          payload,
		MaxAttempts:   opts.MaxAttempts,
		Timestamp:     nowMillis(),
		seq:           seq,
		keepCompleted: opts.KeepCompleted,
		keepFailed:    opts.KeepFailed,
	}

	created, err := enqueueScript.Run(ctx, c.rdb,
		[]string{c.jobKey(queue, id), c.key(queue, "wait")},
		id,
		job.Name,
		string(job.Data),
		job.seq,
		job.Timestamp,
		job.MaxAttempts,
		job.keepCompleted,
		job.keepFailed,
		string(StateWaiting),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if created == 0 {
		existing, err := c.GetJob(ctx, queue, id)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("job already queued",
			zap.String("queue", queue),
			zap.String("job_id", id),
		)
		return existing, nil
	}

	c.logger.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", id),
		zap.String("name", name),
	)

	return job, nil
}

// GetJob loads a job by id.
func (c *Client) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := c.rdb.HGetAll(ctx, c.jobKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 || fields["name"] == "" {
		return nil, ErrJobNotFound
	}
	return decodeJob(queue, fields), nil
}

func decodeJob(queue string, f map[string]string) *Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	atoi64 := func(k string) int64 {
		n, _ := strconv.ParseInt(f[k], 10, 64)
		return n
	}

	data := json.RawMessage(f["data"])
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	return &Job{
		ID:            f["id"],
		Name:          f["name"],
		Queue:         queue,
		Data:          data,
		AttemptsMade:  atoi("attemptsMade"),
		MaxAttempts:   atoi("maxAttempts"),
		FailedReason:  f["failedReason"],
		Timestamp:     atoi64("timestamp"),
		ProcessedOn:   atoi64("processedOn"),
		FinishedOn:    atoi64("finishedOn"),
		seq:           atoi64("seq"),
		keepCompleted: atoi("keepCompleted"),
		keepFailed:    atoi("keepFailed"),
	}
}

// GetJobState reports the state of a job, or StateUnknown when it has been
// removed or never existed.
func (c *Client) GetJobState(ctx context.Context, queue, id string) (JobState, error) {
	state, err := c.rdb.HGet(ctx, c.jobKey(queue, id), "state").Result()
	if err == redis.Nil {
		return StateUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis hget failed: %w", err)
	}
	return JobState(state), nil
}

// Counts returns job counts per state for queue.
func (c *Client) Counts(ctx context.Context, queue string) (*Counts, error) {
	pipe := c.rdb.Pipeline()
	waiting := pipe.LLen(ctx, c.key(queue, "wait"))
	active := pipe.LLen(ctx, c.key(queue, "active"))
	completed := pipe.ZCard(ctx, c.key(queue, "completed"))
	failed := pipe.ZCard(ctx, c.key(queue, "failed"))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	return &Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// GetJobs returns up to limit jobs across states, newest first.
func (c *Client) GetJobs(ctx context.Context, queue string, states []JobState, limit int) ([]*Job, error) {
	if limit <= 0 {
		return []*Job{}, nil
	}
	stop := int64(limit - 1)

	var ids []string
	for _, state := range states {
		var (
			batch []string
			err   error
		)
		switch state {
		case StateWaiting:
			batch, err = c.rdb.LRange(ctx, c.key(queue, "wait"), 0, stop).Result()
		case StateActive:
			batch, err = c.rdb.LRange(ctx, c.key(queue, "active"), 0, stop).Result()
		case StateCompleted:
			batch, err = c.rdb.ZRevRange(ctx, c.key(queue, "completed"), 0, stop).Result()
		case StateFailed:
			batch, err = c.rdb.ZRevRange(ctx, c.key(queue, "failed"), 0, stop).Result()
		default:
			return nil, fmt.Errorf("unsupported job state %q", state)
		}
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", state, err)
		}
		ids = append(ids, batch...)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.GetJob(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].seq > jobs[j].seq })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

// Next moves the oldest waiting job to active and returns it. It returns
// (nil, nil) when the queue is empty.
func (c *Client) Next(ctx context.Context, queue string) (*Job, error) {
	id, err := c.rdb.RPopLPush(ctx, c.key(queue, "wait"), c.key(queue, "active")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis rpoplpush failed: %w", err)
	}

	jobKey := c.jobKey(queue, id)
	processedOn := nowMillis()

	pipe := c.rdb.TxPipeline()
	attempts := pipe.HIncrBy(ctx, jobKey, "attemptsMade", 1)
	pipe.HSet(ctx, jobKey, "state", string(StateActive), "processedOn", processedOn)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}

	job, err := c.GetJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	job.AttemptsMade = int(attempts.Val())
	return job, nil
}

// Complete marks an active job completed and trims old completed jobs.
func (c *Client) Complete(ctx context.Context, job *Job) error {
	finishedOn := nowMillis()
	jobKey := c.jobKey(job.Queue, job.ID)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.key(job.Queue, "active"), 1, job.ID)
		pipe.HSet(ctx, jobKey, "state", string(StateCompleted), "finishedOn", finishedOn)
		pipe.ZAdd(ctx, c.key(job.Queue, "completed"), redis.Z{Score: float64(job.seq), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	job.FinishedOn = finishedOn

	return c.trim(ctx, job.Queue, "completed", job.keepCompleted)
}

// Fail records cause on an active job. The job goes back to waiting while
// attempts remain, otherwise it moves to failed.
func (c *Client) Fail(ctx context.Context, job *Job, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	jobKey := c.jobKey(job.Queue, job.ID)
	retry := job.AttemptsMade < job.MaxAttempts

	finishedOn := nowMillis()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.key(job.Queue, "active"), 1, job.ID)
		if retry {
			pipe.HSet(ctx, jobKey, "state", string(StateWaiting), "failedReason", reason)
			pipe.LPush(ctx, c.key(job.Queue, "wait"), job.ID)
			return nil
		}
		pipe.HSet(ctx, jobKey, "state", string(StateFailed), "failedReason", reason, "finishedOn", finishedOn)
		pipe.ZAdd(ctx, c.key(job.Queue, "failed"), redis.Z{Score: float64(job.seq), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	job.FailedReason = reason

	if retry {
		c.logger.Warn("job failed, retrying",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.String("reason", reason),
		)
		return nil
	}

	job.FinishedOn = finishedOn
	return c.trim(ctx, job.Queue, "failed", job.keepFailed)
}

// trim keeps the newest keep members of a finished set and deletes the rest.
func (c *Client) trim(ctx context.Context, queue, set string, keep int) error {
	if keep <= 0 {
		return nil
	}
	setKey := c.key(queue, set)

	size, err := c.rdb.ZCard(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("redis zcard failed: %w", err)
	}
	excess := size - int64(keep)
	if excess <= 0 {
		return nil
	}

	stale, err := c.rdb.ZRange(ctx, setKey, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("redis zrange failed: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	for _, id := range stale {
		pipe.Del(ctx, c.jobKey(queue, id))
		pipe.ZRem(ctx, setKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trim %s jobs: %w", set, err)
	}

	c.logger.Debug("trimmed finished jobs",
		zap.String("queue", queue),
		zap.String("set", set),
		zap.Int("removed", len(stale)),
	)

	return nil
}
