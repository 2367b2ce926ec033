package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
)

var (
	ErrDuplicateJob = errors.New("job with the same id is already queued")
	ErrJobNotFound  = errors.New("job not found")
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff decides how long a failed job waits before its next attempt.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the wait before the attempt following the given one (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay * time.Duration(1<<shift)
}

// JobOptions override the queue defaults for a single job.
type JobOptions struct {
	// JobID makes the enqueue idempotent while the job is live.
	JobID    string
	Delay    time.Duration
	Attempts int
	Backoff  *Backoff
}

type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Data, v)
}

// FinalAttempt reports whether a failure now would exhaust the job.
func (j *Job) FinalAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Stalled reports whether the job came back from an expired lease with no
// attempts left. Handlers get one call to record the outcome; the job fails
// whatever they return.
func (j *Job) Stalled() bool {
	return j.Attempts > j.MaxAttempts
}

type QueueConfig struct {
	Name              string
	DefaultAttempts   int
	Backoff           Backoff
	KeepCompleted     int64
	KeepFailed        int64
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ReclaimBatch      int64
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// FinishedJob is a retained record of a completed or failed job.
type FinishedJob struct {
	StreamID   string
	JobID      string
	Name       string
	Attempts   int
	Error      string
	FinishedAt time.Time
}

type Queue struct {
	adapter redis.RedisAdapter
	config  QueueConfig
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	workers []*consumer
}

// NewQueue creates a named job queue stored in redis.
func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("redis adapter is required")
	}
	if config.DefaultAttempts <= 0 {
		config.DefaultAttempts = 1
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ReclaimBatch <= 0 {
		config.ReclaimBatch = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) key(part string) string {
	return q.config.Name + ":" + part
}

// keys: jobs hash, wait zset. argv: id, record, score.
const addScriptSource = `
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`

var addScript = redis.NewScript(addScriptSource)

// keys: wait zset, active zset, jobs hash. argv: now ms, lease deadline ms.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local raw = redis.call('HGET', KEYS[3], id)
if not raw then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
return raw
`)

// keys: active zset, wait zset. argv: now ms, limit.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`)

// newJob builds a job eligible at now+opts.Delay.
func (q *Queue) newJob(name string, data interface{}, opts JobOptions, now time.Time) (*Job, float64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal job data: %w", err)
	}

	job := &Job{
		ID:          opts.JobID,
		Name:        name,
		Data:        payload,
		MaxAttempts: q.config.DefaultAttempts,
		Backoff:     q.config.Backoff,
		EnqueuedAt:  now.UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if opts.Attempts > 0 {
		job.MaxAttempts = opts.Attempts
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}

	return job, score(now.Add(opts.Delay)), nil
}

// Enqueue adds a job. A job whose JobID is still live is not added again
// and ErrDuplicateJob is returned together with the id.
func (q *Queue) Enqueue(ctx context.Context, name string, data interface{}, opts JobOptions) (string, error) {
	job, at, err := q.newJob(name, data, opts, time.Now())
	if err != nil {
		return "", err
	}
	record, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	added, err := q.adapter.Eval(ctx, addScript, []string{q.key("jobs"), q.key("wait")}, job.ID, record, at)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	if n, _ := added.(int64); n == 0 {
		return job.ID, ErrDuplicateJob
	}
	return job.ID, nil
}

type BulkJob struct {
	Name    string
	Data    interface{}
	Options JobOptions
}

// EnqueueBulk adds jobs in one MULTI round trip. It returns the ids that
// were actually added; duplicates are skipped.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []BulkJob) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	built := make([]*Job, len(jobs))
	records := make([][]byte, len(jobs))
	scores := make([]float64, len(jobs))
	// one base time so relative delays survive as exact score offsets
	now := time.Now()
	for i, bj := range jobs {
		job, at, err := q.newJob(bj.Name, bj.Data, bj.Options, now)
		if err != nil {
			return nil, err
		}
		record, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		built[i], records[i], scores[i] = job, record, at
	}

	keys := []string{q.adapter.Key(q.key("jobs")), q.adapter.Key(q.key("wait"))}
	cmds, err := q.adapter.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, job := range built {
			pipe.Eval(ctx, addScriptSource, keys, job.ID, records[i], scores[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue jobs: %w", err)
	}

	added := make([]string, 0, len(built))
	for i, cmd := range cmds {
		c, ok := cmd.(*goredis.Cmd)
		if !ok {
			continue
		}
		if n, _ := c.Int64(); n == 1 {
			added = append(added, built[i].ID)
		}
	}
	return added, nil
}

// Get returns a live job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.adapter.HGet(ctx, q.key("jobs"), id)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	return &job, nil
}

// claim leases the next eligible job and counts the attempt. It returns nil
// when nothing is eligible.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	res, err := q.adapter.Eval(ctx, claimScript,
		[]string{q.key("wait"), q.key("active"), q.key("jobs")},
		score(now), score(now.Add(q.config.VisibilityTimeout)))
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, nil
		}
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("corrupt job record: %w", err)
	}
	job.Attempts++
	if err := q.save(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.adapter.HSet(ctx, q.key("jobs"), job.ID, record)
}

// complete removes the job and keeps a trimmed record of it.
func (q *Queue) complete(ctx context.Context, job *Job) error {
	return q.finish(ctx, job, "completed", q.config.KeepCompleted, "")
}

// fail either schedules the next attempt or moves the job to the failed log.
// It reports whether the job was retried.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) (bool, error) {
	msg := cause.Error()
	if IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		return false, q.finish(ctx, job, "failed", q.config.KeepFailed, msg)
	}

	job.LastError = msg
	record, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	next := score(time.Now().Add(job.Backoff.Next(job.Attempts)))
	_, err = q.adapter.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.adapter.Key(q.key("jobs")), job.ID, record)
		pipe.ZRem(ctx, q.adapter.Key(q.key("active")), job.ID)
		pipe.ZAdd(ctx, q.adapter.Key(q.key("wait")), redis.Z{Score: next, Member: job.ID})
		return nil
	})
	return true, err
}

func (q *Queue) finish(ctx context.Context, job *Job, log string, keep int64, errMsg string) error {
	values := map[string]interface{}{
		"id":         job.ID,
		"name":       job.Name,
		"attempts":   job.Attempts,
		"finishedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		values["error"] = errMsg
	}

	_, err := q.adapter.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.adapter.Key(q.key("active")), job.ID)
		pipe.HDel(ctx, q.adapter.Key(q.key("jobs")), job.ID)
		args := &goredis.XAddArgs{Stream: q.adapter.Key(q.key(log)), ID: "*", Values: values}
		if keep > 0 {
			args.MaxLen = keep
		}
		pipe.XAdd(ctx, args)
		return nil
	})
	if err != nil {
		return err
	}
	if keep == 0 {
		return q.adapter.Del(ctx, q.key(log))
	}
	return nil
}

// reclaim returns jobs whose lease expired to the wait set.
func (q *Queue) reclaim(ctx context.Context) ([]string, error) {
	res, err := q.adapter.Eval(ctx, reclaimScript,
		[]string{q.key("active"), q.key("wait")},
		score(time.Now()), q.config.ReclaimBatch)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, nil
		}
		return nil, err
	}
	items, _ := res.([]interface{})
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			ids = append(ids, s)
		}
	}
	if len(ids) > 0 {
		logger.Warn("reclaimed stalled jobs", "queue", q.config.Name, "count", len(ids))
	}
	return ids, nil
}

// GetStats reports job counts per state.
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	now := strconv.FormatFloat(score(time.Now()), 'f', 0, 64)

	waiting, err := q.adapter.ZCount(ctx, q.key("wait"), "-inf", now)
	if err != nil {
		return nil, err
	}
	delayed, err := q.adapter.ZCount(ctx, q.key("wait"), "("+now, "+inf")
	if err != nil {
		return nil, err
	}
	active, err := q.adapter.ZCard(ctx, q.key("active"))
	if err != nil {
		return nil, err
	}
	completed, err := q.adapter.XLen(ctx, q.key("completed"))
	if err != nil {
		return nil, err
	}
	failed, err := q.adapter.XLen(ctx, q.key("failed"))
	if err != nil {
		return nil, err
	}

	return &QueueStats{
		Waiting:   waiting,
		Delayed:   delayed,
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}, nil
}

// RecentFailures returns up to n failed jobs, newest first.
func (q *Queue) RecentFailures(ctx context.Context, n int64) ([]FinishedJob, error) {
	msgs, err := q.adapter.XRevRange(ctx, q.key("failed"), n)
	if err != nil {
		return nil, err
	}
	out := make([]FinishedJob, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toFinishedJob(m))
	}
	return out, nil
}

func toFinishedJob(m redis.StreamMessage) FinishedJob {
	f := FinishedJob{StreamID: m.ID}
	for k, v := range m.Values {
		s, _ := v.(string)
		switch k {
		case "id":
			f.JobID = s
		case "name":
			f.Name = s
		case "error":
			f.Error = s
		case "attempts":
			f.Attempts, _ = strconv.Atoi(s)
		case "finishedAt":
			f.FinishedAt, _ = time.Parse(time.RFC3339Nano, s)
		}
	}
	return f
}

// Stop halts every consumer and waits for in-flight jobs.
func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		workers := q.workers
		q.mu.Unlock()
		for _, w := range workers {
			w.stop()
		}
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue %s to stop", q.config.Name)
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

