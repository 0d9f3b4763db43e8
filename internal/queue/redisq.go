package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/prodq/internal/domain"
)

const (
	defaultAttempts   = 3
	defaultBackoff    = 5 * time.Second
	finishedRetention = 7 * 24 * time.Hour
	prioritySpan      = 1e12
	markerCap         = 1000
)

// RedisQ keeps job ids in Redis sorted sets and per-job payloads in hashes:
//
//	<p>:wait       zset  score = priority*1e12 + seq
//	<p>:delayed    zset  score = run-at unix millis
//	<p>:active     set
//	<p>:completed  zset  score = finished unix millis
//	<p>:failed     zset  score = finished unix millis
//	<p>:job:<id>   hash  data, opts, state, attempts, progress, ...
//	<p>:repeat     hash  repeat id -> definition
//	<p>:marker     list  wake-up tokens for blocked consumers
type RedisQ struct {
	rdb      *r.Client
	prefix   string
	defaults Options
	now      func() time.Time
}

type Option func(*RedisQ)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option { return func(q *RedisQ) { q.prefix = p } }

// WithDefaults sets the attempts and backoff used when Add leaves them zero.
func WithDefaults(attempts int, backoff time.Duration) Option {
	return func(q *RedisQ) { q.defaults.Attempts, q.defaults.Backoff = attempts, backoff }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(q *RedisQ) { q.now = now } }

func New(rdb *r.Client, opts ...Option) *RedisQ {
	q := &RedisQ{
		rdb:      rdb,
		prefix:   "prodq",
		defaults: Options{Attempts: defaultAttempts, Backoff: defaultBackoff},
		now:      time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQ) key(name string) string { return q.prefix + ":" + name }

func (q *RedisQ) jobKey(id string) string { return q.prefix + ":job:" + id }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Add enqueues a job, or registers a recurrence when opts.Repeat is set. It
// returns the job id (the recurrence id for repeats). Adding an id that is
// already queued is a no-op.
func (q *RedisQ) Add(ctx context.Context, in domain.JobInput, opts Options) (string, error) {
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = q.defaults.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.defaults.Backoff
	}
	opts.Priority = min(max(opts.Priority, 0), MaxPriority)
	if opts.Repeat != nil {
		return opts.JobID, q.addRepeat(ctx, in, opts)
	}

	data, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}

	id := opts.JobID
	created, err := q.rdb.HSetNX(ctx, q.jobKey(id), "data", data).Result()
	if err != nil {
		return "", fmt.Errorf("add job %s: %w", id, err)
	}
	if !created {
		return id, nil
	}

	now := q.now()
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}
	var score float64
	if state == StateWaiting {
		if score, err = q.waitScore(ctx, opts.Priority); err != nil {
			return "", fmt.Errorf("add job %s: %w", id, err)
		}
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"opts", rawOpts,
		"state", string(state),
		"attempts", 0,
		"progress", 0,
		"createdAt", millis(now),
	)
	if state == StateDelayed {
		pipe.ZAdd(ctx, q.key("delayed"), r.Z{Score: float64(millis(now.Add(opts.Delay))), Member: id})
	} else {
		pipe.ZAdd(ctx, q.key("wait"), r.Z{Score: score, Member: id})
		pipe.LPush(ctx, q.key("marker"), 1)
		pipe.LTrim(ctx, q.key("marker"), 0, markerCap-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("add job %s: %w", id, err)
	}
	return id, nil
}

// waitScore orders the wait set by priority, then FIFO within a priority.
func (q *RedisQ) waitScore(ctx context.Context, priority int) (float64, error) {
	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return 0, err
	}
	return float64(priority)*prioritySpan + float64(seq%int64(prioritySpan)), nil
}

// Dequeue waits up to block for the next waiting job. It returns nil, nil when
// nothing arrived in time. The claimed job is already in the active set, so a
// consumer that dies after this point is recovered by RequeueStalled.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (*Job, error) {
	deadline := time.Now().Add(block)
	for {
		id, err := claimScript.Run(ctx, q.rdb,
			[]string{q.key("wait"), q.key("active")},
			q.prefix+":job:", millis(q.now())).Text()
		switch {
		case err == nil:
			fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
			if err != nil {
				return nil, err
			}
			return decodeJob(id, fields)
		case !errors.Is(err, r.Nil):
			return nil, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		// blocking commands take whole seconds
		wait = (wait + time.Second - 1).Truncate(time.Second)
		err = q.rdb.BLPop(ctx, wait, q.key("marker")).Err()
		if errors.Is(err, r.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Complete records a successful run.
func (q *RedisQ) Complete(ctx context.Context, id string, output any) error {
	rv, err := json.Marshal(output)
	if err != nil {
		return err
	}
	now := q.now()
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), id)
	pipe.HSet(ctx, q.jobKey(id),
		"state", string(StateCompleted),
		"returnvalue", rv,
		"finishedOn", millis(now),
	)
	pipe.Expire(ctx, q.jobKey(id), finishedRetention)
	pipe.ZAdd(ctx, q.key("completed"), r.Z{Score: float64(millis(now)), Member: id})
	pipe.ZRemRangeByScore(ctx, q.key("completed"), "-inf", strconv.FormatInt(millis(now.Add(-finishedRetention)), 10))
	_, err = pipe.Exec(ctx)
	return err
}

// Fail records a failed run. While attempts remain and cause is not
// Unrecoverable, the job is re-delayed with exponential backoff. It reports
// whether another attempt was scheduled.
func (q *RedisQ) Fail(ctx context.Context, id string, cause error) (bool, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, ErrJobNotFound
	}
	j, err := decodeJob(id, fields)
	if err != nil {
		return false, err
	}

	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), id)

	retry := !IsUnrecoverable(cause) && j.Attempts < j.Opts.Attempts
	if retry {
		wait := time.Duration(float64(j.Opts.Backoff) * math.Pow(2, float64(max(j.Attempts-1, 0))))
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateDelayed), "failedReason", msg)
		pipe.ZAdd(ctx, q.key("delayed"), r.Z{Score: float64(millis(now.Add(wait))), Member: id})
	} else {
		pipe.HSet(ctx, q.jobKey(id),
			"state", string(StateFailed),
			"failedReason", msg,
			"finishedOn", millis(now),
		)
		pipe.Expire(ctx, q.jobKey(id), finishedRetention)
		pipe.ZAdd(ctx, q.key("failed"), r.Z{Score: float64(millis(now)), Member: id})
	}
	_, err = pipe.Exec(ctx)
	return retry, err
}

// UpdateProgress stores a 0-100 progress value for an active job.
func (q *RedisQ) UpdateProgress(ctx context.Context, id string, pct int) error {
	return q.rdb.HSet(ctx, q.jobKey(id), "progress", min(max(pct, 0), 100)).Err()
}

// Get returns the status view of a job.
func (q *RedisQ) Get(ctx context.Context, id string) (*JobInfo, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["state"] == "" {
		return nil, ErrJobNotFound
	}
	j, err := decodeJob(id, fields)
	if err != nil {
		return nil, err
	}
	info := &JobInfo{
		ID:           id,
		State:        State(fields["state"]),
		Data:         j.Data,
		Attempts:     j.Attempts,
		FailedReason: fields["failedReason"],
	}
	info.Progress, _ = strconv.Atoi(fields["progress"])
	if rv := fields["returnvalue"]; rv != "" {
		_ = json.Unmarshal([]byte(rv), &info.ReturnValue)
	}
	info.ProcessedOn = optMillis(fields["processedOn"])
	info.FinishedOn = optMillis(fields["finishedOn"])
	return info, nil
}

// Remove deletes a job that has not started yet. It reports false when the job
// is not waiting or delayed.
func (q *RedisQ) Remove(ctx context.Context, id string) (bool, error) {
	pipe := q.rdb.TxPipeline()
	w := pipe.ZRem(ctx, q.key("wait"), id)
	d := pipe.ZRem(ctx, q.key("delayed"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if w.Val()+d.Val() == 0 {
		return false, nil
	}
	return true, q.rdb.Del(ctx, q.jobKey(id)).Err()
}

// Stats counts jobs per state.
func (q *RedisQ) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.ZCard(ctx, q.key("wait"))
	active := pipe.SCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	s := Stats{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	return s, nil
}

// MoveDue promotes delayed jobs whose run-at has passed to the wait set.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(millis(now), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		raw, err := q.rdb.HGet(ctx, q.jobKey(id), "opts").Result()
		if err != nil && !errors.Is(err, r.Nil) {
			return moved, err
		}
		var o Options
		_ = json.Unmarshal([]byte(raw), &o)
		score, err := q.waitScore(ctx, o.Priority)
		if err != nil {
			return moved, err
		}
		n, err := promoteScript.Run(ctx, q.rdb,
			[]string{q.key("delayed"), q.key("wait"), q.key("marker"), q.jobKey(id)},
			id, strconv.FormatFloat(score, 'f', -1, 64)).Int()
		if err != nil {
			return moved, err
		}
		moved += n
	}
	return moved, nil
}

// ErrStalled is the failure recorded for jobs whose consumer vanished.
var ErrStalled = errors.New("job stalled: consumer stopped before finishing")

// RequeueStalled fails active jobs that started before cutoff, which re-delays
// them while attempts remain.
func (q *RedisQ) RequeueStalled(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := q.rdb.SMembers(ctx, q.key("active")).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		raw, err := q.rdb.HGet(ctx, q.jobKey(id), "processedOn").Result()
		if errors.Is(err, r.Nil) {
			q.rdb.SRem(ctx, q.key("active"), id)
			continue
		}
		if err != nil {
			return n, err
		}
		started, _ := strconv.ParseInt(raw, 10, 64)
		if started >= millis(cutoff) {
			continue
		}
		if _, err := q.Fail(ctx, id, ErrStalled); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func decodeJob(id string, fields map[string]string) (*Job, error) {
	j := &Job{ID: id}
	if err := json.Unmarshal([]byte(fields["data"]), &j.Data); err != nil {
		return nil, fmt.Errorf("decode job %s data: %w", id, err)
	}
	if raw := fields["opts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Opts); err != nil {
			return nil, fmt.Errorf("decode job %s opts: %w", id, err)
		}
	}
	j.Attempts, _ = strconv.Atoi(fields["attempts"])
	return j, nil
}

func optMillis(s string) *time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	t := fromMillis(ms)
	return &t
}
