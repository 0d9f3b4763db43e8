package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/SirClappington/prodq/internal/domain"
)

type repeatDef struct {
	ID      string          `json:"id"`
	Pattern string          `json:"pattern"`
	TZ      string          `json:"tz,omitempty"`
	Data    domain.JobInput `json:"data"`
	Opts    Options         `json:"opts"`
	Next    int64           `json:"next"`
}

// ParseRepeat validates a recurrence and returns its schedule.
func ParseRepeat(rep Repeat) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if rep.Timezone != "" {
		l, err := time.LoadLocation(rep.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: timezone %q", ErrBadRepeat, rep.Timezone)
		}
		loc = l
	}
	sched, err := cron.ParseStandard(rep.Pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadRepeat, err)
	}
	return sched, loc, nil
}

func (q *RedisQ) addRepeat(ctx context.Context, in domain.JobInput, opts Options) error {
	sched, loc, err := ParseRepeat(*opts.Repeat)
	if err != nil {
		return err
	}
	def := repeatDef{
		ID:      opts.JobID,
		Pattern: opts.Repeat.Pattern,
		TZ:      opts.Repeat.Timezone,
		Data:    in,
		Opts:    opts,
		Next:    millis(sched.Next(q.now().In(loc))),
	}
	def.Opts.Repeat = nil
	def.Opts.Delay = 0
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, q.key("repeat"), def.ID, raw).Err()
}

// RemoveRepeat drops a recurrence. Occurrences already queued are unaffected.
func (q *RedisQ) RemoveRepeat(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.HDel(ctx, q.key("repeat"), id).Result()
	return n > 0, err
}

// ScheduleRepeats enqueues one occurrence of every recurrence that is due at
// now and advances its next run. Occurrence ids are <repeatID>:<unixMillis>,
// so a repeated call for the same slot does not enqueue twice.
func (q *RedisQ) ScheduleRepeats(ctx context.Context, now time.Time) (int, error) {
	all, err := q.rdb.HGetAll(ctx, q.key("repeat")).Result()
	if err != nil {
		return 0, err
	}
	added := 0
	for id, raw := range all {
		var def repeatDef
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return added, fmt.Errorf("decode repeat %s: %w", id, err)
		}
		if def.Next > millis(now) {
			continue
		}
		sched, loc, err := ParseRepeat(Repeat{Pattern: def.Pattern, Timezone: def.TZ})
		if err != nil {
			return added, err
		}

		opts := def.Opts
		opts.JobID = def.ID + ":" + strconv.FormatInt(def.Next, 10)
		opts.RepeatID = def.ID
		if _, err := q.Add(ctx, def.Data, opts); err != nil {
			return added, err
		}
		added++

		def.Next = millis(sched.Next(now.In(loc)))
		next, err := json.Marshal(def)
		if err != nil {
			return added, err
		}
		if err := q.rdb.HSet(ctx, q.key("repeat"), id, next).Err(); err != nil {
			return added, err
		}
	}
	return added, nil
}
