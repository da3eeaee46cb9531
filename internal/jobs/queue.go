package jobs

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job names understood by the worker.
const (
	JobRateioProcess = "rateio:process"
)

// Handler processes one job payload. Returning an error leaves the job
// scheduled for redelivery on the next poll (at-least-once).
type Handler func(ctx context.Context, payload []byte) error

// Queue is the enqueue side used by the coordinators.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload interface{}, delay time.Duration) error
}

type envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// RedisQueue keeps deferred jobs on a sorted set scored by due time. A job
// due in the past is simply due now.
type RedisQueue struct {
	rdb      *redis.Client
	key      string
	log      *zap.SugaredLogger
	handlers map[string]Handler
}

// NewRedisQueue constructs the queue over rdb.
func NewRedisQueue(rdb *redis.Client, logger *zap.SugaredLogger) *RedisQueue {
	return &RedisQueue{
		rdb:      rdb,
		key:      "jobs:scheduled",
		log:      logger,
		handlers: make(map[string]Handler),
	}
}

// Enqueue schedules a job delay from now; zero or negative delay means due
// immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload interface{}, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := envelope{ID: uuid.NewString(), Name: name, Payload: body, EnqueuedAt: time.Now()}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay)
	return q.rdb.ZAdd(ctx, q.key, &redis.Z{
		Score:  float64(due.Unix()),
		Member: string(raw),
	}).Err()
}

// Register binds a handler to a job name. Register before the worker starts
// polling; there is no locking around the handler table.
func (q *RedisQueue) Register(name string, h Handler) {
	q.handlers[name] = h
}

// RunDue dispatches every job whose due time has passed. Jobs are removed
// only after their handler succeeds, so a crash mid-dispatch redelivers.
func (q *RedisQueue) RunDue(ctx context.Context) error {
	max := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var env envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			q.log.Warnw("dropping undecodable job", "err", err)
			if err := q.rdb.ZRem(ctx, q.key, m).Err(); err != nil {
				q.log.Warnw("removing dropped job", "err", err)
			}
			continue
		}
		h, ok := q.handlers[env.Name]
		if !ok {
			q.log.Warnw("no handler for job", "name", env.Name, "id", env.ID)
			if err := q.rdb.ZRem(ctx, q.key, m).Err(); err != nil {
				q.log.Warnw("removing dropped job", "id", env.ID, "err", err)
			}
			continue
		}
		if err := h(ctx, env.Payload); err != nil {
			q.log.Errorw("job failed, leaving for redelivery", "name", env.Name, "id", env.ID, "err", err)
			continue
		}
		if err := q.rdb.ZRem(ctx, q.key, m).Err(); err != nil {
			q.log.Warnw("removing finished job", "id", env.ID, "err", err)
		}
	}
	return nil
}
