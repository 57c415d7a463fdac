package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fitpipe/internal/infra"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys; defaults to "fitpipe:queue".
	Prefix string
	Options
}

// envelope gives every enqueued message a unique list member.
type envelope struct {
	ID  string  `json:"id"`
	Msg Message `json:"msg"`
}

// reapScript moves expired leases from the processing list back to the head
// of the pending list.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, member in ipairs(expired) do
  redis.call('ZREM', KEYS[2], member)
  redis.call('LREM', KEYS[1], 1, member)
  redis.call('RPUSH', KEYS[3], member)
end
return #expired
`)

// ackScript only removes the member while the caller still owns the lease.
var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('LREM', KEYS[1], 1, ARGV[1])
  return 1
end
return 0
`)

// RedisQueue keeps pending messages in a list, moves claimed ones to a
// processing list and tracks their visibility deadline in a sorted set.
type RedisQueue struct {
	rdb    *redis.Client
	opts   Options
	logger infra.Logger

	pendingKey    string
	processingKey string
	leasesKey     string
	attemptsKey   string
}

func NewRedisQueue(ctx context.Context, opts RedisOptions, logger infra.Logger) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}
	return newRedisQueue(rdb, opts, logger), nil
}

func newRedisQueue(rdb *redis.Client, opts RedisOptions, logger infra.Logger) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "fitpipe:queue"
	}
	return &RedisQueue{
		rdb:           rdb,
		opts:          opts.Options.withDefaults(),
		logger:        logger,
		pendingKey:    prefix + ":pending",
		processingKey: prefix + ":processing",
		leasesKey:     prefix + ":leases",
		attemptsKey:   prefix + ":attempts",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	member, err := json.Marshal(envelope{ID: uuid.NewString(), Msg: msg})
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.pendingKey, member).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n, err := q.Reap(ctx); err != nil {
			q.logger.Warn().Err(err).Msg("queue: redis reap failed")
		} else if n > 0 {
			q.logger.Info().Int64("count", n).Msg("queue: requeued expired leases")
		}

		member, err := q.rdb.BLMove(ctx, q.pendingKey, q.processingKey, "RIGHT", "LEFT", q.opts.PollInterval).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			q.logger.Error().Err(err).Msg("queue: redis claim failed")
			if err := wait(ctx, nil, nil, q.opts.PollInterval); err != nil {
				return nil, err
			}
			continue
		}
		d, err := q.lease(ctx, member)
		if err != nil {
			q.logger.Error().Err(err).Msg("queue: redis lease failed")
			continue
		}
		return d, nil
	}
}

func (q *RedisQueue) lease(ctx context.Context, member string) (*Delivery, error) {
	deadline := time.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	var attempts *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.leasesKey, redis.Z{Score: float64(deadline), Member: member})
		attempts = pipe.HIncrBy(ctx, q.attemptsKey, member, 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		q.remove(ctx, member)
		return nil, fmt.Errorf("queue: decode message: %w", err)
	}
	score := strconv.FormatInt(deadline, 10)
	return &Delivery{
		Message: env.Msg,
		Attempt: int(attempts.Val()),
		ack: func(ctx context.Context) error {
			keys := []string{q.processingKey, q.leasesKey}
			removed, err := ackScript.Run(ctx, q.rdb, keys, member, score).Int()
			if err != nil {
				return fmt.Errorf("queue: ack %s: %w", env.Msg.JobID, err)
			}
			if removed == 1 {
				q.rdb.HDel(ctx, q.attemptsKey, member)
			}
			return nil
		},
	}, nil
}

func (q *RedisQueue) remove(ctx context.Context, member string) {
	_, _ = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, member)
		pipe.ZRem(ctx, q.leasesKey, member)
		pipe.HDel(ctx, q.attemptsKey, member)
		return nil
	})
}

// Reap returns expired leases to the pending list and reports how many moved.
func (q *RedisQueue) Reap(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	keys := []string{q.processingKey, q.leasesKey, q.pendingKey}
	return reapScript.Run(ctx, q.rdb, keys, now).Int64()
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

var _ Queue = (*RedisQueue)(nil)
