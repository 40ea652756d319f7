package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on top of Redis.
//
// Tasks live in a sorted set scored by their NotBefore time in Unix
// milliseconds, rounded up:
//
//	<prefix>tasks  ZSET  member = "<seq>|<json task>"
//	<prefix>seq    STRING counter
//
// The zero-padded sequence keeps FIFO order among tasks with equal scores.
// A task is claimed by whoever removes its member first.
type RedisQueue struct {
	client       *redis.Client
	key          string
	seqKey       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "promptflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "promptflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		seqKey:       prefix + "seq",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue adds a task to the sorted set (ZADD).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return fmt.Errorf("redis queue sequence: %w", err)
	}
	member := fmt.Sprintf("%020d|%s", seq, data)
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(ceilMillis(t.NotBefore)), Member: member}).Err()
}

// ceilMillis rounds up so a task never becomes eligible early.
func ceilMillis(t time.Time) int64 {
	return (t.UnixNano() + int64(time.Millisecond) - 1) / int64(time.Millisecond)
}

// Dequeue polls for the earliest eligible task until one is claimed or ctx
// is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		if len(members) == 1 {
			removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
			if err != nil {
				return nil, err
			}
			if removed == 1 {
				_, doc, ok := strings.Cut(members[0], "|")
				if !ok {
					slog.Warn("queue_member_malformed", slog.String("queue", "redis"), slog.String("member", members[0]))
					continue
				}
				return DecodeTask([]byte(doc))
			}
			// Another consumer won the race; look again right away.
			continue
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		slog.Warn("queue_len_failed", slog.String("queue", "redis"), slog.Any("error", err))
		return 0
	}
	return int(n)
}
