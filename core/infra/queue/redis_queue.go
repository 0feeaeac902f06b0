// Package queue holds the Redis-backed named priority queues. Each queue is
// three lists (high, normal, low); entries are job ids.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/tenantgate/core/jobs"
)

const (
	keyPrefix           = "queue:"
	defaultBlockTimeout = time.Second
)

// Ref is a queue entry: a pointer to a job, never the job itself.
type Ref struct {
	JobID    string
	Queue    string
	Priority jobs.Priority
}

// Dispatcher is the queue contract used by submission and the worker pool.
type Dispatcher interface {
	Enqueue(ctx context.Context, ref Ref) error
	Dequeue(ctx context.Context, queues []string, block time.Duration) (Ref, bool, error)
	Remove(ctx context.Context, ref Ref) (bool, error)
	Depth(ctx context.Context, queue string) (map[jobs.Priority]int64, error)
}

// RedisQueue implements Dispatcher with LPUSH/BRPOP, so each list is FIFO and
// a pop hands an entry to exactly one consumer.
type RedisQueue struct {
	client redis.UniversalClient
}

var _ Dispatcher = (*RedisQueue)(nil)

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue appends the job id to the tail of the queue's priority list.
func (q *RedisQueue) Enqueue(ctx context.Context, ref Ref) error {
	if ref.JobID == "" || ref.Queue == "" {
		return errors.New("job id and queue required")
	}
	prio := ref.Priority
	if prio == "" {
		prio = jobs.PriorityNormal
	}
	if err := q.client.LPush(ctx, listKey(ref.Queue, prio), ref.JobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", ref.JobID, ref.Queue, err)
	}
	return nil
}

// Dequeue blocks up to block for the next entry. Keys are polled every high
// list first, then every normal list, then every low list, so priority is
// strict across all bound queues. ok is false on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, queues []string, block time.Duration) (Ref, bool, error) {
	if len(queues) == 0 {
		return Ref{}, false, errors.New("no queues to poll")
	}
	if block <= 0 {
		block = defaultBlockTimeout
	}
	keys := PollOrder(queues)
	res, err := q.client.BRPop(ctx, block, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return Ref{}, false, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	name, prio, err := parseListKey(res[0])
	if err != nil {
		return Ref{}, false, err
	}
	return Ref{JobID: res[1], Queue: name, Priority: prio}, true, nil
}

// Remove drops a not-yet-dequeued entry. It reports whether one was found.
func (q *RedisQueue) Remove(ctx context.Context, ref Ref) (bool, error) {
	prios := jobs.Priorities
	if ref.Priority != "" {
		prios = []jobs.Priority{ref.Priority}
	}
	removed := false
	for _, p := range prios {
		n, err := q.client.LRem(ctx, listKey(ref.Queue, p), 0, ref.JobID).Result()
		if err != nil {
			return removed, fmt.Errorf("remove %s from %s: %w", ref.JobID, ref.Queue, err)
		}
		removed = removed || n > 0
	}
	return removed, nil
}

// Depth returns the number of waiting entries per priority.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (map[jobs.Priority]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[jobs.Priority]*redis.IntCmd, len(jobs.Priorities))
	for _, p := range jobs.Priorities {
		cmds[p] = pipe.LLen(ctx, listKey(queue, p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("depth %s: %w", queue, err)
	}
	out := make(map[jobs.Priority]int64, len(cmds))
	for p, cmd := range cmds {
		out[p] = cmd.Val()
	}
	return out, nil
}

// PollOrder lists the keys BRPOP scans, highest priority first.
func PollOrder(queues []string) []string {
	keys := make([]string, 0, len(queues)*len(jobs.Priorities))
	for _, p := range jobs.Priorities {
		for _, name := range queues {
			keys = append(keys, listKey(name, p))
		}
	}
	return keys
}

func listKey(queue string, prio jobs.Priority) string {
	return keyPrefix + queue + ":" + string(prio)
}

func parseListKey(key string) (string, jobs.Priority, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	idx := strings.LastIndex(rest, ":")
	if !ok || idx <= 0 {
		return "", "", fmt.Errorf("unexpected queue key %q", key)
	}
	return rest[:idx], jobs.Priority(rest[idx+1:]), nil
}
