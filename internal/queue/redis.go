// Package queue hands rows to downstream consumers through a Redis list.
// Producers LPUSH, consumers lease with BRPOPLPUSH into a processing list and
// acknowledge by removing the leased entry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/record"
)

type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	leaseTTL time.Duration
}

// Item is one queued row.
type Item struct {
	RunID   string     `json:"run_id"`
	TS      int64      `json:"ts"`
	Attempt int        `json:"attempt"`
	Row     record.Row `json:"row"`
}

// NewRedis connects and pings; it fails when Redis is unreachable.
func NewRedis(addr, key string, lease time.Duration) (*RedisQueue, error) {
	q := Dial(addr, key, lease)
	if err := q.Ping(context.Background()); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("redis queue %s: %w", addr, err)
	}
	return q, nil
}

// Dial returns a queue without contacting Redis.
func Dial(addr, key string, lease time.Duration) *RedisQueue {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), key, lease)
}

// NewWithClient wraps an existing client. lease bounds how long Lease blocks
// waiting for an item; zero means five seconds.
func NewWithClient(cli *redis.Client, key string, lease time.Duration) *RedisQueue {
	if lease <= 0 {
		lease = 5 * time.Second
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", leaseTTL: lease}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.cli.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.cli.Close()
}

// Push queues rows in order in one round trip.
func (q *RedisQueue) Push(ctx context.Context, runID string, rows record.ResultSet) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().Unix()
	payloads := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		b, err := json.Marshal(Item{RunID: runID, TS: now, Row: row})
		if err != nil {
			return 0, fmt.Errorf("encode row: %w", err)
		}
		payloads = append(payloads, string(b))
	}
	_, err := q.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, pl := range payloads {
			p.LPush(ctx, q.queueKey, pl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("push rows: %w", err)
	}
	metrics.QueuePushed.Add(float64(len(payloads)))
	return len(payloads), nil
}

// Lease moves the oldest item to the processing list and returns it with an
// ack func. A nil item with a nil error means the queue stayed empty for the
// lease window.
func (q *RedisQueue) Lease(ctx context.Context) (*Item, func() error, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, q.leaseTTL).Result()
	if errors.Is(err, redis.Nil) {
		return nil, func() error { return nil }, nil
	}
	if err != nil {
		return nil, func() error { return err }, err
	}
	var it Item
	if err := json.Unmarshal([]byte(res), &it); err != nil {
		// poison entry: drop it from processing so it is not recovered forever
		_ = q.cli.LRem(ctx, q.procKey, 1, res).Err()
		return nil, func() error { return nil }, fmt.Errorf("decode queued row: %w", err)
	}
	ack := func() error {
		return q.cli.LRem(ctx, q.procKey, 1, res).Err()
	}
	return &it, ack, nil
}

// Recover moves every unacknowledged item back onto the queue, e.g. after a
// consumer crashed mid-lease.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.cli.RPopLPush(ctx, q.procKey, q.queueKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.LLen(ctx, q.queueKey).Result()
}
