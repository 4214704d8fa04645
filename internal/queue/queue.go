// Package queue is the durable job transport. Queues are addressed by name
// and are independent of each other: a backlog on one never blocks another's
// consumers.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one durable unit of work. Payload stays opaque here; handlers decode
// it.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, queueName string, job Job) error
	Consume(ctx context.Context, queueName string) (<-chan Job, error)
}

// RedisQueue stores jobs in Redis lists, one list per queue name, using
// LPUSH/BRPOP semantics.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue builds a Redis-backed queue. Keys are prefix:name.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "classtrack:jobs"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

// Publish enqueues a job.
func (q *RedisQueue) Publish(ctx context.Context, queueName string, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key(queueName), raw).Err()
}

// Consume streams jobs from one named list using BRPOP. Jobs that fail to
// decode are dropped; a malformed envelope can never be executed anyway.
func (q *RedisQueue) Consume(ctx context.Context, queueName string) (<-chan Job, error) {
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key(queueName)).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(res[1]), &job); err == nil {
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
