package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/speakpair/speakpair-server/internal/domain"
)

const (
	readyKey   = "speakpair:analysis:ready"
	delayedKey = "speakpair:analysis:delayed"

	promoteInterval = time.Second
	popTimeout      = time.Second
)

// RedisQueue is a Redis-backed Queue. Ready jobs live on a list; delayed
// jobs sit in a sorted set scored by their eligibility time and are promoted
// onto the list by a background goroutine.
type RedisQueue struct {
	client *redis.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis connects to Redis and starts the delayed-job promoter.
func NewRedis(addr, password string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	ctx, stop := context.WithCancel(context.Background())
	q := &RedisQueue{
		client: client,
		cancel: stop,
		done:   make(chan struct{}),
	}
	go q.promoteLoop(ctx)
	return q, nil
}

// Enqueue makes a job available immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, job domain.AnalysisJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal analysis job: %w", err)
	}
	if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("push analysis job: %w", err)
	}
	return nil
}

// EnqueueAfter parks a job in the delayed set until its eligibility time.
func (q *RedisQueue) EnqueueAfter(ctx context.Context, job domain.AnalysisJob, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	job.NextEligibleAt = time.Now().Add(delay)
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal analysis job: %w", err)
	}
	err = q.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(job.NextEligibleAt.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("park delayed analysis job: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (domain.AnalysisJob, error) {
	for {
		res, err := q.client.BRPop(ctx, popTimeout, readyKey).Result()
		if errors.Is(err, redis.Nil) {
			// Timed out with an empty list; re-check ctx and try again.
			if ctx.Err() != nil {
				return domain.AnalysisJob{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.AnalysisJob{}, ctx.Err()
			}
			return domain.AnalysisJob{}, fmt.Errorf("pop analysis job: %w", err)
		}

		var job domain.AnalysisJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			// A corrupt payload cannot be processed; drop it rather than
			// poison the queue.
			slog.Error("dropping undecodable analysis job", "payload", res[1], "error", err)
			continue
		}
		return job, nil
	}
}

// promoteLoop moves due delayed jobs onto the ready list.
func (q *RedisQueue) promoteLoop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("failed to promote delayed analysis jobs", "error", err)
			}
		}
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("range delayed jobs: %w", err)
	}

	for _, member := range due {
		// ZRem first so concurrent promoters never double-deliver.
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("remove delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, member).Err(); err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
	}
	return nil
}

// Close stops the promoter and closes the Redis connection.
func (q *RedisQueue) Close() error {
	q.cancel()
	<-q.done
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
