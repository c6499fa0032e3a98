package events

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "cronos-sentinel/internal/errors"
)

const (
	redisRetryBase = 200 * time.Millisecond
	redisRetryMax  = 10 * time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// redisList 是队列用到的 Redis list 命令子集。
type redisList interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// RedisQueue 使用 Redis list 实现队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client redisList
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 基于已有客户端创建队列。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if client == nil {
		return newRedisQueue(nil, queue, wait)
	}
	return newRedisQueue(client, queue, wait)
}

func newRedisQueue(client redisList, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "sentinel:events"
	}
	if wait <= 0 {
		wait = defaultRedisWait
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布消息失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取消息。
// 可重试的失败消息以 LPUSH 放回队列另一端，并按连续失败次数退避后再取下一条。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			errCh <- q.work(ctx, handler)
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取消息失败")
		}
		if len(values) != 2 {
			continue
		}
		payload := []byte(values[1])
		handlerErr := handler(ctx, payload)
		if handlerErr == nil || !xerrors.RetryableError(handlerErr) {
			failures = 0
			continue
		}
		failures++
		if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil && ctx.Err() == nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 重新入队失败")
		}
		if err := sleepContext(ctx, retryDelay(failures)); err != nil {
			return err
		}
	}
}

// retryDelay 返回第 n 次连续失败后的退避时长。
func retryDelay(failures int) time.Duration {
	delay := redisRetryBase
	for i := 1; i < failures && delay < redisRetryMax; i++ {
		delay *= 2
	}
	if delay > redisRetryMax {
		delay = redisRetryMax
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
