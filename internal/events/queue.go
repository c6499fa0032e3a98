package events

import (
	"context"
	"strings"
	"time"

	xerrors "cronos-sentinel/internal/errors"
)

// Handler 处理一条队列负载。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// QueueConfig 选择队列驱动及其连接参数。
type QueueConfig struct {
	Driver   string
	Buffer   int
	Redis    RedisQueueConfig
	RabbitMQ RabbitMQConfig
}

// NewQueue 根据驱动名构造队列，默认使用内存队列。
func NewQueue(ctx context.Context, cfg QueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq", "amqp":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的队列驱动", xerrors.WithMetadata("driver", cfg.Driver))
	}
}

const defaultRedisWait = 5 * time.Second
