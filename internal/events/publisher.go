package events

import (
	"context"
	"log/slog"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/internal/settlement"
	"cronos-sentinel/pkg/logger"
)

// Publisher 将结算结果与账本事件编码后投递到队列。
type Publisher struct {
	producer Producer
	logger   *slog.Logger
}

// NewPublisher 创建 Publisher。
func NewPublisher(producer Producer) *Publisher {
	return &Publisher{producer: producer, logger: logger.Named("events.publisher")}
}

// PublishOutcome 实现 settlement.OutcomeSink。
func (p *Publisher) PublishOutcome(ctx context.Context, outcome settlement.Outcome) error {
	return p.publish(ctx, NewOutcomeMessage(outcome))
}

// PublishLedgerEvent 投递一条账本事件。
func (p *Publisher) PublishLedgerEvent(ctx context.Context, evt ledger.Event) error {
	return p.publish(ctx, NewLedgerMessage(evt))
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	if p == nil || p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置队列生产者")
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递队列消息失败",
			xerrors.WithMetadata("message_id", msg.ID),
			xerrors.WithMetadata("kind", string(msg.Kind)))
	}
	p.logger.Debug("消息已投递", slog.String("message_id", msg.ID), slog.String("kind", string(msg.Kind)))
	return nil
}

var _ settlement.OutcomeSink = (*Publisher)(nil)
