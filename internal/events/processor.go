package events

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/observability/alerting"
	"cronos-sentinel/internal/observability/metrics"
	"cronos-sentinel/internal/storage/mysql"
	"cronos-sentinel/pkg/logger"
)

// HistoryWriter 持久化历史记录，需对相同 ID 幂等。
type HistoryWriter interface {
	Save(ctx context.Context, record mysql.HistoryRecord) error
}

// Processor 负责从队列消费消息并写入结算历史。
type Processor struct {
	consumer    Consumer
	history     HistoryWriter
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(consumer Consumer, history HistoryWriter, opts ...ProcessorOption) *Processor {
	p := &Processor{
		consumer:    consumer,
		history:     history,
		workerCount: 1,
		logger:      logger.Named("events.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束或队列返回错误。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.history == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置队列消费者或历史仓库")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单条负载。无法解析的消息会被丢弃；写入失败返回可重试错误，由队列决定是否重投。
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	msg, err := Decode(payload)
	if err != nil {
		p.logger.Warn("丢弃无法解析的消息", slog.Any("error", err), slog.Int("bytes", len(payload)))
		metrics.ObserveEvent("invalid", err)
		return nil
	}

	record := ToRecord(msg)
	if err := p.history.Save(ctx, record); err != nil {
		wrapped := err
		if _, ok := xerrors.From(err); !ok {
			wrapped = xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算历史失败")
		}
		metrics.ObserveEvent(string(msg.Kind), wrapped)
		p.logger.Error("写入结算历史失败",
			slog.Any("error", wrapped),
			slog.String("message_id", msg.ID),
			slog.String("kind", string(msg.Kind)))
		p.emitAlert(ctx, record, wrapped)
		return wrapped
	}

	metrics.ObserveEvent(string(msg.Kind), nil)
	if msg.Kind == KindLedgerEvent {
		logger.Audit().Info("账本事件已记录",
			slog.String("kind", record.Status),
			slog.String("account", record.User),
			slog.String("amount", record.Amount),
			slog.String("tx_ref", record.TxRef),
			slog.Uint64("block", record.BlockNumber))
	}
	return nil
}

// ToRecord 将队列消息转换为历史记录。
func ToRecord(msg Message) mysql.HistoryRecord {
	switch msg.Kind {
	case KindOutcome:
		o := msg.Outcome
		occurred := o.CreatedAt
		if occurred.IsZero() {
			occurred = msg.PublishedAt
		}
		return mysql.HistoryRecord{
			ID:              msg.ID,
			Kind:            mysql.KindOutcome,
			JobID:           o.JobID,
			AgentID:         o.AgentID,
			User:            strings.ToLower(o.User),
			Status:          string(o.Status),
			RequestedAmount: o.RequestedAmount,
			ProposedLimit:   o.ProposedLimit,
			FinalLimit:      o.FinalLimit,
			Mode:            string(o.Mode),
			Reason:          o.Reason,
			ErrorCode:       o.ErrorCode,
			TxRef:           o.TxRef,
			OccurredAt:      unixOrNow(occurred),
		}
	default:
		e := msg.Ledger
		amount := ""
		if e.Amount != nil {
			amount = e.Amount.String()
		}
		occurred := e.ObservedAt
		if occurred.IsZero() {
			occurred = msg.PublishedAt
		}
		return mysql.HistoryRecord{
			ID:          msg.ID,
			Kind:        mysql.KindLedgerEvent,
			JobID:       e.JobID,
			User:        strings.ToLower(e.Account),
			Status:      string(e.Kind),
			Amount:      amount,
			TxRef:       e.TxRef,
			BlockNumber: e.BlockNumber,
			OccurredAt:  unixOrNow(occurred),
		}
	}
}

func unixOrNow(ts time.Time) int64 {
	if ts.IsZero() {
		return time.Now().Unix()
	}
	return ts.Unix()
}

func (p *Processor) emitAlert(ctx context.Context, record mysql.HistoryRecord, cause error) {
	if p.alerter == nil {
		return
	}
	event, ok := alerting.FromError(cause, "history.save", record.JobID)
	if !ok {
		return
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["record_id"] = record.ID
	event.Metadata["kind"] = string(record.Kind)
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("record_id", record.ID))
	}
}
