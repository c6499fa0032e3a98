package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	JobID      string            `json:"job_id,omitempty"`
	Operation  string            `json:"operation,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromError 当错误需要告警时构造告警事件。
func FromError(err error, operation, jobID string) (Event, bool) {
	e, ok := xerrors.From(err)
	if !ok || !e.ShouldAlert() {
		return Event{}, false
	}
	md := make(map[string]string, len(e.Metadata()))
	for k, v := range e.Metadata() {
		md[k] = fmt.Sprint(v)
	}
	return Event{
		Code:       e.Code(),
		Message:    err.Error(),
		Severity:   e.Severity(),
		JobID:      jobID,
		Operation:  operation,
		Metadata:   md,
		OccurredAt: time.Now().UTC(),
	}, true
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("job_id", event.JobID),
		slog.String("operation", event.Operation),
		slog.String("message", event.Message),
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String("md."+k, event.Metadata[k]))
	}
	logger.Audit().Warn("告警", attrs...)
	return nil
}
