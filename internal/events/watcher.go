package events

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/internal/observability/alerting"
	"cronos-sentinel/internal/observability/metrics"
	"cronos-sentinel/pkg/logger"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultMaxRange     = 2_000
)

// LedgerPublisher 接收监听到的账本事件。
type LedgerPublisher interface {
	PublishLedgerEvent(ctx context.Context, evt ledger.Event) error
}

// CursorStore 保存监听器处理到的最后一个区块。
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (uint64, bool, error)
	SaveCursor(ctx context.Context, name string, block uint64) error
}

// Watcher 按区块区间轮询账本事件并投递到队列。
type Watcher struct {
	source        ledger.EventSource
	publisher     LedgerPublisher
	cursors       CursorStore
	name          string
	interval      time.Duration
	confirmations uint64
	maxRange      uint64
	startBlock    *uint64
	alerter       alerting.Dispatcher
	logger        *slog.Logger

	mu      sync.Mutex
	next    uint64
	started bool
}

// WatcherOption 定义 Watcher 的可选配置。
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔。
func WithPollInterval(interval time.Duration) WatcherOption {
	return func(w *Watcher) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithConfirmations 设置事件被视为最终的确认块数。
func WithConfirmations(n uint64) WatcherOption {
	return func(w *Watcher) {
		w.confirmations = n
	}
}

// WithMaxRange 限制单次查询的区块跨度。
func WithMaxRange(n uint64) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.maxRange = n
		}
	}
}

// WithStartBlock 在没有游标时从指定区块开始扫描；未设置时只关注新区块。
func WithStartBlock(block uint64) WatcherOption {
	return func(w *Watcher) {
		w.startBlock = &block
	}
}

// WithCursorStore 持久化扫描进度。
func WithCursorStore(store CursorStore) WatcherOption {
	return func(w *Watcher) {
		w.cursors = store
	}
}

// WithWatcherName 设置游标名称。
func WithWatcherName(name string) WatcherOption {
	return func(w *Watcher) {
		if name != "" {
			w.name = name
		}
	}
}

// WithWatcherAlerts 配置告警派发器。
func WithWatcherAlerts(dispatcher alerting.Dispatcher) WatcherOption {
	return func(w *Watcher) {
		w.alerter = dispatcher
	}
}

// NewWatcher 创建事件监听器。
func NewWatcher(source ledger.EventSource, publisher LedgerPublisher, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		source:    source,
		publisher: publisher,
		name:      "ledger",
		interval:  defaultPollInterval,
		maxRange:  defaultMaxRange,
		logger:    logger.Named("events.watcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run 周期性轮询直到 ctx 结束。单次失败只记录并告警，不会终止循环。
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("轮询账本事件失败", slog.Any("error", err))
			w.emitAlert(ctx, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll 扫描下一段已确认的区块，返回投递的事件数。
// 游标只在整段事件全部投递成功后前移。
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	latest, err := w.source.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if latest < w.confirmations {
		return 0, nil
	}
	safe := latest - w.confirmations

	if !w.started {
		if err := w.init(ctx, safe); err != nil {
			return 0, err
		}
	}
	if w.next > safe {
		return 0, nil
	}

	to := safe
	if span := to - w.next + 1; span > w.maxRange {
		to = w.next + w.maxRange - 1
	}

	events, err := w.source.Events(ctx, w.next, to)
	if err != nil {
		return 0, err
	}
	for _, evt := range events {
		pubErr := w.publisher.PublishLedgerEvent(ctx, evt)
		metrics.ObserveEvent(string(evt.Kind), pubErr)
		if pubErr != nil {
			return 0, pubErr
		}
	}

	if w.cursors != nil {
		if err := w.cursors.SaveCursor(ctx, w.name, to); err != nil {
			return 0, err
		}
	}
	w.logger.Debug("账本事件扫描完成",
		slog.Uint64("from", w.next),
		slog.Uint64("to", to),
		slog.Int("events", len(events)))
	w.next = to + 1
	return len(events), nil
}

// Next 返回下一次扫描的起始区块。
func (w *Watcher) Next() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

func (w *Watcher) init(ctx context.Context, safe uint64) error {
	w.next = safe + 1
	if w.startBlock != nil {
		w.next = *w.startBlock
	}
	if w.cursors != nil {
		block, ok, err := w.cursors.LoadCursor(ctx, w.name)
		if err != nil {
			return err
		}
		if ok {
			w.next = block + 1
		}
	}
	w.started = true
	w.logger.Info("账本事件监听已启动", slog.String("cursor", w.name), slog.Uint64("from", w.next))
	return nil
}

func (w *Watcher) emitAlert(ctx context.Context, err error) {
	if w.alerter == nil {
		return
	}
	event, ok := alerting.FromError(err, "events.watch", "")
	if !ok {
		return
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["next_block"] = strconv.FormatUint(w.Next(), 10)
	if notifyErr := w.alerter.Notify(ctx, event); notifyErr != nil {
		w.logger.Error("告警通知失败", slog.Any("error", notifyErr))
	}
}
