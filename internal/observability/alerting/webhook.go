package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"cronos-sentinel/pkg/logger"
)

// WebhookConfig 描述告警 webhook 的投递参数。
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
}

// WebhookNotifier 以 JSON 形式把告警推送到外部 webhook。
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier 创建 webhook 通知器，URL 为空时返回 nil。
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "cronos-sentinel/alerting")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &WebhookNotifier{client: client, url: url}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("job_id", event.JobID))
		return nil
	}
	resp, err := n.client.R().SetContext(ctx).SetBody(event).Post(n.url)
	if err != nil {
		return fmt.Errorf("投递告警失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("告警 webhook 返回状态 %d", resp.StatusCode())
	}
	return nil
}
