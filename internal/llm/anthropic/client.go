package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"cronos-sentinel/internal/llm"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 256
	defaultTimeout   = 30 * time.Second
)

// Config 描述 Anthropic Messages API 的调用参数。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 基于官方 SDK 实现 llm.Client。
type Client struct {
	client sdk.Client
	model  string
}

// NewClient 根据配置创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &Client{client: sdk.NewClient(opts...), model: model}, nil
}

// NewFactory 返回按需构造 Anthropic 客户端的工厂函数。
func NewFactory(cfg Config) llm.Factory {
	return func(apiKey string) (llm.Client, error) {
		c := cfg
		c.APIKey = apiKey
		return NewClient(c)
	}
}

// Generate 发送单轮消息并拼接返回的文本块。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("请求 Anthropic 失败: %w", err)
	}

	var builder strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			builder.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(builder.String())
	if content == "" {
		return nil, llm.ErrEmptyResponse
	}
	return &llm.Response{Content: content, Model: string(msg.Model)}, nil
}
