package llm

import (
	"context"
	"errors"
)

// Request 描述一次单轮推理请求。
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response 是大模型返回的原始文本。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Factory 在决策时按需构造客户端，apiKey 由调用方在能力检查通过后提供。
type Factory func(apiKey string) (Client, error)

// ErrEmptyResponse 表示模型没有返回任何内容。
var ErrEmptyResponse = errors.New("大模型响应内容为空")
