package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"cronos-sentinel/internal/clamp"
	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/llm"
	"cronos-sentinel/pkg/logger"
)

const (
	// MaxAIReasonLength 是推理结果中 reason 的最大字符数。
	MaxAIReasonLength      = 160
	defaultAdvisoryTimeout = 15 * time.Second
	advisoryMaxTokens      = 256

	advisorySystemPrompt = "You are a cautious risk manager. Propose small caps. Do not execute trades. The service clamps/enforces limits deterministically."
)

// CredentialSource 返回推理服务的凭据，空字符串表示未配置。
type CredentialSource func() string

// AdvisoryAI 在能力开关开启且凭据存在时调用大模型给出额度，否则使用确定性回退。
type AdvisoryAI struct {
	toggle      *Toggle
	credentials CredentialSource
	factory     llm.Factory
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// AdvisoryOption 定义 AdvisoryAI 的可选配置。
type AdvisoryOption func(*AdvisoryAI)

// WithInferenceTimeout 设置单次推理调用的超时时间。
func WithInferenceTimeout(timeout time.Duration) AdvisoryOption {
	return func(a *AdvisoryAI) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithInferenceLimiter 限制推理调用频率，被限流的决策直接回退。
func WithInferenceLimiter(limiter *rate.Limiter) AdvisoryOption {
	return func(a *AdvisoryAI) {
		a.limiter = limiter
	}
}

// NewAdvisoryAI 创建推理型策略。factory 只会在 Decide 内、能力检查通过后调用。
func NewAdvisoryAI(toggle *Toggle, credentials CredentialSource, factory llm.Factory, opts ...AdvisoryOption) *AdvisoryAI {
	a := &AdvisoryAI{
		toggle:      toggle,
		credentials: credentials,
		factory:     factory,
		timeout:     defaultAdvisoryTimeout,
		logger:      logger.Named("agent.advisory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Decide 实现 Strategy。推理失败一律回退，不向调用方暴露错误。
func (a *AdvisoryAI) Decide(ctx context.Context, dc DecisionContext) Proposal {
	enabled := a.toggle.Resolve()
	apiKey := ""
	if a.credentials != nil {
		apiKey = strings.TrimSpace(a.credentials())
	}
	if !enabled || apiKey == "" || a.factory == nil {
		return fallbackProposal(dc)
	}
	if a.limiter != nil && !a.limiter.Allow() {
		a.logger.Debug("推理调用被限流，使用确定性回退", slog.String("job_id", dc.JobID))
		return fallbackProposal(dc)
	}

	proposal, err := a.infer(ctx, apiKey, dc)
	if err != nil {
		a.logger.Warn("推理失败，使用确定性回退",
			slog.String("job_id", dc.JobID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return fallbackProposal(dc)
	}
	return proposal
}

func (a *AdvisoryAI) infer(ctx context.Context, apiKey string, dc DecisionContext) (Proposal, error) {
	client, err := a.factory(apiKey)
	if err != nil {
		return Proposal{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "创建推理客户端失败")
	}

	prompt, err := buildAdvisoryPrompt(dc)
	if err != nil {
		return Proposal{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "构建提示词失败")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := client.Generate(callCtx, llm.Request{
		System:    advisorySystemPrompt,
		Prompt:    prompt,
		MaxTokens: advisoryMaxTokens,
	})
	if err != nil {
		return Proposal{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "推理调用失败")
	}
	if resp == nil {
		return Proposal{}, xerrors.Wrap(xerrors.CodeProviderFailure, llm.ErrEmptyResponse, "推理调用失败")
	}

	parsed, err := ParseAdvice(resp.Content)
	if err != nil {
		return Proposal{}, err
	}
	parsed.Reason = clamp.Truncate("ai: "+parsed.Reason, MaxAIReasonLength)
	parsed.Mode = ModeAI
	return parsed, nil
}

// ParseAdvice 严格解析推理输出，任何偏差都视为 PROVIDER_FAILURE。
func ParseAdvice(raw string) (Proposal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Proposal{}, xerrors.Wrap(xerrors.CodeProviderFailure, llm.ErrEmptyResponse, "推理结果为空")
	}

	var out struct {
		ProposedLimit *string  `json:"proposedLimit"`
		Reason        *string  `json:"reason"`
		Confidence    *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Proposal{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "推理结果不是合法 JSON")
	}
	if out.ProposedLimit == nil || out.Reason == nil || out.Confidence == nil {
		return Proposal{}, xerrors.New(xerrors.CodeProviderFailure, "推理结果缺少必要字段")
	}

	limit, ok := parseBase10(*out.ProposedLimit)
	if !ok {
		return Proposal{}, xerrors.New(xerrors.CodeProviderFailure, "proposedLimit 必须是十进制整数字符串",
			xerrors.WithMetadata("proposed_limit", *out.ProposedLimit))
	}
	reason := strings.TrimSpace(*out.Reason)
	if reason == "" || utf8.RuneCountInString(reason) > MaxAIReasonLength {
		return Proposal{}, xerrors.New(xerrors.CodeProviderFailure, "reason 为空或超过长度上限")
	}
	confidence := *out.Confidence
	if confidence < 0 || confidence > 1 {
		return Proposal{}, xerrors.New(xerrors.CodeProviderFailure, "confidence 超出 [0,1] 范围",
			xerrors.WithMetadata("confidence", confidence))
	}

	return Proposal{ProposedLimit: limit, Reason: reason, Confidence: confidence}, nil
}

func fallbackProposal(dc DecisionContext) Proposal {
	requested := requestedOrZero(dc.RequestedAmount)
	return Proposal{
		ProposedLimit: capByRequested(percentOf(dc.Balance, 20), requested),
		Reason:        fmt.Sprintf("fallback: rebalance cap job=%s reqWei=%s", jobOrNA(dc.JobID), requested.String()),
		Confidence:    0.6,
		Mode:          ModeFallback,
	}
}

func buildAdvisoryPrompt(dc DecisionContext) (string, error) {
	trigger := dc.RiskTrigger
	if trigger == "" {
		trigger = RiskNone
	}
	prompt := map[string]any{
		"task": "Propose a conservative cap (wei) for a portfolio rebalance/settlement batch.",
		"constraints": []string{
			"Return ONLY valid JSON (no markdown).",
			"proposedLimit must be a base-10 integer string (wei).",
			"confidence must be 0..1.",
			"reason must be short (<= 160 chars).",
		},
		"context": map[string]string{
			"jobId":              jobOrNA(dc.JobID),
			"user":               dc.User,
			"balanceWei":         requestedOrZero(dc.Balance).String(),
			"currentLimitWei":    requestedOrZero(dc.CurrentLimit).String(),
			"requestedAmountWei": requestedOrZero(dc.RequestedAmount).String(),
			"riskTrigger":        string(trigger),
		},
		"outputSchema": map[string]string{
			"proposedLimit": "string",
			"reason":        "string",
			"confidence":    "number",
		},
	}
	encoded, err := json.Marshal(prompt)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// parseBase10 只接受非空的十进制数字串。
func parseBase10(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(s, 10)
}
