// Package sentinel is a Go client for the settlement sentinel REST API.
package sentinel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Ledger writes wait for confirmation, so it is generous.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the sentinel REST API.
type Client struct {
	http *resty.Client
}

// Option customises a Client.
type Option func(*resty.Client)

// WithToken attaches an operator bearer token to every request.
func WithToken(token string) Option {
	return func(c *resty.Client) {
		if strings.TrimSpace(token) != "" {
			c.SetAuthToken(strings.TrimSpace(token))
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *resty.Client) {
		if hc != nil {
			c.SetTransport(hc.Transport)
			if hc.Timeout > 0 {
				c.SetTimeout(hc.Timeout)
			}
		}
	}
}

// WithTimeout overrides DefaultHTTPTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *resty.Client) {
		if timeout > 0 {
			c.SetTimeout(timeout)
		}
	}
}

// NewClient instantiates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultHTTPTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "cronos-sentinel-sdk-go")
	for _, opt := range opts {
		if opt != nil {
			opt(rc)
		}
	}
	return &Client{http: rc}
}

// RunRequest starts a paid settlement. RequestedAmountWei is optional.
type RunRequest struct {
	JobID              string `json:"jobId"`
	User               string `json:"user"`
	AgentID            string `json:"agentId"`
	RequestedAmountWei string `json:"requestedAmountWei,omitempty"`
}

// ApplyRequest runs an agent and writes its limit without the payment gate.
type ApplyRequest struct {
	AgentID            string `json:"agentId"`
	User               string `json:"user"`
	JobID              string `json:"jobId,omitempty"`
	RequestedAmountWei string `json:"requestedAmountWei,omitempty"`
	RiskTrigger        string `json:"riskTrigger,omitempty"`
}

// PayRequest records a payment for a job.
type PayRequest struct {
	JobID     string `json:"jobId"`
	Payer     string `json:"payer"`
	AmountWei string `json:"amountWei"`
}

// Decision is the bounded agent decision. Amounts are base-10 wei strings.
type Decision struct {
	ProposedLimitWei string  `json:"proposedLimitWei"`
	FinalLimitWei    string  `json:"finalLimitWei"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	ClampNotes       string  `json:"clampNotes"`
	Mode             string  `json:"mode"`
}

// RunResult is returned by a successful settlement.
type RunResult struct {
	JobID       string   `json:"jobId"`
	AgentID     string   `json:"agentId"`
	User        string   `json:"user"`
	TxRef       string   `json:"txRef"`
	BlockNumber uint64   `json:"blockNumber"`
	Decision    Decision `json:"decision"`
	Pipeline    []string `json:"pipeline"`
}

// ApplyResult is returned by a successful apply.
type ApplyResult struct {
	AgentID string `json:"agentId"`
	User    string `json:"user"`
	JobID   string `json:"jobId,omitempty"`
	TxRef   string `json:"txRef"`
	State   struct {
		BalanceWei             string `json:"balanceWei"`
		PreviousRecommendedWei string `json:"previousRecommendedWei"`
	} `json:"state"`
	Decision Decision `json:"decision"`
}

// PayResult is returned once a payment is confirmed.
type PayResult struct {
	JobID       string `json:"jobId"`
	TxRef       string `json:"txRef"`
	BlockNumber uint64 `json:"blockNumber"`
	State       string `json:"state"`
}

// Agent describes a registered agent.
type Agent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	AICapable bool   `json:"aiCapable"`
}

// AgentList is the registry listing.
type AgentList struct {
	Agents    []Agent `json:"agents"`
	AIEnabled bool    `json:"aiEnabled"`
}

// ToggleState reports the AI capability toggle.
type ToggleState struct {
	AIEnabled bool  `json:"aiEnabled"`
	Override  *bool `json:"override"`
	Persisted bool  `json:"persisted"`
}

// HistoryRecord is a stored settlement outcome or ledger event.
type HistoryRecord struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	JobID           string `json:"job_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	User            string `json:"user,omitempty"`
	Status          string `json:"status"`
	RequestedAmount string `json:"requested_amount,omitempty"`
	ProposedLimit   string `json:"proposed_limit,omitempty"`
	FinalLimit      string `json:"final_limit,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Mode            string `json:"mode,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	TxRef           string `json:"tx_ref,omitempty"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	OccurredAt      int64  `json:"occurred_at"`
}

// HistoryQuery filters history listings. Zero values are ignored.
type HistoryQuery struct {
	User   string
	JobID  string
	Kind   string
	Limit  int
	Offset int
}

// APIError represents a structured error returned by the server. Metadata
// carries the context needed to correct the request, such as the fee schedule
// or the recommended limit.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sentinel api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sentinel api error (%d): %s", e.StatusCode, e.Message)
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// RunSettlement calls POST /settlement/run.
func (c *Client) RunSettlement(ctx context.Context, req RunRequest) (RunResult, error) {
	var out RunResult
	err := c.do(ctx, http.MethodPost, "/settlement/run", req, nil, &out)
	return out, err
}

// RecordPayment calls POST /settlement/pay. Requires an operator token.
func (c *Client) RecordPayment(ctx context.Context, req PayRequest) (PayResult, error) {
	var out PayResult
	err := c.do(ctx, http.MethodPost, "/settlement/pay", req, nil, &out)
	return out, err
}

// ApplyAgent calls POST /agents/apply.
func (c *Client) ApplyAgent(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	var out ApplyResult
	err := c.do(ctx, http.MethodPost, "/agents/apply", req, nil, &out)
	return out, err
}

// ListAgents calls GET /agents/list.
func (c *Client) ListAgents(ctx context.Context) (AgentList, error) {
	var out AgentList
	err := c.do(ctx, http.MethodGet, "/agents/list", nil, nil, &out)
	return out, err
}

// SetAI sets the runtime AI override; nil clears it. Requires an operator token.
func (c *Client) SetAI(ctx context.Context, enabled *bool) (ToggleState, error) {
	var out ToggleState
	body := map[string]*bool{"enabled": enabled}
	err := c.do(ctx, http.MethodPut, "/agents/ai", body, nil, &out)
	return out, err
}

// History calls GET /settlement/history.
func (c *Client) History(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	params := map[string]string{}
	if q.User != "" {
		params["user"] = q.User
	}
	if q.JobID != "" {
		params["jobId"] = q.JobID
	}
	if q.Kind != "" {
		params["kind"] = q.Kind
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		params["offset"] = strconv.Itoa(q.Offset)
	}
	var out struct {
		Records []HistoryRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/settlement/history", nil, params, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Health calls GET /health and returns the reported status.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out.Status, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	req := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&errorEnvelope{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("sentinel request %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{Message: strings.TrimSpace(resp.String())}
		if env, ok := resp.Error().(*errorEnvelope); ok && env.Error != nil {
			apiErr = env.Error
		}
		apiErr.StatusCode = resp.StatusCode()
		return apiErr
	}
	return nil
}
