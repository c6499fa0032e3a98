package api

import (
	"net/http"
	"strconv"
	"strings"

	"cronos-sentinel/internal/agent"
	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/internal/payment"
	"cronos-sentinel/internal/settlement"
	"cronos-sentinel/internal/storage/mysql"
)

type runRequest struct {
	JobID              string `json:"jobId"`
	User               string `json:"user"`
	AgentID            string `json:"agentId"`
	RequestedAmountWei wei    `json:"requestedAmountWei"`
}

type applyRequest struct {
	AgentID            string `json:"agentId"`
	User               string `json:"user"`
	JobID              string `json:"jobId"`
	RequestedAmountWei wei    `json:"requestedAmountWei"`
	RiskTrigger        string `json:"riskTrigger"`
}

type payRequest struct {
	JobID     string `json:"jobId"`
	Payer     string `json:"payer"`
	AmountWei wei    `json:"amountWei"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// DecisionView 是决策的对外表示，金额为十进制字符串。
type DecisionView struct {
	ProposedLimitWei string     `json:"proposedLimitWei"`
	FinalLimitWei    string     `json:"finalLimitWei"`
	Confidence       float64    `json:"confidence"`
	Reason           string     `json:"reason"`
	ClampNotes       string     `json:"clampNotes"`
	Mode             agent.Mode `json:"mode"`
}

// RunResponse 是 POST /settlement/run 的成功响应。
type RunResponse struct {
	JobID       string       `json:"jobId"`
	AgentID     string       `json:"agentId"`
	User        string       `json:"user"`
	TxRef       string       `json:"txRef"`
	BlockNumber uint64       `json:"blockNumber"`
	Decision    DecisionView `json:"decision"`
	Pipeline    []string     `json:"pipeline"`
}

// ApplyResponse 是 POST /agents/apply 的成功响应。
type ApplyResponse struct {
	AgentID  string       `json:"agentId"`
	User     string       `json:"user"`
	JobID    string       `json:"jobId,omitempty"`
	TxRef    string       `json:"txRef"`
	State    StateView    `json:"state"`
	Decision DecisionView `json:"decision"`
}

// StateView 是决策前的账本快照。
type StateView struct {
	BalanceWei             string `json:"balanceWei"`
	PreviousRecommendedWei string `json:"previousRecommendedWei"`
}

// PayResponse 是 POST /settlement/pay 的成功响应。
type PayResponse struct {
	JobID       string        `json:"jobId"`
	TxRef       string        `json:"txRef"`
	BlockNumber uint64        `json:"blockNumber"`
	State       payment.State `json:"state"`
}

// AgentsResponse 是 GET /agents/list 的响应。
type AgentsResponse struct {
	Agents    []agent.Descriptor `json:"agents"`
	AIEnabled bool               `json:"aiEnabled"`
}

// ToggleResponse 描述推理开关的当前状态。
type ToggleResponse struct {
	AIEnabled bool  `json:"aiEnabled"`
	Override  *bool `json:"override"`
	Persisted bool  `json:"persisted"`
}

// HistoryResponse 是 GET /settlement/history 的响应。
type HistoryResponse struct {
	Records []mysql.HistoryRecord `json:"records"`
}

func decisionView(d settlement.Decision) DecisionView {
	return DecisionView{
		ProposedLimitWei: amountText(d.ProposedLimit),
		FinalLimitWei:    amountText(d.FinalLimit),
		Confidence:       d.Confidence,
		Reason:           d.Reason,
		ClampNotes:       d.ClampNotes,
		Mode:             d.Mode,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		if problems := s.deps.Health(r.Context()); len(problems) > 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["checks"] = problems
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "结算编排器未初始化"))
		return
	}
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	requested, err := req.RequestedAmountWei.parse("requestedAmountWei")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Orchestrator.Run(r.Context(), settlement.Request{
		JobID:           strings.TrimSpace(req.JobID),
		User:            strings.TrimSpace(req.User),
		AgentID:         strings.TrimSpace(req.AgentID),
		RequestedAmount: requested,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{
		JobID:       result.JobID,
		AgentID:     result.AgentID,
		User:        result.User,
		TxRef:       result.TxRef,
		BlockNumber: result.BlockNumber,
		Decision:    decisionView(result.Decision),
		Pipeline:    result.Pipeline,
	})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "结算编排器未初始化"))
		return
	}
	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	requested, err := req.RequestedAmountWei.parse("requestedAmountWei")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trigger := agent.RiskNone
	if raw := strings.TrimSpace(req.RiskTrigger); raw != "" {
		parsed, ok := agent.ParseRiskTrigger(raw)
		if !ok {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidRequest, "未知的 riskTrigger",
				xerrors.WithMetadata("field", "riskTrigger"),
				xerrors.WithMetadata("allowed", []agent.RiskTrigger{agent.RiskNone, agent.RiskVolatilitySpike, agent.RiskAnomaly})))
			return
		}
		trigger = parsed
	}
	result, err := s.deps.Orchestrator.Apply(r.Context(), settlement.ApplyRequest{
		AgentID:         strings.TrimSpace(req.AgentID),
		User:            strings.TrimSpace(req.User),
		JobID:           strings.TrimSpace(req.JobID),
		RequestedAmount: requested,
		RiskTrigger:     trigger,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplyResponse{
		AgentID: result.AgentID,
		User:    result.User,
		JobID:   result.JobID,
		TxRef:   result.TxRef,
		State: StateView{
			BalanceWei:             amountText(result.State.Balance),
			PreviousRecommendedWei: amountText(result.State.PreviousRecommended),
		},
		Decision: decisionView(result.Decision),
	})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gate == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "支付闸门未初始化"))
		return
	}
	var req payRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := req.AmountWei.parse("amountWei")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if amount == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidRequest, "amountWei 不能为空", xerrors.WithMetadata("field", "amountWei")))
		return
	}
	jobID := strings.TrimSpace(req.JobID)
	receipt, err := s.deps.Gate.RecordPayment(r.Context(), jobID, strings.TrimSpace(req.Payer), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payResponse(jobID, receipt))
}

func payResponse(jobID string, receipt ledger.Receipt) PayResponse {
	return PayResponse{JobID: jobID, TxRef: receipt.TxRef, BlockNumber: receipt.BlockNumber, State: payment.StatePaid}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "结算编排器未初始化"))
		return
	}
	agents, enabled := s.deps.Orchestrator.ListAgents()
	writeJSON(w, http.StatusOK, AgentsResponse{Agents: agents, AIEnabled: enabled})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Toggle == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "推理开关未初始化"))
		return
	}
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Toggle.Set(req.Enabled)
	enabled := s.deps.Toggle.Resolve()
	if s.deps.Orchestrator != nil {
		enabled = s.deps.Orchestrator.AIEnabled()
	}
	writeJSON(w, http.StatusOK, ToggleResponse{
		AIEnabled: enabled,
		Override:  s.deps.Toggle.Override(),
		Persisted: s.deps.Toggle.Persisted(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "历史存储未初始化"))
		return
	}
	query := r.URL.Query()
	opts := []mysql.ListOption{}
	if user := strings.TrimSpace(query.Get("user")); user != "" {
		opts = append(opts, mysql.WithUser(user))
	}
	if jobID := strings.TrimSpace(query.Get("jobId")); jobID != "" {
		opts = append(opts, mysql.WithJobID(jobID))
	}
	if kind := strings.TrimSpace(query.Get("kind")); kind != "" {
		opts = append(opts, mysql.WithKinds(mysql.RecordKind(kind)))
	}
	for _, key := range []string{"limit", "offset"} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidRequest, key+" 必须为非负整数", xerrors.WithMetadata("field", key)))
			return
		}
		if key == "limit" {
			opts = append(opts, mysql.WithLimit(n))
		} else {
			opts = append(opts, mysql.WithOffset(n))
		}
	}
	records, err := s.deps.History.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []mysql.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Records: records})
}
