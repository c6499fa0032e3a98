package mysql

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "cronos-sentinel/internal/errors"
)

// RecordKind 区分结算结果与链上事件。
type RecordKind string

const (
	KindOutcome     RecordKind = "outcome"
	KindLedgerEvent RecordKind = "ledger_event"
)

// HistoryRecord 是一条结算历史。金额均为十进制字符串（wei）。
type HistoryRecord struct {
	ID              string     `json:"id"`
	Kind            RecordKind `json:"kind"`
	JobID           string     `json:"job_id,omitempty"`
	AgentID         string     `json:"agent_id,omitempty"`
	User            string     `json:"user,omitempty"`
	Status          string     `json:"status"`
	RequestedAmount string     `json:"requested_amount,omitempty"`
	ProposedLimit   string     `json:"proposed_limit,omitempty"`
	FinalLimit      string     `json:"final_limit,omitempty"`
	Amount          string     `json:"amount,omitempty"`
	Mode            string     `json:"mode,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	TxRef           string     `json:"tx_ref,omitempty"`
	BlockNumber     uint64     `json:"block_number,omitempty"`
	OccurredAt      int64      `json:"occurred_at"`
}

// HistoryRepository 抽象结算历史的持久化接口。Save 对相同 ID 幂等。
type HistoryRepository interface {
	Save(ctx context.Context, record HistoryRecord) error
	List(ctx context.Context, opts ...ListOption) ([]HistoryRecord, error)
	Close() error
}

// CursorStore 记录事件监听器已处理到的区块高度。
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (uint64, bool, error)
	SaveCursor(ctx context.Context, name string, block uint64) error
}

func validateRecord(record HistoryRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "历史记录 ID 不能为空")
	}
	if record.Kind != KindOutcome && record.Kind != KindLedgerEvent {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的历史记录类型", xerrors.WithMetadata("kind", string(record.Kind)))
	}
	return nil
}

// SortOrder defines how history records are ordered.
type SortOrder int

const (
	// SortNewestFirst orders records by OccurredAt descending.
	SortNewestFirst SortOrder = iota
	// SortOldestFirst orders records by OccurredAt ascending.
	SortOldestFirst
)

// ListOptions controls which records a List call returns.
type ListOptions struct {
	Limit  int
	Offset int
	User   string
	JobID  string
	Kinds  []RecordKind
	Since  int64
	Until  int64
	Order  SortOrder
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.User = strings.ToLower(strings.TrimSpace(opts.User))
	opts.JobID = strings.TrimSpace(opts.JobID)
	if opts.Order != SortOldestFirst {
		opts.Order = SortNewestFirst
	}
	opts.Kinds = normalizeKinds(opts.Kinds)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching records.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithUser filters records by user address, case-insensitively.
func WithUser(user string) ListOption {
	return func(opts *ListOptions) {
		opts.User = user
	}
}

// WithJobID filters records by job id. On-chain payment events carry only the
// keccak256 topic of the id, so records stored under that topic match too.
func WithJobID(jobID string) ListOption {
	return func(opts *ListOptions) {
		opts.JobID = jobID
	}
}

// WithKinds filters records by kind.
func WithKinds(kinds ...RecordKind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithSince keeps records that occurred at or after ts.
func WithSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.Since = 0
			return
		}
		opts.Since = ts.Unix()
	}
}

// WithUntil keeps records that occurred at or before ts.
func WithUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.Until = 0
			return
		}
		opts.Until = ts.Unix()
	}
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeKinds(input []RecordKind) []RecordKind {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[RecordKind]struct{}, len(input))
	result := make([]RecordKind, 0, len(input))
	for _, kind := range input {
		if kind != KindOutcome && kind != KindLedgerEvent {
			continue
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		result = append(result, kind)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// jobKeys returns the stored job_id values that identify opts.JobID.
func (opts ListOptions) jobKeys() []string {
	if opts.JobID == "" {
		return nil
	}
	return []string{opts.JobID, JobTopic(opts.JobID)}
}

// JobTopic returns the hex topic a job id is indexed under in contract logs.
func JobTopic(jobID string) string {
	return crypto.Keccak256Hash([]byte(jobID)).Hex()
}

func (opts ListOptions) matches(record HistoryRecord) bool {
	if opts.User != "" && !strings.EqualFold(record.User, opts.User) {
		return false
	}
	if keys := opts.jobKeys(); len(keys) > 0 && record.JobID != keys[0] && !strings.EqualFold(record.JobID, keys[1]) {
		return false
	}
	if len(opts.Kinds) > 0 {
		found := false
		for _, kind := range opts.Kinds {
			if record.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Since > 0 && record.OccurredAt < opts.Since {
		return false
	}
	if opts.Until > 0 && record.OccurredAt > opts.Until {
		return false
	}
	return true
}
