package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/internal/settlement"
)

// Kind 区分队列中的消息类型。
type Kind string

const (
	KindOutcome     Kind = "settlement.outcome"
	KindLedgerEvent Kind = "ledger.event"
)

// Message 是队列中传输的信封。
type Message struct {
	ID          string              `json:"id"`
	Kind        Kind                `json:"kind"`
	Outcome     *settlement.Outcome `json:"outcome,omitempty"`
	Ledger      *ledger.Event       `json:"ledger,omitempty"`
	PublishedAt time.Time           `json:"published_at"`
}

// NewOutcomeMessage 包装一次结算结果。
func NewOutcomeMessage(outcome settlement.Outcome) Message {
	id := outcome.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Message{ID: id, Kind: KindOutcome, Outcome: &outcome, PublishedAt: time.Now().UTC()}
}

// NewLedgerMessage 包装一条账本事件。消息 ID 由事件内容确定，重复投递会落到同一条历史记录。
func NewLedgerMessage(evt ledger.Event) Message {
	return Message{ID: LedgerEventID(evt), Kind: KindLedgerEvent, Ledger: &evt, PublishedAt: time.Now().UTC()}
}

// LedgerEventID 返回账本事件的稳定标识。
func LedgerEventID(evt ledger.Event) string {
	key := fmt.Sprintf("%s/%s/%s/%s/%d", evt.TxRef, evt.Kind, strings.ToLower(evt.Account), evt.JobID, evt.BlockNumber)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Encode 将消息序列化为队列负载。
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化队列消息失败")
	}
	return payload, nil
}

// Decode 解析并校验队列负载。
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法解析队列消息")
	}
	if msg.ID == "" {
		return Message{}, xerrors.New(xerrors.CodeInvalidArgument, "队列消息缺少 id")
	}
	switch msg.Kind {
	case KindOutcome:
		if msg.Outcome == nil {
			return Message{}, xerrors.New(xerrors.CodeInvalidArgument, "结算结果消息缺少 outcome")
		}
	case KindLedgerEvent:
		if msg.Ledger == nil {
			return Message{}, xerrors.New(xerrors.CodeInvalidArgument, "账本事件消息缺少 ledger")
		}
	default:
		return Message{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的消息类型", xerrors.WithMetadata("kind", string(msg.Kind)))
	}
	return msg, nil
}
