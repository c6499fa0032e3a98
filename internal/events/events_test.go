package events

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronos-sentinel/internal/agent"
	"cronos-sentinel/internal/clamp"
	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/internal/observability/alerting"
	"cronos-sentinel/internal/payment"
	"cronos-sentinel/internal/settlement"
	"cronos-sentinel/internal/storage/mysql"
)

const user = "0x1111111111111111111111111111111111111111"

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type failingHistory struct{}

func (failingHistory) Save(context.Context, mysql.HistoryRecord) error {
	return errors.New("disk full")
}

func TestDecodeRejectsMalformedMessages(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = Decode([]byte(`{"id":"x","kind":"settlement.outcome"}`))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = Decode([]byte(`{"id":"x","kind":"other"}`))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	payload, err := Encode(NewOutcomeMessage(settlement.Outcome{ID: "o-1", Status: settlement.OutcomeCompleted}))
	require.NoError(t, err)
	msg, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "o-1", msg.ID)
	assert.Equal(t, settlement.OutcomeCompleted, msg.Outcome.Status)
}

func TestLedgerEventIDIsStable(t *testing.T) {
	evt := ledger.Event{Kind: ledger.EventDeposited, Account: "0xABC", TxRef: "0xtx", BlockNumber: 7, Amount: big.NewInt(1)}
	again := evt
	again.Account = "0xabc"
	again.ObservedAt = time.Now()

	assert.Equal(t, LedgerEventID(evt), LedgerEventID(again))
	again.BlockNumber = 8
	assert.NotEqual(t, LedgerEventID(evt), LedgerEventID(again))
}

func TestToRecordMapsOutcomeAndLedgerEvent(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	rec := ToRecord(NewOutcomeMessage(settlement.Outcome{
		ID:              "o-1",
		JobID:           "J1",
		AgentID:         "risk-sentinel",
		User:            "0xABC",
		Status:          settlement.OutcomeRefused,
		RequestedAmount: "1000",
		FinalLimit:      "400",
		ErrorCode:       "REQUEST_EXCEEDS_RECOMMENDED_LIMIT",
		CreatedAt:       created,
	}))
	assert.Equal(t, mysql.KindOutcome, rec.Kind)
	assert.Equal(t, "0xabc", rec.User)
	assert.Equal(t, "refused", rec.Status)
	assert.Equal(t, created.Unix(), rec.OccurredAt)

	rec = ToRecord(NewLedgerMessage(ledger.Event{Kind: ledger.EventWithdrawn, Account: "0xDEF", Amount: big.NewInt(55), TxRef: "0xtx", BlockNumber: 3}))
	assert.Equal(t, mysql.KindLedgerEvent, rec.Kind)
	assert.Equal(t, "withdrawn", rec.Status)
	assert.Equal(t, "55", rec.Amount)
	assert.Equal(t, uint64(3), rec.BlockNumber)
	assert.NotZero(t, rec.OccurredAt)
}

func TestPipelinePersistsPublishedMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(64)
	repo, err := mysql.NewMemoryHistoryRepository("")
	require.NoError(t, err)

	processor := NewProcessor(queue, repo, WithWorkerCount(4))
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	publisher := NewPublisher(queue)
	require.NoError(t, publisher.PublishOutcome(ctx, settlement.Outcome{ID: "o-1", JobID: "J1", User: user, Status: settlement.OutcomeCompleted, CreatedAt: time.Now()}))
	evt := ledger.Event{Kind: ledger.EventDeposited, Account: user, Amount: big.NewInt(10), TxRef: "0xtx", BlockNumber: 1}
	require.NoError(t, publisher.PublishLedgerEvent(ctx, evt))
	require.NoError(t, publisher.PublishLedgerEvent(ctx, evt))
	require.NoError(t, queue.Publish(ctx, []byte("garbage")))

	require.Eventually(t, func() bool {
		list, err := repo.List(ctx, mysql.WithUser(user))
		return err == nil && len(list) == 2 && queue.Len() == 0
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestProcessorAlertsOnStorageFailure(t *testing.T) {
	alerts := &captureDispatcher{}
	processor := NewProcessor(NewMemoryQueue(1), failingHistory{}, WithAlertDispatcher(alerts))

	payload, err := Encode(NewOutcomeMessage(settlement.Outcome{ID: "o-2", JobID: "J2", Status: settlement.OutcomeCompleted}))
	require.NoError(t, err)

	err = processor.Handle(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
	assert.True(t, xerrors.RetryableError(err))
	require.Equal(t, 1, alerts.count())
	assert.Equal(t, "J2", alerts.events[0].JobID)
	assert.Equal(t, "o-2", alerts.events[0].Metadata["record_id"])
}

func TestProcessorRequiresDependencies(t *testing.T) {
	err := NewProcessor(nil, nil).Start(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

func TestNewQueueSelectsDriver(t *testing.T) {
	q, err := NewQueue(context.Background(), QueueConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = NewQueue(context.Background(), QueueConfig{Driver: "kafka"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = NewQueue(context.Background(), QueueConfig{Driver: "redis"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = NewQueue(context.Background(), QueueConfig{Driver: "rabbitmq"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	err := q.Publish(context.Background(), []byte("x"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure))
}

func TestMemoryQueueFullFailsFast(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), []byte("a")))

	err := q.Publish(context.Background(), []byte("b"))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure))
	assert.Equal(t, 1, q.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, xerrors.HasCode(q.Publish(ctx, []byte("c")), xerrors.CodeQueueFailure))

	closed := make(chan struct{})
	go func() {
		_ = q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a full queue")
	}
}

func TestRunReturnsWhenOutcomeQueueIsFull(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), []byte("backlog")))

	reg, err := agent.NewDefaultRegistry(agent.Dependencies{})
	require.NoError(t, err)
	mem := ledger.NewMemory(ledger.MemoryConfig{Fee: big.NewInt(1000), Recipient: "0xfeed"})
	orch, err := settlement.New(reg, payment.NewGate(mem), mem, clamp.Policy{MaxPercent: 50},
		settlement.WithOutcomeSink(NewPublisher(q)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, runErr := orch.Run(ctx, settlement.Request{JobID: "J-full", User: user, AgentID: string(agent.KindSettlementOptimizer)})
		done <- runErr
	}()

	select {
	case runErr := <-done:
		assert.True(t, xerrors.HasCode(runErr, xerrors.CodePaymentRequired))
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked on a full outcome queue")
	}
	assert.Equal(t, 1, q.Len())
	require.NoError(t, q.Close())
}
