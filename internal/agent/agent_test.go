package agent

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/llm"
)

type stubLLM struct {
	resp  *llm.Response
	err   error
	wait  time.Duration
	calls atomic.Int32
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls.Add(1)
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type countingFactory struct {
	client *stubLLM
	builds atomic.Int32
}

func (f *countingFactory) build(apiKey string) (llm.Client, error) {
	f.builds.Add(1)
	return f.client, nil
}

func wei(v int64) *big.Int { return big.NewInt(v) }

func TestEmergencyBrake(t *testing.T) {
	p := EmergencyBrake{}.Decide(context.Background(), DecisionContext{Balance: wei(1000), RiskTrigger: RiskVolatilitySpike})
	assert.Equal(t, "100", p.ProposedLimit.String())
	assert.Equal(t, 0.85, p.Confidence)

	p = EmergencyBrake{}.Decide(context.Background(), DecisionContext{Balance: wei(1000), RiskTrigger: RiskNone})
	assert.Equal(t, "250", p.ProposedLimit.String())
	assert.Equal(t, 0.6, p.Confidence)
	assert.Equal(t, ModeDeterministic, p.Mode)
}

func TestRiskSentinel(t *testing.T) {
	p := RiskSentinel{}.Decide(context.Background(), DecisionContext{Balance: wei(1000), CurrentLimit: wei(0)})
	assert.Equal(t, "500", p.ProposedLimit.String())

	p = RiskSentinel{}.Decide(context.Background(), DecisionContext{Balance: wei(7), CurrentLimit: wei(1000)})
	assert.Equal(t, "950", p.ProposedLimit.String())
	assert.Equal(t, 0.7, p.Confidence)
}

func TestSettlementOptimizer(t *testing.T) {
	cases := []struct {
		requested int64
		want      string
	}{
		{0, "400"},
		{100, "100"},
		{900, "400"},
	}
	for _, tc := range cases {
		p := SettlementOptimizer{}.Decide(context.Background(), DecisionContext{Balance: wei(1000), RequestedAmount: wei(tc.requested), JobID: "J1"})
		assert.Equal(t, tc.want, p.ProposedLimit.String(), "requested=%d", tc.requested)
		assert.Equal(t, 0.75, p.Confidence)
		assert.Contains(t, p.Reason, "job=J1")
	}
}

func TestStrategiesDoNotMutateContext(t *testing.T) {
	balance := wei(1000)
	requested := wei(100)
	dc := DecisionContext{Balance: balance, CurrentLimit: wei(0), RequestedAmount: requested}
	for _, s := range []Strategy{RiskSentinel{}, EmergencyBrake{}, SettlementOptimizer{}, NewAdvisoryAI(nil, nil, nil)} {
		p := s.Decide(context.Background(), dc)
		p.ProposedLimit.Add(p.ProposedLimit, wei(1))
	}
	assert.Equal(t, "1000", balance.String())
	assert.Equal(t, "100", requested.String())
}

func TestGasMonitorThresholds(t *testing.T) {
	gwei := func(v int64) FeeOracle {
		return FeeOracleFunc(func(context.Context) (*big.Int, error) {
			return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000)), nil
		})
	}
	rich := new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))

	cases := []struct {
		name       string
		testnet    FeeOracle
		balance    *big.Int
		want       *big.Int
		confidence float64
	}{
		{"high", gwei(20), rich, percentOf(rich, 60), 0.85},
		{"low", gwei(1), rich, percentOf(rich, 40), 0.8},
		{"normal", gwei(7), rich, percentOf(rich, 50), 0.75},
		{"poor", gwei(7), wei(1000), wei(500), 0.9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewGasMonitor(tc.testnet, gwei(3)).Decide(context.Background(), DecisionContext{Balance: tc.balance})
			assert.Equal(t, tc.want.String(), p.ProposedLimit.String())
			assert.Equal(t, tc.confidence, p.Confidence)
			assert.Contains(t, p.Reason, "M:3")
		})
	}
}

func TestGasMonitorFallsBackOnOracleFailure(t *testing.T) {
	failing := FeeOracleFunc(func(context.Context) (*big.Int, error) {
		return nil, errors.New("rpc down")
	})
	rich := new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))

	p := NewGasMonitor(failing, nil).Decide(context.Background(), DecisionContext{Balance: rich})
	// 5 gwei 既不高于 10 也不低于 5，落入常规区间。
	assert.Equal(t, percentOf(rich, 50).String(), p.ProposedLimit.String())
	assert.Contains(t, p.Reason, "T:5 M:5")
}

func TestGasMonitorQueriesConcurrently(t *testing.T) {
	slow := FeeOracleFunc(func(ctx context.Context) (*big.Int, error) {
		time.Sleep(100 * time.Millisecond)
		return big.NewInt(7_000_000_000), nil
	})
	start := time.Now()
	NewGasMonitor(slow, slow).Decide(context.Background(), DecisionContext{Balance: wei(1)})
	assert.Less(t, time.Since(start), 180*time.Millisecond)
}

func TestAdvisoryDisabledMakesNoCalls(t *testing.T) {
	factory := &countingFactory{client: &stubLLM{}}
	ai := NewAdvisoryAI(NewToggle(false), func() string { return "key" }, factory.build)

	p := ai.Decide(context.Background(), DecisionContext{Balance: wei(1000)})
	assert.Equal(t, "200", p.ProposedLimit.String())
	assert.Equal(t, 0.6, p.Confidence)
	assert.Equal(t, ModeFallback, p.Mode)

	p = ai.Decide(context.Background(), DecisionContext{Balance: wei(1000), RequestedAmount: wei(50)})
	assert.Equal(t, "50", p.ProposedLimit.String())

	assert.Zero(t, factory.builds.Load())
	assert.Zero(t, factory.client.calls.Load())
}

func TestAdvisoryMissingCredentialsMakesNoCalls(t *testing.T) {
	factory := &countingFactory{client: &stubLLM{}}
	ai := NewAdvisoryAI(NewToggle(true), func() string { return "  " }, factory.build)

	p := ai.Decide(context.Background(), DecisionContext{Balance: wei(1000)})
	assert.Equal(t, ModeFallback, p.Mode)
	assert.Zero(t, factory.builds.Load())
}

func TestAdvisoryUsesModelOutput(t *testing.T) {
	factory := &countingFactory{client: &stubLLM{resp: &llm.Response{
		Content: `{"proposedLimit":"123","reason":"keep it small","confidence":0.4}`,
	}}}
	ai := NewAdvisoryAI(NewToggle(true), func() string { return "key" }, factory.build)

	p := ai.Decide(context.Background(), DecisionContext{Balance: wei(1000), JobID: "J9"})
	assert.Equal(t, "123", p.ProposedLimit.String())
	assert.Equal(t, "ai: keep it small", p.Reason)
	assert.Equal(t, 0.4, p.Confidence)
	assert.Equal(t, ModeAI, p.Mode)
	assert.EqualValues(t, 1, factory.client.calls.Load())
}

func TestAdvisoryFailsClosed(t *testing.T) {
	bad := []string{
		``,
		`not json`,
		`{"proposedLimit":123,"reason":"x","confidence":0.5}`,
		`{"proposedLimit":"-5","reason":"x","confidence":0.5}`,
		`{"proposedLimit":"1e3","reason":"x","confidence":0.5}`,
		`{"proposedLimit":"10","confidence":0.5}`,
		`{"proposedLimit":"10","reason":"x","confidence":1.5}`,
		`{"proposedLimit":"10","reason":"x"}`,
	}
	for _, content := range bad {
		factory := &countingFactory{client: &stubLLM{resp: &llm.Response{Content: content}}}
		ai := NewAdvisoryAI(NewToggle(true), func() string { return "key" }, factory.build)
		p := ai.Decide(context.Background(), DecisionContext{Balance: wei(1000)})
		assert.Equal(t, ModeFallback, p.Mode, "content=%q", content)
		assert.Equal(t, "200", p.ProposedLimit.String())
	}
}

func TestAdvisoryTimeoutFallsBack(t *testing.T) {
	factory := &countingFactory{client: &stubLLM{wait: time.Second}}
	ai := NewAdvisoryAI(NewToggle(true), func() string { return "key" }, factory.build,
		WithInferenceTimeout(10*time.Millisecond))

	start := time.Now()
	p := ai.Decide(context.Background(), DecisionContext{Balance: wei(1000)})
	assert.Equal(t, ModeFallback, p.Mode)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAdvisoryRateLimited(t *testing.T) {
	factory := &countingFactory{client: &stubLLM{resp: &llm.Response{
		Content: `{"proposedLimit":"1","reason":"r","confidence":1}`,
	}}}
	ai := NewAdvisoryAI(NewToggle(true), func() string { return "key" }, factory.build,
		WithInferenceLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	assert.Equal(t, ModeAI, ai.Decide(context.Background(), DecisionContext{Balance: wei(10)}).Mode)
	assert.Equal(t, ModeFallback, ai.Decide(context.Background(), DecisionContext{Balance: wei(10)}).Mode)
	assert.EqualValues(t, 1, factory.client.calls.Load())
}

func TestParseAdviceRejectsLongReason(t *testing.T) {
	long := make([]byte, MaxAIReasonLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ParseAdvice(`{"proposedLimit":"1","reason":"` + string(long) + `","confidence":0.1}`)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeProviderFailure))
}

func TestToggleOverride(t *testing.T) {
	tg := NewToggle(false)
	assert.False(t, tg.Resolve())
	assert.Nil(t, tg.Override())

	on := true
	tg.Set(&on)
	assert.True(t, tg.Resolve())
	require.NotNil(t, tg.Override())
	assert.True(t, *tg.Override())

	off := false
	tg = NewToggle(true)
	tg.Set(&off)
	assert.False(t, tg.Resolve())

	tg.Set(nil)
	assert.True(t, tg.Resolve())
	assert.True(t, tg.Persisted())
}

func TestParseRiskTrigger(t *testing.T) {
	got, ok := ParseRiskTrigger("")
	assert.True(t, ok)
	assert.Equal(t, RiskNone, got)

	got, ok = ParseRiskTrigger("anomaly")
	assert.True(t, ok)
	assert.Equal(t, RiskAnomaly, got)

	_, ok = ParseRiskTrigger("PANIC")
	assert.False(t, ok)
}
