package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "cronos-sentinel/internal/errors"
)

func TestDefaultRegistryOrderAndMetadata(t *testing.T) {
	reg, err := NewDefaultRegistry(Dependencies{})
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 5)
	ids := make([]Kind, 0, len(list))
	for _, d := range list {
		ids = append(ids, d.ID)
		assert.Equal(t, d.ID == KindAdvisoryAI, d.AICapable, d.ID)
		assert.NotEmpty(t, d.Name)
	}
	assert.Equal(t, []Kind{
		KindSettlementOptimizer,
		KindRiskSentinel,
		KindEmergencyBrake,
		KindGasMonitor,
		KindAdvisoryAI,
	}, ids)
}

func TestRegistryGetUnknown(t *testing.T) {
	reg, err := NewDefaultRegistry(Dependencies{})
	require.NoError(t, err)

	_, err = reg.Get("nope")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnknownAgent))

	e, ok := xerrors.From(err)
	require.True(t, ok)
	available, ok := e.Metadata()["available_agents"].([]string)
	require.True(t, ok)
	assert.Len(t, available, 5)
	assert.Equal(t, string(KindSettlementOptimizer), available[0])
}

func TestRegistrySealAndDuplicates(t *testing.T) {
	reg := NewRegistry()
	desc := Descriptor{ID: "x", Name: "X"}
	require.NoError(t, reg.Register(desc, RiskSentinel{}))

	err := reg.Register(desc, RiskSentinel{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	reg.Seal()
	err = reg.Register(Descriptor{ID: "y"}, RiskSentinel{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	s, err := reg.Get("x")
	require.NoError(t, err)
	p := s.Decide(context.Background(), DecisionContext{Balance: wei(10)})
	assert.Equal(t, "5", p.ProposedLimit.String())
}

func TestRegistryRejectsNilStrategy(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Descriptor{ID: "z"}, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
