package llmgateway

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "github.com/r3e-labs/ecocore/infrastructure/errors"
	"github.com/r3e-labs/ecocore/system/eventlog"
	"github.com/r3e-labs/ecocore/system/ledger"
)

type stubProvider struct {
	content string
	tokens  int
	err     error
}

func (s stubProvider) Complete(ctx context.Context, prompt, model string) (string, int, error) {
	return s.content, s.tokens, s.err
}

func newTestGateway(t *testing.T, provider Provider) (*Gateway, *ledger.Ledger) {
	t.Helper()
	log := eventlog.New(&bytes.Buffer{})
	l := ledger.New(ledger.NewIDRegistry(), log, nil)
	_, err := l.CreatePrincipal("alice", 0, map[string]float64{"llm_budget": 100})
	require.NoError(t, err)
	g := New(Config{Ledger: l, Log: log, Provider: provider, CostPerToken: 0.01})
	return g, l
}

func TestCall_SuccessDebitsBudget(t *testing.T) {
	g, l := newTestGateway(t, stubProvider{content: "hello", tokens: 10})
	result, err := g.Call(context.Background(), "alice", "prompt", "model-x")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content)
	assert.InDelta(t, 0.1, result.Cost, 0.0001)
	assert.InDelta(t, 99.9, l.GetResource("alice", "llm_budget"), 0.0001)
}

func TestCall_FailsFastWhenBalanceZero(t *testing.T) {
	g, _ := newTestGateway(t, stubProvider{content: "hello", tokens: 10})
	_, err := g.Call(context.Background(), "bob", "prompt", "model-x")
	require.Error(t, err)
	assert.True(t, rterrors.Is(err, rterrors.CodeInsufficientResource))
}

func TestCall_BudgetExhaustedCallbackBlocksCall(t *testing.T) {
	log := eventlog.New(&bytes.Buffer{})
	l := ledger.New(ledger.NewIDRegistry(), log, nil)
	_, err := l.CreatePrincipal("alice", 0, map[string]float64{"llm_budget": 100})
	require.NoError(t, err)
	g := New(Config{Ledger: l, Log: log, Provider: stubProvider{content: "x", tokens: 1}, IsBudgetExhausted: func() bool { return true }})

	_, err = g.Call(context.Background(), "alice", "prompt", "model-x")
	require.Error(t, err)
	assert.True(t, rterrors.Is(err, rterrors.CodeBudgetExhausted))
}

func TestCall_NilProviderFailsAsRuntimeFailure(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	_, err := g.Call(context.Background(), "alice", "prompt", "model-x")
	require.Error(t, err)
	assert.True(t, rterrors.Is(err, rterrors.CodeRuntimeFailure))
}

func TestCall_ProviderErrorSwallowedIntoRuntimeFailure(t *testing.T) {
	g, _ := newTestGateway(t, stubProvider{err: errors.New("provider down")})
	_, err := g.Call(context.Background(), "alice", "prompt", "model-x")
	require.Error(t, err)
	assert.True(t, rterrors.Is(err, rterrors.CodeRuntimeFailure))
}

func TestCall_DebitRaceStillReturnsSuccess(t *testing.T) {
	log := eventlog.New(&bytes.Buffer{})
	l := ledger.New(ledger.NewIDRegistry(), log, nil)
	_, err := l.CreatePrincipal("alice", 0, map[string]float64{"llm_budget": 1})
	require.NoError(t, err)
	// Cost exceeds balance, simulating a debit that loses a race.
	g := New(Config{Ledger: l, Log: log, Provider: stubProvider{content: "x", tokens: 1000}, CostPerToken: 1})

	result, err := g.Call(context.Background(), "alice", "prompt", "model-x")
	require.NoError(t, err)
	assert.Equal(t, "x", result.Content)
}
