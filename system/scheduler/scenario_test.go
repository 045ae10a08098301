package scheduler

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/config"
	"github.com/r3e-labs/ecocore/system/artifact"
	"github.com/r3e-labs/ecocore/system/contract"
	"github.com/r3e-labs/ecocore/system/loop"
)

// A deny-all private contract attached to an artifact blocks a
// non-owner write outright: no content change, no balance change.
func TestScenario_DenyAllContractBlocksCrossOwnerWrite(t *testing.T) {
	d := New(Config{World: config.Default()})

	d.contracts.Register(contract.Descriptor{ID: "deny-all", Kind: contract.KindPrivate, OwnerID: "alice"})
	_, err := d.ledger.CreatePrincipal("alice", 50, nil)
	require.NoError(t, err)

	_, err = d.artifacts.Write(artifact.WriteRequest{
		ID:               "doc1",
		Type:             domain.ArtifactTypeData,
		Content:          []byte("v1"),
		CreatedBy:        "alice",
		AccessContractID: "deny-all",
	})
	require.NoError(t, err)
	aliceBefore := d.ledger.GetScrip("alice")

	_, err = d.artifacts.Write(artifact.WriteRequest{
		ID:        "doc1",
		Type:      domain.ArtifactTypeData,
		Content:   []byte("v2"),
		CreatedBy: "bob",
	})
	require.Error(t, err)

	got := d.artifacts.Get("doc1")
	assert.Equal(t, []byte("v1"), got.Content)
	assert.Equal(t, aliceBefore, d.ledger.GetScrip("alice"))
}

// A loop that exceeds max_consecutive_errors is parked at PAUSED (not
// STOPPED) with its error count preserved; the supervisor, seeing a
// solvent agent, classifies the death DUMB and restarts it — clearing
// consecutive_errors back to zero.
func TestScenario_DumbDeathRestartsAndResetsErrorCount(t *testing.T) {
	cfg := config.Default()
	cfg.Execution.AgentLoop.MaxConsecutiveErrors = 3
	cfg.Execution.AgentLoop.MinLoopDelaySeconds = 0
	cfg.Execution.AgentLoop.MaxLoopDelaySeconds = 0
	cfg.Supervisor.RestartPolicy.InitialBackoffSeconds = 0.02
	cfg.Supervisor.RestartPolicy.MaxBackoffSeconds = 0.05
	cfg.Supervisor.RestartPolicy.JitterFactor = 0

	d := New(Config{World: cfg})
	_, err := d.ledger.CreatePrincipal("agent-l", 10, nil)
	require.NoError(t, err)

	var calls int32
	hang := make(chan struct{})
	l := d.manager.CreateLoop("agent-l", loop.Callbacks{
		Decide: func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&calls, 1)
			if n <= 3 {
				return nil, errors.New("boom")
			}
			<-hang
			return nil, nil
		},
	})

	d.manager.StartOne(context.Background(), "agent-l")

	require.Eventually(t, func() bool {
		return l.State().Status == domain.LoopPaused
	}, time.Second, 5*time.Millisecond, "loop should pause after exceeding max_consecutive_errors")
	assert.GreaterOrEqual(t, l.State().ConsecutiveErrors, 3)

	require.Eventually(t, func() bool {
		return l.IsRunning()
	}, time.Second, 5*time.Millisecond, "supervisor should restart a solvent agent's dumb death")
	assert.Equal(t, 0, l.State().ConsecutiveErrors)

	close(hang)
	l.Stop(time.Second)
}

// Once cumulative API cost crosses max_api_cost, the driver's watch
// loop exits within its next poll and leaves a checkpoint behind
// tagged budget_exhausted.
func TestScenario_BudgetExhaustionStopsDriverAndCheckpoints(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "ckpt-*.yaml")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg := config.Default()
	cfg.Budget.MaxAPICost = 0.01
	cfg.Budget.CheckpointFile = f.Name()

	d := New(Config{World: cfg})
	d.trackAPICost(0.02)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err = d.Run(ctx, 0)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)

	doc, err := d.checkpoint.Load()
	require.NoError(t, err)
	assert.Equal(t, "budget_exhausted", doc.Reason)
}
