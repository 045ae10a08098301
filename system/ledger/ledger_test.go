package ledger

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/system/eventlog"
)

func newTestLedger(t *testing.T) (*Ledger, *eventlog.Log) {
	t.Helper()
	buf := &bytes.Buffer{}
	log := eventlog.New(buf)
	l := New(NewIDRegistry(), log, logging.New("ledger-test", "error", "text"))
	return l, log
}

// alice=100, bob=100, alice transfers 30 to bob.
func TestTransferScrip_MovesBalanceAtomically(t *testing.T) {
	l, log := newTestLedger(t)
	_, err := l.CreatePrincipal("alice", 100, nil)
	require.NoError(t, err)
	_, err = l.CreatePrincipal("bob", 100, nil)
	require.NoError(t, err)

	seqBefore := log.CurrentSequence()
	require.NoError(t, l.TransferScrip("alice", "bob", 30))

	assert.Equal(t, int64(70), l.GetScrip("alice"))
	assert.Equal(t, int64(130), l.GetScrip("bob"))
	assert.Equal(t, seqBefore+1, log.CurrentSequence())

	events := log.Read(0, 0, nil)
	var transfers int
	for _, e := range events {
		if e.Type == "transfer_success" {
			transfers++
		}
	}
	assert.Equal(t, 1, transfers)
}

func TestDeductScrip_InsufficientLeavesUnchanged(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.CreatePrincipal("alice", 10, nil)
	require.NoError(t, err)

	_, err = l.DeductScrip("alice", 20)
	assert.Error(t, err)
	assert.Equal(t, int64(10), l.GetScrip("alice"))
}

func TestTransferScrip_AtomicOnFailure(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _ = l.CreatePrincipal("alice", 5, nil)
	_, _ = l.CreatePrincipal("bob", 5, nil)

	err := l.TransferScrip("alice", "bob", 100)
	assert.Error(t, err)
	assert.Equal(t, int64(5), l.GetScrip("alice"))
	assert.Equal(t, int64(5), l.GetScrip("bob"))
}

func TestCreatePrincipal_IDCollision(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.CreatePrincipal("alice", 0, nil)
	require.NoError(t, err)
	_, err = l.CreatePrincipal("alice", 0, nil)
	assert.Error(t, err)
}

// Testable property 1: balances never go negative under concurrent spends.
func TestConcurrentSpendResource_NeverNegative(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _ = l.CreatePrincipal("alice", 0, map[string]float64{"llm_budget": 10})

	var wg sync.WaitGroup
	successes := int32(0)
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.SpendResource("alice", "llm_budget", 1); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), successes)
	assert.GreaterOrEqual(t, l.GetResource("alice", "llm_budget"), 0.0)
}

func TestNonAgentArtifactIDCollidesWithPrincipal(t *testing.T) {
	reg := NewIDRegistry()
	assert.False(t, reg.Register("p1", KindPrincipal))
	assert.True(t, reg.Register("p1", KindArtifact))
}

func TestAgentArtifactSharesIDWithPrincipal(t *testing.T) {
	reg := NewIDRegistry()
	assert.False(t, reg.Register("p1", KindPrincipal))
	assert.False(t, reg.Register("p1", KindAgentArtifact))
}
