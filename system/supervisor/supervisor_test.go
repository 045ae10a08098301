package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/config"
	"github.com/r3e-labs/ecocore/system/loop"
)

type fakeManager struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeManager) GetLoop(ownerID string) *loop.Loop {
	return loop.New(ownerID, config.AgentLoopConfig{}, loop.Callbacks{Decide: func(ctx context.Context) (any, error) { return nil, nil }}, nil, nil)
}

func (f *fakeManager) StartOne(ctx context.Context, ownerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, ownerID)
}

func (f *fakeManager) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func fastPolicy() config.RestartPolicyConfig {
	return config.RestartPolicyConfig{
		MaxRestartsPerHour:    10,
		InitialBackoffSeconds: 0.01,
		BackoffMultiplier:     2,
		MaxBackoffSeconds:     1,
		JitterFactor:          0,
	}
}

// Testable property 8: a SMART death is never restarted.
func TestSupervisor_NeverRestartsSmartDeath(t *testing.T) {
	mgr := &fakeManager{}
	s := New(fastPolicy(), mgr, nil, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathSmart})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, mgr.startedCount())
}

func TestSupervisor_NeverRestartsVoluntaryDeath(t *testing.T) {
	mgr := &fakeManager{}
	s := New(fastPolicy(), mgr, nil, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathVoluntary})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, mgr.startedCount())
}

func TestSupervisor_RestartsDumbDeathAfterBackoff(t *testing.T) {
	mgr := &fakeManager{}
	s := New(fastPolicy(), mgr, nil, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathDumb})
	require.Eventually(t, func() bool { return mgr.startedCount() == 1 }, time.Second, 5*time.Millisecond)

	st := s.RestartState("agent-1")
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, domain.DeathDumb, st.LastDeathType)
}

func TestSupervisor_RestartsUnknownDeathConservatively(t *testing.T) {
	mgr := &fakeManager{}
	s := New(fastPolicy(), mgr, nil, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{})
	require.Eventually(t, func() bool { return mgr.startedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_PermanentlyDeadAfterExceedingRestartCap(t *testing.T) {
	mgr := &fakeManager{}
	policy := fastPolicy()
	policy.MaxRestartsPerHour = 2
	s := New(policy, mgr, nil, nil)

	for i := 0; i < 2; i++ {
		s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathDumb})
		time.Sleep(20 * time.Millisecond)
	}
	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathDumb})
	time.Sleep(20 * time.Millisecond)

	st := s.RestartState("agent-1")
	assert.True(t, st.PermanentlyDead)
	assert.Equal(t, 2, mgr.startedCount())
}

type fakeLedger struct {
	scrip map[string]int64
}

func (f *fakeLedger) GetScrip(id string) int64 {
	return f.scrip[id]
}

// Testable property 8 again, via the scrip route: a DUMB death is
// reclassified SMART (and never restarted) when the agent is insolvent.
func TestSupervisor_InsolventDumbDeathIsClassifiedSmart(t *testing.T) {
	mgr := &fakeManager{}
	led := &fakeLedger{scrip: map[string]int64{"agent-1": 0}}
	s := New(fastPolicy(), mgr, led, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathDumb})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, mgr.startedCount())
}

func TestSupervisor_SolventDumbDeathStillRestarts(t *testing.T) {
	mgr := &fakeManager{}
	led := &fakeLedger{scrip: map[string]int64{"agent-1": 50}}
	s := New(fastPolicy(), mgr, led, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathDumb})
	require.Eventually(t, func() bool { return mgr.startedCount() == 1 }, time.Second, 5*time.Millisecond)
}

// A DUMB death whose crash reason names resource exhaustion is only
// restart-eligible when the policy allows it.
func TestSupervisor_ResourceExhaustionCrashNotRestartedWhenPolicyForbids(t *testing.T) {
	mgr := &fakeManager{}
	policy := fastPolicy()
	policy.RestartOnResourceExhaustion = false
	s := New(policy, mgr, nil, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathDumb, Err: errors.New("resource exhausted: api_cost")})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, mgr.startedCount())
}

func TestSupervisor_TimeoutCrashStillRestartedWhenPolicyAllows(t *testing.T) {
	mgr := &fakeManager{}
	policy := fastPolicy()
	policy.RestartOnTimeout = true
	s := New(policy, mgr, nil, nil)

	s.OnExit(context.Background(), "agent-1", loop.ExitReport{Death: domain.DeathDumb, Err: errors.New("context deadline exceeded: timeout")})
	require.Eventually(t, func() bool { return mgr.startedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_BackoffDoublesWithMultiplier(t *testing.T) {
	mgr := &fakeManager{}
	policy := fastPolicy()
	policy.InitialBackoffSeconds = 1
	policy.BackoffMultiplier = 2
	policy.MaxBackoffSeconds = 100
	s := New(policy, mgr, nil, nil)

	st := &domain.RestartState{}
	first := s.nextBackoff(st)
	st.CurrentBackoff = first
	second := s.nextBackoff(st)

	assert.InDelta(t, 1.0, first.Seconds(), 0.001)
	assert.InDelta(t, 2.0, second.Seconds(), 0.001)
}
