package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/ecocore/infrastructure/config"
)

func fastConfig() config.AgentLoopConfig {
	return config.AgentLoopConfig{
		MinLoopDelaySeconds:          0,
		MaxLoopDelaySeconds:          0,
		ResourceCheckIntervalSeconds: 0,
		MaxConsecutiveErrors:         3,
	}
}

func TestLoop_RunsIterationsUntilStopped(t *testing.T) {
	var count int32
	l := New("agent-1", fastConfig(), Callbacks{
		Decide: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&count, 1)
			return nil, nil
		},
	}, nil, nil)

	exitCh := l.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	l.Stop(time.Second)

	<-exitCh
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(1))
	assert.Equal(t, "STOPPED", string(l.State().Status))
}

func TestLoop_VoluntaryShutdownIsSmartDeath(t *testing.T) {
	l := New("agent-2", fastConfig(), Callbacks{
		Decide:  func(ctx context.Context) (any, error) { return nil, nil },
		IsAlive: func() bool { return false },
	}, nil, nil)

	exitCh := l.Start(context.Background())
	report := <-exitCh
	assert.Equal(t, DeathSmart, report.Death)
	assert.True(t, l.State().VoluntaryShutdown)
}

func TestLoop_RepeatedErrorsCrashAsDumbDeath(t *testing.T) {
	l := New("agent-3", fastConfig(), Callbacks{
		Decide: func(ctx context.Context) (any, error) { return nil, errors.New("boom") },
	}, nil, nil)

	exitCh := l.Start(context.Background())
	report := <-exitCh
	assert.Equal(t, DeathDumb, report.Death)
	assert.Equal(t, 3, l.State().ConsecutiveErrors)
}

func TestLoop_PanicRecoveredAsDumbDeath(t *testing.T) {
	l := New("agent-4", fastConfig(), Callbacks{
		Decide: func(ctx context.Context) (any, error) { panic("kaboom") },
	}, nil, nil)

	exitCh := l.Start(context.Background())
	report := <-exitCh
	assert.Equal(t, DeathDumb, report.Death)
	assert.Contains(t, l.State().CrashReason, "kaboom")
}

func TestLoop_StartIsIdempotent(t *testing.T) {
	l := New("agent-5", fastConfig(), Callbacks{
		Decide: func(ctx context.Context) (any, error) { return nil, nil },
	}, nil, nil)

	ch1 := l.Start(context.Background())
	ch2 := l.Start(context.Background())
	assert.Equal(t, ch1, ch2)
	l.Stop(time.Second)
}

type fakeResources struct{ balances map[string]float64 }

func (f fakeResources) GetResource(ownerID, resource string) float64 { return f.balances[ownerID+"/"+resource] }

func TestLoop_ResourceExhaustionSkipsIteration(t *testing.T) {
	var calls int32
	cfg := fastConfig()
	cfg.ResourcesToCheck = []string{"llm_budget"}
	cfg.ResourceExhaustionPolicy = "skip"
	cfg.ResourceCheckIntervalSeconds = 0.01

	res := fakeResources{balances: map[string]float64{"agent-6/llm_budget": 0}}
	l := New("agent-6", cfg, Callbacks{
		Decide: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	}, res, nil)

	exitCh := l.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	l.Stop(time.Second)
	<-exitCh

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestLoop_PauseResumeBlocksIterations(t *testing.T) {
	var calls int32
	l := New("agent-7", fastConfig(), Callbacks{
		Decide: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	}, nil, nil)

	exitCh := l.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	l.Pause()
	require.Equal(t, "PAUSED", string(l.State().Status))

	afterPause := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, afterPause, atomic.LoadInt32(&calls))

	l.Resume()
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&calls), afterPause)

	l.Stop(time.Second)
	<-exitCh
}

func TestManager_StartAllAndStopAll(t *testing.T) {
	m := NewManager(fastConfig(), nil, nil, nil)
	m.CreateLoop("a1", Callbacks{Decide: func(ctx context.Context) (any, error) { return nil, nil }})
	m.CreateLoop("a2", Callbacks{Decide: func(ctx context.Context) (any, error) { return nil, nil }})

	m.StartAll(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, m.RunningCount())

	m.StopAll(time.Second)
	assert.Equal(t, 0, m.RunningCount())
}

func TestManager_CreateLoopIdempotent(t *testing.T) {
	m := NewManager(fastConfig(), nil, nil, nil)
	l1 := m.CreateLoop("a1", Callbacks{Decide: func(ctx context.Context) (any, error) { return nil, nil }})
	l2 := m.CreateLoop("a1", Callbacks{Decide: func(ctx context.Context) (any, error) { return nil, nil }})
	assert.Same(t, l1, l2)
}
