// Package supervisor restarts crashed agent loops under an exponential
// backoff policy, classifying each death as DUMB (code bug — restart),
// SMART (agent chose to stop — don't restart), VOLUNTARY (stopped by the
// scheduler — don't restart), or UNKNOWN (treated conservatively as
// DUMB).
package supervisor

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/config"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/infrastructure/metrics"
	"github.com/r3e-labs/ecocore/system/loop"
)

// Restarter is the subset of *loop.Manager the supervisor needs.
type Restarter interface {
	GetLoop(ownerID string) *loop.Loop
	StartOne(ctx context.Context, ownerID string)
}

// LedgerView is the read-only scrip balance the supervisor consults to
// classify an insolvent agent's death as SMART (economically dead, never
// restarted) rather than DUMB.
type LedgerView interface {
	GetScrip(id string) int64
}

// Supervisor watches loop exits and restarts DUMB/UNKNOWN deaths under
// the configured restart policy, preserving an agent's ledger/artifact
// state across a restart — only the loop's own error counters and crash
// flags are cleared.
type Supervisor struct {
	mu      sync.Mutex
	policy  config.RestartPolicyConfig
	states  map[string]*domain.RestartState
	manager Restarter
	ledger  LedgerView
	logger  *logging.Logger
	clock   func() time.Time
}

// New builds a Supervisor. ledger may be nil, in which case scrip-based
// SMART classification is skipped (the loop's own Death enum still
// governs).
func New(policy config.RestartPolicyConfig, manager Restarter, ledger LedgerView, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		policy:  policy,
		states:  make(map[string]*domain.RestartState),
		manager: manager,
		ledger:  ledger,
		logger:  logger,
		clock:   time.Now,
	}
}

// OnExit is wired as the loop.Manager's onExit hook — called from the
// exited loop's own goroutine-watcher when a loop stops running.
func (s *Supervisor) OnExit(ctx context.Context, ownerID string, report loop.ExitReport) {
	classified := s.classify(ownerID, report)

	if classified == domain.DeathSmart || classified == domain.DeathVoluntary {
		metrics.LoopPermanentDeaths.WithLabelValues(ownerID, string(classified)).Inc()
		if s.logger != nil {
			s.logger.With(nil).Infof("loop %s exited (%s), not restarting", ownerID, classified)
		}
		return
	}

	st := s.stateFor(ownerID)

	s.mu.Lock()
	st.LastDeathType = classified
	if st.PermanentlyDead {
		s.mu.Unlock()
		return
	}
	now := s.clock()
	st.RecentRestarts = pruneOlderThan(st.RecentRestarts, now.Add(-time.Hour))
	if len(st.RecentRestarts) >= maxRestartsPerHour(s.policy) {
		st.PermanentlyDead = true
		s.mu.Unlock()
		metrics.LoopPermanentDeaths.WithLabelValues(ownerID, "restart_cap_exceeded").Inc()
		if s.logger != nil {
			s.logger.With(nil).Warnf("agent %s permanently dead: exceeded %d restarts/hour", ownerID, maxRestartsPerHour(s.policy))
		}
		return
	}

	backoff := s.nextBackoff(st)
	st.RecentRestarts = append(st.RecentRestarts, now)
	st.RestartCount++
	st.CurrentBackoff = backoff
	s.mu.Unlock()

	metrics.LoopRestarts.WithLabelValues(ownerID).Inc()

	go func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.restart(ctx, ownerID)
	}()
}

func (s *Supervisor) restart(ctx context.Context, ownerID string) {
	l := s.manager.GetLoop(ownerID)
	if l == nil {
		return
	}
	s.manager.StartOne(ctx, ownerID)
	if s.logger != nil {
		s.logger.With(nil).Infof("restarted loop %s", ownerID)
	}
}

// nextBackoff computes the next backoff duration, doubling (by
// BackoffMultiplier) up to MaxBackoffSeconds and adding +/-JitterFactor
// jitter. Must be called with s.mu held.
func (s *Supervisor) nextBackoff(st *domain.RestartState) time.Duration {
	initial := s.policy.InitialBackoffSeconds
	if initial <= 0 {
		initial = 1
	}
	mult := s.policy.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}
	maxSecs := s.policy.MaxBackoffSeconds
	if maxSecs <= 0 {
		maxSecs = 300
	}

	base := initial
	if st.CurrentBackoff > 0 {
		base = st.CurrentBackoff.Seconds() * mult
	}
	if base > maxSecs {
		base = maxSecs
	}

	jitter := s.policy.JitterFactor
	if jitter > 0 {
		delta := base * jitter * (2*rand.Float64() - 1)
		base += delta
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base * float64(time.Second))
}

func (s *Supervisor) stateFor(ownerID string) *domain.RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[ownerID]
	if !ok {
		st = &domain.RestartState{}
		s.states[ownerID] = st
	}
	return st
}

// RestartState returns a snapshot of an agent's restart bookkeeping.
func (s *Supervisor) RestartState(ownerID string) domain.RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[ownerID]; ok {
		return *st
	}
	return domain.RestartState{}
}

// classify maps a loop's exit report to a DeathType. Restart decisions
// are driven by this classification alone (testable property 8: a SMART
// death is never restarted).
//
// A loop that already reports SMART or VOLUNTARY is trusted as-is. For
// everything else (DUMB and the conservative UNKNOWN default) two checks
// can still promote the death to SMART before the loop's own verdict
// stands:
//
//  1. An insolvent agent (ledger scrip <= 0) is economically dead
//     regardless of why its loop exited.
//  2. A crash reason naming "resource" or "timeout" is only restart-
//     eligible when the matching restart_on_* policy flag allows it.
func (s *Supervisor) classify(ownerID string, report loop.ExitReport) domain.DeathType {
	if report.Death == domain.DeathSmart || report.Death == domain.DeathVoluntary {
		return report.Death
	}

	if s.ledger != nil && s.ledger.GetScrip(ownerID) <= 0 {
		return domain.DeathSmart
	}

	if reason := crashReason(report); reason != "" {
		lower := strings.ToLower(reason)
		if strings.Contains(lower, "resource") && !s.policy.RestartOnResourceExhaustion {
			return domain.DeathSmart
		}
		if strings.Contains(lower, "timeout") && !s.policy.RestartOnTimeout {
			return domain.DeathSmart
		}
	}

	if report.Death == domain.DeathDumb {
		return domain.DeathDumb
	}
	return domain.DeathUnknown
}

// crashReason extracts the text a dying loop recorded for its exit, if
// any — the same string the loop stores on its own state.CrashReason for
// DUMB deaths (panics, consecutive-error thresholds).
func crashReason(report loop.ExitReport) string {
	if report.Err == nil {
		return ""
	}
	return report.Err.Error()
}

func maxRestartsPerHour(policy config.RestartPolicyConfig) int {
	if policy.MaxRestartsPerHour <= 0 {
		return 10
	}
	return policy.MaxRestartsPerHour
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
