package domain

import "time"

// LoopStatus is the state-machine position of a Loop.
type LoopStatus string

const (
	LoopStarting LoopStatus = "STARTING"
	LoopRunning  LoopStatus = "RUNNING"
	LoopSleeping LoopStatus = "SLEEPING"
	LoopPaused   LoopStatus = "PAUSED"
	LoopStopping LoopStatus = "STOPPING"
	LoopStopped  LoopStatus = "STOPPED"
)

// WakeKind tags the variant of a WakeCondition.
type WakeKind string

const (
	WakeKindTime     WakeKind = "time"
	WakeKindEvent    WakeKind = "event"
	WakeKindResource WakeKind = "resource"
)

// WakeCondition is a tagged variant describing why a sleeping loop will wake.
type WakeCondition struct {
	Kind      WakeKind  `json:"kind" yaml:"kind"`
	At        time.Time `json:"at,omitempty" yaml:"at,omitempty"`
	EventName string    `json:"event_name,omitempty" yaml:"event_name,omitempty"`
	Resource  string    `json:"resource,omitempty" yaml:"resource,omitempty"`
	Threshold float64   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// LoopState is the observable state of a single loop.
type LoopState struct {
	Status             LoopStatus     `json:"state" yaml:"state"`
	ConsecutiveErrors  int            `json:"consecutive_errors" yaml:"consecutive_errors"`
	IterationCount     uint64         `json:"iteration_count" yaml:"iteration_count"`
	WakeCondition      *WakeCondition `json:"wake_condition,omitempty" yaml:"wake_condition,omitempty"`
	CrashReason        string         `json:"crash_reason,omitempty" yaml:"crash_reason,omitempty"`
	VoluntaryShutdown  bool           `json:"voluntary_shutdown" yaml:"voluntary_shutdown"`
}

// Clone returns a deep copy of the state snapshot.
func (s LoopState) Clone() LoopState {
	out := s
	if s.WakeCondition != nil {
		wc := *s.WakeCondition
		out.WakeCondition = &wc
	}
	return out
}

// DeathType classifies why a loop stopped running, for the supervisor.
type DeathType string

const (
	DeathDumb      DeathType = "DUMB"
	DeathSmart     DeathType = "SMART"
	DeathVoluntary DeathType = "VOLUNTARY"
	DeathUnknown   DeathType = "UNKNOWN"
)

// RestartState is per-agent restart bookkeeping owned by the supervisor.
type RestartState struct {
	RestartCount      int         `json:"restart_count" yaml:"restart_count"`
	RecentRestarts    []time.Time `json:"recent_restarts" yaml:"recent_restarts"`
	CurrentBackoff    time.Duration `json:"current_backoff" yaml:"current_backoff"`
	LastDeathType     DeathType   `json:"last_death_type" yaml:"last_death_type"`
	PermanentlyDead   bool        `json:"permanently_dead" yaml:"permanently_dead"`
}

// UsageRecord is one metered consumption event for the rate limiter.
type UsageRecord struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Amount    float64   `json:"amount" yaml:"amount"`
}
