package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/config"
	rterrors "github.com/r3e-labs/ecocore/infrastructure/errors"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/infrastructure/metrics"
	"github.com/r3e-labs/ecocore/system/artifact"
	"github.com/r3e-labs/ecocore/system/auction"
	"github.com/r3e-labs/ecocore/system/checkpoint"
	"github.com/r3e-labs/ecocore/system/contract"
	"github.com/r3e-labs/ecocore/system/eventlog"
	"github.com/r3e-labs/ecocore/system/kernel"
	"github.com/r3e-labs/ecocore/system/ledger"
	"github.com/r3e-labs/ecocore/system/llmgateway"
	"github.com/r3e-labs/ecocore/system/loop"
	"github.com/r3e-labs/ecocore/system/ratelimit"
	"github.com/r3e-labs/ecocore/system/sandbox"
	"github.com/r3e-labs/ecocore/system/supervisor"
)

// LLMGatewayArtifactID is the well-known id of the bootstrap LLM
// gateway artifact.
const LLMGatewayArtifactID = "kernel_llm_gateway"

const llmGatewayCode = `function run(prompt, model) { return _syscall_llm(prompt, model); }`

// Config wires a Driver's collaborators and startup options.
type Config struct {
	World  *config.World
	Logger *logging.Logger

	// Provider is the LLM integration seam; the wire protocol to any
	// real vendor is out of scope.
	Provider llmgateway.Provider

	// Score decides the mint auction's winner each round. The driver
	// leaves the auction's MintAmount and UBIAmount at zero, so a
	// resolved round credits no scrip to anyone, with or without Score.
	Score auction.ScoreFunc

	// EventLogWriter receives the append-only JSONL event stream; a nil
	// writer discards it (still tracked in-memory for replay/checkpoint).
	EventLogWriter io.Writer
}

// Driver is the top-level entry point: it bootstraps the world, wires
// every component together, and runs the single autonomous
// wall-clock-duration run mode.
type Driver struct {
	cfg    *config.World
	logger *logging.Logger

	log        *eventlog.Log
	ledger     *ledger.Ledger
	artifacts  *artifact.Store
	limiter    *ratelimit.Limiter
	executor   *sandbox.Executor
	contracts  *contract.Checker
	llm        *llmgateway.Gateway
	auction    *auction.Auction
	manager    *loop.Manager
	supervisor *supervisor.Supervisor
	checkpoint *checkpoint.Manager

	state      *kernel.State
	actions    *kernel.Actions

	mu                sync.Mutex
	cumulativeAPICost float64
	paused            bool
	resumeCh          chan struct{}
	startedAt         time.Time
}

// New builds a Driver from cfg, wiring every subsystem but not yet
// seeding any artifacts — call Bootstrap for that.
func New(cfg Config) *Driver {
	world := cfg.World
	if world == nil {
		world = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewFromEnv("scheduler")
	}

	registry := ledger.NewIDRegistry()
	logWriter := cfg.EventLogWriter
	if logWriter == nil {
		logWriter = io.Discard
	}
	log := eventlog.New(logWriter, eventlog.WithLogger(logger))
	led := ledger.New(registry, log, logger)
	store := artifact.New(registry, log, nil)
	limiter := ratelimit.New(world.RateLimiting.WindowSeconds, nil)
	for resource, rc := range world.RateLimiting.Resources {
		limiter.ConfigureLimit(resource, rc.MaxPerWindow)
	}

	execTimeout := time.Duration(world.Executor.TimeoutSeconds * float64(time.Second))
	executor := sandbox.New(sandbox.Config{Timeout: execTimeout}, logger)
	checker := contract.New(store, led, executor, world.Executor.MaxContractDepth, logger)
	store.SetPermissionChecker(checker)

	d := &Driver{
		cfg:       world,
		logger:    logger,
		log:       log,
		ledger:    led,
		artifacts: store,
		limiter:   limiter,
		executor:  executor,
		contracts: checker,
		resumeCh:  make(chan struct{}),
	}

	d.llm = llmgateway.New(llmgateway.Config{
		Ledger:            led,
		Log:               log,
		Provider:          cfg.Provider,
		CostPerToken:      world.LLM.CostPerToken,
		Logger:            logger,
		IsBudgetExhausted: d.isBudgetExhausted,
		TrackAPICost:      d.trackAPICost,
	})

	d.state = kernel.NewState(led, store, d.readArtifact)
	d.actions = kernel.NewActions(led, log, limiter)

	d.auction = auction.New(auction.Config{
		Ledger:            led,
		Log:               log,
		Logger:            logger,
		Score:             cfg.Score,
		IsBudgetExhausted: d.isBudgetExhausted,
		TrackAPICost:      d.trackAPICost,
	})

	d.manager = loop.NewManager(world.Execution.AgentLoop, resourceCheckerFunc(led.GetResource), logger, d.onLoopExit)
	if world.Supervisor.Enabled {
		d.supervisor = supervisor.New(world.Supervisor.RestartPolicy, d.manager, led, logger)
	}

	d.checkpoint = checkpoint.New(checkpoint.Config{
		Ledger:            led,
		Artifacts:         store,
		Path:              world.Budget.CheckpointFile,
		Logger:            logger,
		CumulativeAPICost: d.getCumulativeAPICost,
		CurrentSequence:   log.CurrentSequence,
		SeedSequence:      log.SeedSequence,
	})

	return d
}

// resourceCheckerFunc adapts *ledger.Ledger to loop.ResourceChecker.
type resourceCheckerFunc func(ownerID, resource string) float64

func (f resourceCheckerFunc) GetResource(ownerID, resource string) float64 { return f(ownerID, resource) }

// Bootstrap seeds the system artifacts every run needs: the LLM gateway
// bootstrap artifact. It is idempotent against an already-populated
// store (a restored checkpoint already carries it forward).
func (d *Driver) Bootstrap() error {
	if existing := d.artifacts.Get(LLMGatewayArtifactID); existing != nil {
		return nil
	}
	_, err := d.artifacts.Write(artifact.WriteRequest{
		ID:           LLMGatewayArtifactID,
		Type:         domain.ArtifactTypeExecutable,
		Code:         llmGatewayCode,
		Executable:   true,
		HasStanding:  false,
		HasLoop:      false,
		Capabilities: map[string]bool{"can_call_llm": true},
		CreatedBy:    LLMGatewayArtifactID,
	})
	if err != nil {
		return fmt.Errorf("bootstrap llm gateway: %w", err)
	}
	return nil
}

// RestoreFromCheckpoint loads and applies a checkpoint document,
// enforcing the Standing-invariant compensating sweep.
func (d *Driver) RestoreFromCheckpoint() error {
	doc, err := d.checkpoint.Load()
	if err != nil {
		return err
	}
	d.checkpoint.Restore(doc)
	return nil
}

// RegisterAgent adds an agent loop driven by the given artifact's own
// decide/execute sandboxed entry points.
func (d *Driver) RegisterAgent(artifactID string) *loop.Loop {
	behavior := newSandboxAgent(artifactID, d.artifacts, d.executor, d.state, d.actions, d.llm.Syscall)
	isAlive := func() bool {
		art := d.artifacts.Get(artifactID)
		return art != nil && !art.Deleted
	}
	return d.manager.CreateLoop(artifactID, agentCallbacks(behavior, isAlive))
}

// readArtifact is the permission hook kernel.State calls on every read;
// it enforces an artifact's access_contract_id, if any.
func (d *Driver) readArtifact(id, callerID string) (*domain.Artifact, error) {
	art := d.artifacts.Get(id)
	if art == nil {
		return nil, nil
	}
	if art.AccessContractID == "" {
		return art, nil
	}
	decision, err := d.contracts.CheckPermission(art.AccessContractID, callerID, "read", id, nil)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, rterrors.PermissionDenied(decision.Reason)
	}
	return art, nil
}

// saveCheckpoint writes an out-of-band checkpoint for a notable stop
// condition, if a checkpoint file is configured.
func (d *Driver) saveCheckpoint(reason string) {
	if d.cfg.Budget.CheckpointFile == "" {
		return
	}
	if err := d.checkpoint.Save(reason, d.agentIDs()); err != nil {
		d.logger.With(nil).WithError(err).Warn("checkpoint save failed")
	}
}

// agentIDs lists every currently-registered loop's owner ID, for the
// periodic checkpoint to snapshot.
func (d *Driver) agentIDs() []string {
	states := d.manager.GetAllStates()
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	return ids
}

func (d *Driver) onLoopExit(ownerID string, report loop.ExitReport) {
	if d.supervisor != nil {
		d.supervisor.OnExit(context.Background(), ownerID, report)
	}
}

func (d *Driver) trackAPICost(cost float64) {
	d.mu.Lock()
	d.cumulativeAPICost += cost
	metrics.APICostCumulative.Set(d.cumulativeAPICost)
	d.mu.Unlock()
}

func (d *Driver) getCumulativeAPICost() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cumulativeAPICost
}

func (d *Driver) isBudgetExhausted() bool {
	if d.cfg.Budget.MaxAPICost <= 0 {
		return false
	}
	return d.getCumulativeAPICost() >= d.cfg.Budget.MaxAPICost
}

func (d *Driver) runtimeExceeded() bool {
	if d.cfg.World.MaxDurationSeconds <= 0 {
		return false
	}
	return time.Since(d.startedAt) >= time.Duration(d.cfg.World.MaxDurationSeconds)*time.Second
}

// Pause toggles the driver's watch loop into a paused state and pauses
// every running loop cooperatively — in-flight iterations are never
// interrupted, only the next iteration is held back.
func (d *Driver) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.manager.PauseAll()
}

// Resume reverses Pause.
func (d *Driver) Resume() {
	d.mu.Lock()
	if !d.paused {
		d.mu.Unlock()
		return
	}
	d.paused = false
	close(d.resumeCh)
	d.resumeCh = make(chan struct{})
	d.mu.Unlock()
	d.manager.ResumeAll()
}

func (d *Driver) isPaused() (bool, <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused, d.resumeCh
}

// Run executes the single autonomous run mode: discovers artifact
// loops, starts every loop, runs the mint-update task, and watches
// until one of the recognized stop conditions fires.
func (d *Driver) Run(ctx context.Context, duration time.Duration) error {
	d.startedAt = time.Now()

	d.manager.DiscoverLoops(d.artifacts, d.invokeArtifact)
	d.manager.StartAll(ctx)

	if d.cfg.Budget.CheckpointFile != "" && d.cfg.Budget.CheckpointCron != "" {
		if err := d.checkpoint.StartPeriodic(d.cfg.Budget.CheckpointCron, d.agentIDs); err != nil {
			d.logger.With(nil).WithError(err).Warn("periodic checkpoint disabled")
		} else {
			defer d.checkpoint.Stop()
		}
	}

	mintCtx, cancelMint := context.WithCancel(ctx)
	defer cancelMint()
	go d.runMintUpdater(mintCtx)

	watchInterval := 1 * time.Second
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		if paused, resume := d.isPaused(); paused {
			select {
			case <-ctx.Done():
				cancelMint()
				d.manager.StopAll(5 * time.Second)
				return ctx.Err()
			case <-resume:
			}
			continue
		}

		if d.isBudgetExhausted() {
			d.logger.With(nil).Info("stopping: api budget exhausted")
			d.saveCheckpoint("budget_exhausted")
			break
		}
		if d.runtimeExceeded() {
			d.logger.With(nil).Info("stopping: max runtime exceeded")
			break
		}
		if duration > 0 && time.Since(d.startedAt) >= duration {
			d.logger.With(nil).Info("stopping: requested duration elapsed")
			break
		}
		if duration <= 0 && d.manager.RunningCount() == 0 {
			d.logger.With(nil).Info("stopping: no loops remain running")
			break
		}

		select {
		case <-ctx.Done():
			cancelMint()
			d.manager.StopAll(5 * time.Second)
			return ctx.Err()
		case <-ticker.C:
		}
	}

	cancelMint()
	d.manager.StopAll(5 * time.Second)
	return nil
}

func (d *Driver) runMintUpdater(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.isBudgetExhausted() {
				continue
			}
			if _, err := d.auction.Update(ctx); err != nil {
				d.logger.With(nil).WithError(err).Warn("mint auction update failed")
			}
		}
	}
}

// invokeArtifact builds the InvokeFunc for a discovered artifact loop:
// running the artifact's own code, as its own principal, once per
// iteration.
func (d *Driver) invokeArtifact(art *domain.Artifact) loop.InvokeFunc {
	return func(ctx context.Context) error {
		current := d.artifacts.Get(art.ID)
		if current == nil || current.Deleted {
			return fmt.Errorf("artifact %s no longer exists", art.ID)
		}
		result, err := d.executor.Execute(sandbox.CallRequest{
			Artifact: current,
			CallerID: art.ID,
			State:    d.state,
			Actions:  d.actions,
			LLM:      d.llm.Syscall,
		})
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("artifact loop iteration failed: %s", result.Error)
		}
		return nil
	}
}
