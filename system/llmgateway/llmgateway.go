// Package llmgateway implements the bootstrap kernel_llm_gateway
// artifact's backing syscall: a capability-gated, metered call out to an
// opaque LLM provider. The wire protocol to any real vendor is
// explicitly out of scope — Provider is the seam a real integration
// would sit behind.
package llmgateway

import (
	"context"
	"fmt"

	rterrors "github.com/r3e-labs/ecocore/infrastructure/errors"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/system/eventlog"
	"github.com/r3e-labs/ecocore/system/ledger"
	"github.com/r3e-labs/ecocore/system/sandbox"
)

// Provider performs the actual (opaque) LLM call. Production wiring
// supplies a real vendor client; tests and local runs can use a stub.
type Provider interface {
	Complete(ctx context.Context, prompt, model string) (content string, tokens int, err error)
}

// Gateway meters and dispatches LLM calls on behalf of capability-gated
// artifacts, debiting the caller's llm_budget resource per call.
type Gateway struct {
	ledger          *ledger.Ledger
	log             *eventlog.Log
	provider        Provider
	costPerToken    float64
	resourceName    string
	logger          *logging.Logger
	isBudgetExhausted func() bool
	trackAPICost      func(cost float64)
}

// Config wires a Gateway's collaborators.
type Config struct {
	Ledger            *ledger.Ledger
	Log               *eventlog.Log
	Provider          Provider
	CostPerToken      float64
	ResourceName      string // defaults to "llm_budget"
	Logger            *logging.Logger
	IsBudgetExhausted func() bool
	TrackAPICost      func(cost float64)
}

// New builds a Gateway.
func New(cfg Config) *Gateway {
	resource := cfg.ResourceName
	if resource == "" {
		resource = "llm_budget"
	}
	return &Gateway{
		ledger:            cfg.Ledger,
		log:               cfg.Log,
		provider:          cfg.Provider,
		costPerToken:      cfg.CostPerToken,
		resourceName:      resource,
		logger:            cfg.Logger,
		isBudgetExhausted: cfg.IsBudgetExhausted,
		trackAPICost:      cfg.TrackAPICost,
	}
}

// Syscall satisfies sandbox.LLMSyscallFunc — it is what the executor
// injects as _syscall_llm for artifacts declaring can_call_llm.
func (g *Gateway) Syscall(callerID, prompt, model string) (sandbox.LLMResult, error) {
	return g.Call(context.Background(), callerID, prompt, model)
}

// Call affordability-checks, dispatches, meters, and logs one LLM call.
// Exceptions from the provider are swallowed into a returned error
// rather than propagated as a panic — callers see {success=false,
// error} via the sandbox's normal error-coercion path.
func (g *Gateway) Call(ctx context.Context, callerID, prompt, model string) (sandbox.LLMResult, error) {
	if g.isBudgetExhausted != nil && g.isBudgetExhausted() {
		return sandbox.LLMResult{}, rterrors.BudgetExhausted("global API budget exhausted")
	}
	if g.ledger.GetResource(callerID, g.resourceName) <= 0 {
		return sandbox.LLMResult{}, rterrors.InsufficientResource(callerID, g.resourceName, 0, 1)
	}
	if g.provider == nil {
		return sandbox.LLMResult{}, rterrors.RuntimeFailure(fmt.Errorf("no LLM provider configured"))
	}

	content, tokens, err := g.provider.Complete(ctx, prompt, model)
	if err != nil {
		return sandbox.LLMResult{}, rterrors.RuntimeFailure(fmt.Errorf("llm call failed: %w", err))
	}

	cost := float64(tokens) * g.costPerToken
	if _, err := g.ledger.SpendResource(callerID, g.resourceName, cost); err != nil {
		// The affordability check above is not atomic with this debit —
		// a concurrent call can win the race. This is the one allowed
		// budget-exceed path: the caller still gets its result, and the
		// debit failure is recorded as a warning event rather than
		// rejecting work already performed by the provider.
		g.appendEvent("llm_debit_failed", callerID, model, tokens, cost)
	} else {
		g.appendEvent("thinking", callerID, model, tokens, cost)
	}

	if g.trackAPICost != nil {
		g.trackAPICost(cost)
	}

	return sandbox.LLMResult{Content: content, Tokens: tokens, Cost: cost}, nil
}

func (g *Gateway) appendEvent(eventType, callerID, model string, tokens int, cost float64) {
	if g.log == nil {
		return
	}
	_, _ = g.log.Append(eventType, map[string]any{
		"caller_id": callerID,
		"model":     model,
		"tokens":    tokens,
		"cost":      cost,
	})
}
