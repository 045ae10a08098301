package sandbox

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/infrastructure/metrics"
	"github.com/r3e-labs/ecocore/system/kernel"
)

// Convention identifies which calling convention an artifact's code uses.
type Convention int

const (
	ConventionRun Convention = iota
	ConventionHandleRequest
)

// DetectConvention is a plain substring check: code containing
// `function handle_request(` anywhere (nested or top-level) uses the
// request convention; everything else is assumed to define run.
func DetectConvention(code string) Convention {
	if containsFunctionDecl(code, "handle_request") {
		return ConventionHandleRequest
	}
	return ConventionRun
}

func containsFunctionDecl(code, name string) bool {
	needle := "function " + name + "("
	for i := 0; i+len(needle) <= len(code); i++ {
		if code[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// LLMSyscallFunc is the capability-gated LLM call the executor exposes as
// _syscall_llm, wired in from system/llmgateway.
type LLMSyscallFunc func(callerID, prompt, model string) (LLMResult, error)

// LLMResult is the value _syscall_llm resolves to inside the VM.
type LLMResult struct {
	Content string  `json:"content"`
	Tokens  int     `json:"tokens"`
	Cost    float64 `json:"cost"`
}

// Result is the coerced outcome of running an artifact.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config controls the executor's resource bounds.
type Config struct {
	Timeout time.Duration
}

// DefaultConfig returns the reference executor timeout.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second}
}

// Executor runs artifact code inside a fresh goja VM per call. No VM is
// reused across artifacts or across calls — isolation over throughput.
type Executor struct {
	config Config
	logger *logging.Logger
}

// New builds an Executor.
func New(config Config, logger *logging.Logger) *Executor {
	return &Executor{config: config, logger: logger}
}

// CallRequest describes a single artifact invocation.
type CallRequest struct {
	Artifact      *domain.Artifact
	CallerID      string
	Args          []any
	Method        string // operation name for the handle_request convention
	State         *kernel.State
	Actions       *kernel.Actions
	LLM           LLMSyscallFunc
	ContractCache map[string]bool // reserved for contract-layer reuse within a run

	// EntryPoint overrides convention detection with an exact function
	// name to call, passing Args positionally. Used by the access-control
	// contract layer, whose executable contracts define check_permission
	// rather than run/handle_request but must run under the same
	// restricted VM and timeout as ordinary artifacts.
	EntryPoint string

	// Extra injects additional named globals into the VM before the
	// artifact's code runs, beyond the standard kernel bindings. Used by
	// the access-control contract layer to wire a bounded-recursion
	// nested-contract-check callback into executable contracts.
	Extra map[string]any
}

// Execute runs the artifact's code and coerces the outcome into Result.
// Panics inside the VM (goja recovers runtime panics into Go panics for
// interrupted runtimes) are recovered here and reported as a failed
// Result whose Error starts with "sandbox panic:", with a nil error.
func (e *Executor) Execute(req CallRequest) (result *Result, execErr error) {
	defer func() {
		if r := recover(); r != nil {
			result = &Result{Success: false, Error: fmt.Sprintf("sandbox panic: %v", r)}
			execErr = nil
		}
	}()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	logs := make([]string, 0, 8)
	e.injectConsole(vm, &logs)
	e.injectKernel(vm, req)
	for name, value := range req.Extra {
		_ = vm.Set(name, value)
	}

	timeout := e.config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("execution timed out")
	})
	defer func() {
		timer.Stop()
		close(done)
	}()

	if _, err := vm.RunString(req.Artifact.Code); err != nil {
		return e.coerceError(req.Artifact.ID, err), nil
	}

	var fnName string
	var callArgs []goja.Value
	switch {
	case req.EntryPoint != "":
		fnName = req.EntryPoint
		callArgs = make([]goja.Value, len(req.Args))
		for i, a := range req.Args {
			callArgs[i] = vm.ToValue(a)
		}
	case DetectConvention(req.Artifact.Code) == ConventionHandleRequest:
		fnName = "handle_request"
		callArgs = []goja.Value{vm.ToValue(req.CallerID), vm.ToValue(req.Method), vm.ToValue(req.Args)}
	default:
		fnName = "run"
		callArgs = make([]goja.Value, len(req.Args))
		for i, a := range req.Args {
			callArgs[i] = vm.ToValue(a)
		}
	}

	fn, ok := goja.AssertFunction(vm.Get(fnName))
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("artifact does not define %s", fnName)}, nil
	}

	out, err := fn(goja.Undefined(), callArgs...)
	if err != nil {
		return e.coerceError(req.Artifact.ID, err), nil
	}

	return &Result{Success: true, Result: exportValue(out)}, nil
}

func (e *Executor) coerceError(artifactID string, err error) *Result {
	if ie, ok := err.(*goja.InterruptedError); ok {
		metrics.SandboxTimeouts.WithLabelValues(artifactID).Inc()
		return &Result{Success: false, Error: fmt.Sprintf("timeout: %v", ie.Value())}
	}
	if ex, ok := err.(*goja.Exception); ok {
		return &Result{Success: false, Error: ex.Error()}
	}
	return &Result{Success: false, Error: err.Error()}
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func (e *Executor) injectConsole(vm *goja.Runtime, logs *[]string) {
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, a := range call.Arguments {
			*logs = append(*logs, a.String())
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
}

// injectKernel wires the read-only state view, the caller-verified
// actions mutator, the caller's own id, and — only when the artifact
// declares the can_call_llm capability — the LLM syscall.
func (e *Executor) injectKernel(vm *goja.Runtime, req CallRequest) {
	_ = vm.Set("caller_id", req.CallerID)

	if req.State != nil {
		kernelState := vm.NewObject()
		_ = kernelState.Set("get_balance", func(id string) int64 { return req.State.GetBalance(id) })
		_ = kernelState.Set("get_resource", func(id, resource string) float64 { return req.State.GetResource(id, resource) })
		_ = kernelState.Set("get_artifact_metadata", func(id string) *domain.Artifact { return req.State.GetArtifactMetadata(id) })
		_ = kernelState.Set("read_artifact", func(id string) (*domain.Artifact, error) { return req.State.ReadArtifact(id, req.CallerID) })
		_ = vm.Set("kernel_state", kernelState)
	}

	if req.Actions != nil {
		kernelActions := vm.NewObject()
		_ = kernelActions.Set("transfer_scrip", func(to string, amount int64) error {
			return req.Actions.TransferScrip(req.CallerID, to, amount, req.CallerID)
		})
		_ = kernelActions.Set("transfer_resource", func(to, resource string, amount float64) error {
			return req.Actions.TransferResource(req.CallerID, to, resource, amount, req.CallerID)
		})
		_ = kernelActions.Set("consume_resource", func(resource string, amount float64) bool {
			return req.Actions.ConsumeResource(req.CallerID, resource, amount)
		})
		_ = vm.Set("kernel_actions", kernelActions)
	}

	if req.LLM != nil && req.Artifact.HasCapability("can_call_llm") {
		_ = vm.Set("_syscall_llm", func(prompt, model string) (LLMResult, error) {
			return req.LLM(req.CallerID, prompt, model)
		})
	}
}
