// Package scheduler implements the Driver: the top-level entry that
// bootstraps the world, wires every component together, and runs the
// single autonomous wall-clock-duration mode.
package scheduler

import (
	"context"
	"fmt"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/system/kernel"
	"github.com/r3e-labs/ecocore/system/loop"
	"github.com/r3e-labs/ecocore/system/sandbox"
)

// Action is what an agent's Decide step hands to its Execute step: the
// sandboxed entry point to call next and the arguments to call it with.
type Action struct {
	Method string
	Args   []any
}

// ActionResult is the outcome Execute reports back.
type ActionResult struct {
	Success bool
	Payload any
}

// AgentBehavior is the two-method capability every agent artifact gets:
// decide what to do next, then do it. Both steps run the agent's own
// sandboxed code under its own principal id.
type AgentBehavior interface {
	Decide(ctx context.Context) (*Action, error)
	Execute(ctx context.Context, action *Action) (*ActionResult, error)
}

// sandboxAgent implements AgentBehavior by calling an agent artifact's
// decide/execute entry points through the sandbox executor, reusing the
// same EntryPoint-override mechanism the access-control contract layer
// uses to call check_permission.
type sandboxAgent struct {
	artifactID string
	artifacts  ArtifactReader
	executor   *sandbox.Executor
	state      *kernel.State
	actions    *kernel.Actions
	llm        sandbox.LLMSyscallFunc
}

// ArtifactReader is the subset of the artifact store an agent needs to
// look itself up each iteration (code may be rewritten between calls).
type ArtifactReader interface {
	Get(id string) *domain.Artifact
}

func newSandboxAgent(artifactID string, artifacts ArtifactReader, executor *sandbox.Executor, state *kernel.State, actions *kernel.Actions, llm sandbox.LLMSyscallFunc) *sandboxAgent {
	return &sandboxAgent{artifactID: artifactID, artifacts: artifacts, executor: executor, state: state, actions: actions, llm: llm}
}

func (a *sandboxAgent) Decide(ctx context.Context) (*Action, error) {
	art := a.artifacts.Get(a.artifactID)
	if art == nil || art.Deleted {
		return nil, nil
	}
	result, err := a.executor.Execute(sandbox.CallRequest{
		Artifact:   art,
		CallerID:   a.artifactID,
		EntryPoint: "decide",
		State:      a.state,
		Actions:    a.actions,
		LLM:        a.llm,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("decide failed: %s", result.Error)
	}
	return decodeAction(result.Result)
}

func (a *sandboxAgent) Execute(ctx context.Context, action *Action) (*ActionResult, error) {
	if action == nil {
		return &ActionResult{Success: true}, nil
	}
	art := a.artifacts.Get(a.artifactID)
	if art == nil || art.Deleted {
		return nil, fmt.Errorf("artifact %s no longer exists", a.artifactID)
	}
	result, err := a.executor.Execute(sandbox.CallRequest{
		Artifact:   art,
		CallerID:   a.artifactID,
		EntryPoint: "execute",
		Args:       []any{action.Method, action.Args},
		State:      a.state,
		Actions:    a.actions,
		LLM:        a.llm,
	})
	if err != nil {
		return nil, err
	}
	return &ActionResult{Success: result.Success, Payload: result.Result}, nil
}

func decodeAction(v any) (*Action, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decide must return an object or null, got %T", v)
	}
	method, _ := m["method"].(string)
	if method == "" {
		return nil, nil
	}
	args, _ := m["args"].([]any)
	return &Action{Method: method, Args: args}, nil
}

// agentCallbacks adapts an AgentBehavior into the loop package's
// Decide/Execute/IsAlive callback shape.
func agentCallbacks(behavior AgentBehavior, isAlive func() bool) loop.Callbacks {
	return loop.Callbacks{
		Decide: func(ctx context.Context) (any, error) {
			action, err := behavior.Decide(ctx)
			if action == nil {
				// Returned as untyped nil, not a nil *Action boxed in
				// an any — iterate()'s `action == nil` check relies on
				// that distinction to treat "nothing to do" correctly.
				return nil, err
			}
			return action, err
		},
		Execute: func(ctx context.Context, decided any) error {
			action, _ := decided.(*Action)
			_, err := behavior.Execute(ctx, action)
			return err
		},
		IsAlive: isAlive,
	}
}
