// Package contract implements the access-control layer artifacts attach
// to themselves: a fixed set of built-in contract kinds plus executable
// contracts that run restricted code under the same sandbox rules as
// ordinary artifacts, with a bounded recursion depth on nested contract
// checks.
package contract

import (
	"encoding/json"
	"fmt"
	"sync"

	rterrors "github.com/r3e-labs/ecocore/infrastructure/errors"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/system/artifact"
	"github.com/r3e-labs/ecocore/system/sandbox"
)

// Kind enumerates the contract shapes artifacts can declare.
type Kind string

const (
	KindFreeware   Kind = "freeware"   // anyone may perform the action
	KindPrivate    Kind = "private"    // only the owner may perform the action
	KindPaid       Kind = "paid"       // anyone may, at a fixed scrip cost
	KindExecutable Kind = "executable" // restricted code decides
)

// Descriptor is a built-in contract's configuration. Executable contracts
// are not described here — their behavior lives in an artifact's code,
// referenced by ArtifactID.
type Descriptor struct {
	ID         string
	Kind       Kind
	OwnerID    string // for KindPrivate
	Price      int64  // for KindPaid
	ArtifactID string // for KindExecutable
}

// LedgerView is the read-only subset of the ledger the contract checker
// needs to evaluate paid contracts, without granting it write access.
type LedgerView interface {
	GetScrip(id string) int64
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason,omitempty"`
	Cost       int64    `json:"cost,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// disallowedNames are forbidden anywhere in an executable contract's code
// — they would reach outside the sandbox on a real interpreter, and are
// rejected symbolically here. Of these, goja defines only eval as a
// global.
var disallowedNames = []string{"open", "eval", "exec", "__import__"}

// Checker evaluates permission checks against registered contracts.
type Checker struct {
	mu        sync.RWMutex
	contracts map[string]Descriptor
	artifacts *artifact.Store
	ledger    LedgerView
	executor  *sandbox.Executor
	maxDepth  int
	logger    *logging.Logger
}

// New builds a Checker. maxDepth is the reference constant
// max_contract_depth (default 10).
func New(artifacts *artifact.Store, ledger LedgerView, executor *sandbox.Executor, maxDepth int, logger *logging.Logger) *Checker {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Checker{
		contracts: make(map[string]Descriptor),
		artifacts: artifacts,
		ledger:    ledger,
		executor:  executor,
		maxDepth:  maxDepth,
		logger:    logger,
	}
}

// Register adds or replaces a contract descriptor.
func (c *Checker) Register(d Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[d.ID] = d
}

// Get returns a registered descriptor.
func (c *Checker) Get(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.contracts[id]
	return d, ok
}

// CheckPermission evaluates whether caller may perform action on target,
// per the contract identified by contractID. context carries whatever
// extra parameters the action needs (e.g. an amount, for a transfer).
func (c *Checker) CheckPermission(contractID, caller, action, target string, context map[string]any) (Decision, error) {
	return c.checkAtDepth(contractID, caller, action, target, context, 0)
}

func (c *Checker) checkAtDepth(contractID, caller, action, target string, context map[string]any, depth int) (Decision, error) {
	if depth > c.maxDepth {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("contract recursion depth %d exceeds max_contract_depth %d", depth, c.maxDepth),
		}, nil
	}

	d, ok := c.Get(contractID)
	if !ok {
		return Decision{Allowed: false, Reason: "unknown contract: " + contractID}, nil
	}

	switch d.Kind {
	case KindFreeware:
		return Decision{Allowed: true}, nil

	case KindPrivate:
		return Decision{Allowed: caller == d.OwnerID, Reason: privateDenyReason(caller, d.OwnerID)}, nil

	case KindPaid:
		if c.ledger == nil || c.ledger.GetScrip(caller) < d.Price {
			return Decision{Allowed: false, Reason: "insufficient scrip for paid contract", Cost: d.Price}, nil
		}
		return Decision{Allowed: true, Cost: d.Price}, nil

	case KindExecutable:
		return c.runExecutable(d, caller, action, target, context, depth)

	default:
		return Decision{Allowed: false, Reason: "unrecognized contract kind: " + string(d.Kind)}, nil
	}
}

// CheckWrite satisfies artifact.PermissionChecker: an update to an
// artifact the caller doesn't own is gated by the artifact's own
// access_contract_id, if any — the same "no contract means unrestricted"
// rule the kernel's read_artifact syscall follows.
func (c *Checker) CheckWrite(caller, artifactID string) error {
	return c.checkArtifactAction(caller, artifactID, "write")
}

// CheckDelete satisfies artifact.PermissionChecker, mirroring CheckWrite
// for the "delete" action.
func (c *Checker) CheckDelete(caller, artifactID string) error {
	return c.checkArtifactAction(caller, artifactID, "delete")
}

func (c *Checker) checkArtifactAction(caller, artifactID, action string) error {
	if c.artifacts == nil {
		return nil
	}
	art := c.artifacts.Get(artifactID)
	if art == nil || art.AccessContractID == "" {
		return nil
	}
	decision, err := c.CheckPermission(art.AccessContractID, caller, action, artifactID, nil)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return permissionDeniedf("%s", decision.Reason)
	}
	return nil
}

func permissionDeniedf(format string, args ...any) error {
	return rterrors.PermissionDenied(fmt.Sprintf(format, args...))
}

func privateDenyReason(caller, owner string) string {
	if caller == owner {
		return ""
	}
	return fmt.Sprintf("private contract: only %s may act", owner)
}

func (c *Checker) runExecutable(d Descriptor, caller, action, target string, context map[string]any, depth int) (Decision, error) {
	if c.artifacts == nil || c.executor == nil {
		return Decision{Allowed: false, Reason: "executable contracts unavailable"}, nil
	}
	art := c.artifacts.Get(d.ArtifactID)
	if art == nil {
		return Decision{Allowed: false, Reason: "contract artifact not found: " + d.ArtifactID}, nil
	}
	if violation := findDisallowedName(art.Code); violation != "" {
		return Decision{Allowed: false, Reason: "contract code uses disallowed name: " + violation}, nil
	}

	nextDepth := depth + 1
	checkNested := func(nestedContractID, nestedCaller, nestedAction, nestedTarget string, nestedContext map[string]any) (Decision, error) {
		return c.checkAtDepth(nestedContractID, nestedCaller, nestedAction, nestedTarget, nestedContext, nextDepth)
	}

	result, err := c.executor.Execute(sandbox.CallRequest{
		Artifact:   art,
		CallerID:   caller,
		EntryPoint: "check_permission",
		Args:       []any{caller, action, target, context},
		Extra: map[string]any{
			"check_nested_permission": checkNested,
		},
	})
	if err != nil {
		return Decision{}, err
	}
	if !result.Success {
		return Decision{Allowed: false, Reason: "contract execution failed: " + result.Error}, nil
	}
	return decodeDecision(result.Result)
}

func decodeDecision(v any) (Decision, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Decision{Allowed: false, Reason: "contract returned a non-serializable result"}, nil
	}
	var dec Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return Decision{Allowed: false, Reason: "contract returned a malformed decision"}, nil
	}
	return dec, nil
}

func findDisallowedName(code string) string {
	for _, name := range disallowedNames {
		if containsIdentifier(code, name) {
			return name
		}
	}
	return ""
}

func containsIdentifier(code, name string) bool {
	for i := 0; i+len(name) <= len(code); i++ {
		if code[i:i+len(name)] != name {
			continue
		}
		before := byte(0)
		if i > 0 {
			before = code[i-1]
		}
		after := byte(0)
		if i+len(name) < len(code) {
			after = code[i+len(name)]
		}
		if !isIdentChar(before) && !isIdentChar(after) {
			return true
		}
	}
	return false
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
