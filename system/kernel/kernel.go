// Package kernel exposes the two interfaces injected into sandboxed
// artifact code: a read-only State view and a caller-verified Actions
// mutator. Both genesis and agent-built artifacts get equal access
// through the same two interfaces — no standard-library or
// third-party dependency is appropriate here: this package is pure
// routing glue over the Ledger/ArtifactStore/EventLog it wraps.
package kernel

import (
	"github.com/r3e-labs/ecocore/domain"
	rterrors "github.com/r3e-labs/ecocore/infrastructure/errors"
	"github.com/r3e-labs/ecocore/system/artifact"
	"github.com/r3e-labs/ecocore/system/eventlog"
	"github.com/r3e-labs/ecocore/system/ledger"
	"github.com/r3e-labs/ecocore/system/ratelimit"
)

// ReadArtifactFunc is the contract-gated artifact read hook the kernel
// routes read_artifact through, supplied by whoever builds the State.
type ReadArtifactFunc func(id, callerID string) (*domain.Artifact, error)

// State is the read-only kernel interface.
type State struct {
	ledger   *ledger.Ledger
	artifacts *artifact.Store
	readArtifact ReadArtifactFunc
}

// NewState builds the read-only kernel view.
func NewState(l *ledger.Ledger, a *artifact.Store, readArtifact ReadArtifactFunc) *State {
	return &State{ledger: l, artifacts: a, readArtifact: readArtifact}
}

func (s *State) GetBalance(id string) int64 { return s.ledger.GetScrip(id) }

func (s *State) GetResource(id, resource string) float64 { return s.ledger.GetResource(id, resource) }

func (s *State) ListArtifactsByOwner(id string) []*domain.Artifact { return s.artifacts.ListByOwner(id) }

func (s *State) GetArtifactMetadata(id string) *domain.Artifact { return s.artifacts.Get(id) }

// ReadArtifact returns an artifact's content subject to its access
// contract, via the permission hook the executor wires in.
func (s *State) ReadArtifact(id, callerID string) (*domain.Artifact, error) {
	if s.readArtifact == nil {
		return s.artifacts.Get(id), nil
	}
	return s.readArtifact(id, callerID)
}

// Actions is the mutating kernel interface. Every call verifies the
// supplied callerID against the principal being debited — a caller may
// only move its own resources.
type Actions struct {
	ledger  *ledger.Ledger
	log     *eventlog.Log
	limiter *ratelimit.Limiter
}

// NewActions builds the mutating kernel interface. limiter may be nil,
// in which case ConsumeResource always reports unlimited capacity.
func NewActions(l *ledger.Ledger, log *eventlog.Log, limiter *ratelimit.Limiter) *Actions {
	return &Actions{ledger: l, log: log, limiter: limiter}
}

// ConsumeResource atomically checks and records usage of a rate-limited
// resource against the caller's own rolling window. Unlike the ledger
// actions, there is no "acting as" parameter: rate limiting is always
// scoped to the calling artifact's own principal.
func (a *Actions) ConsumeResource(callerID, resource string, amount float64) bool {
	if a.limiter == nil {
		return true
	}
	return a.limiter.Consume(callerID, resource, amount)
}

// TransferScrip moves amount of scrip from callerID to to. Fails with
// PermissionDenied if callerID doesn't match the debited principal —
// in practice the sandbox always supplies the executing artifact's own
// principal as callerID, so this check guards against a malicious
// caller forging a different "self".
func (a *Actions) TransferScrip(callerID, to string, amount int64, actingAs string) error {
	if callerID != actingAs {
		return rterrors.PermissionDenied("caller may only move its own resources")
	}
	return a.ledger.TransferScrip(callerID, to, amount)
}

func (a *Actions) TransferResource(callerID, to, resource string, amount float64, actingAs string) error {
	if callerID != actingAs {
		return rterrors.PermissionDenied("caller may only move its own resources")
	}
	return a.ledger.TransferResource(callerID, to, resource, amount)
}

func (a *Actions) CreatePrincipal(callerID, id string, startingScrip int64) (*domain.Principal, error) {
	return a.ledger.CreatePrincipal(id, startingScrip, nil)
}
