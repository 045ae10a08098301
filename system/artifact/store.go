// Package artifact is the content-addressed registry of artifacts and
// their ownership.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/r3e-labs/ecocore/domain"
	rterrors "github.com/r3e-labs/ecocore/infrastructure/errors"
	"github.com/r3e-labs/ecocore/system/eventlog"
	"github.com/r3e-labs/ecocore/system/ledger"
)

// WriteRequest describes a create-or-update call. Updating an existing
// artifact replaces Type, Content, Code, Executable, Capabilities,
// AccessContractID, HasLoop and GenesisMethods with the request's
// values, zero values included (no merge-patching); CreatedBy,
// HasStanding and CreatedAt keep their stored values.
type WriteRequest struct {
	ID               string
	Type             domain.ArtifactType
	Content          []byte
	CreatedBy        string
	Executable       bool
	Code             string
	Capabilities     map[string]bool
	AccessContractID string
	HasStanding      bool
	HasLoop          bool
	GenesisMethods   map[string]domain.GenesisHandler
}

// PermissionChecker is implemented by the access-control layer; the
// store calls it before any update/delete of an artifact it doesn't own.
type PermissionChecker interface {
	CheckWrite(caller, artifactID string) error
	CheckDelete(caller, artifactID string) error
}

// Store is the artifact registry.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*domain.Artifact
	registry *ledger.IDRegistry
	log      *eventlog.Log
	perm     PermissionChecker
}

// SetPermissionChecker wires the permission checker after construction,
// for callers that build the checker from the store itself (the
// contract checker needs a store reference before it exists).
func (s *Store) SetPermissionChecker(perm PermissionChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perm = perm
}

// New creates an empty Store sharing registry with the Ledger.
func New(registry *ledger.IDRegistry, log *eventlog.Log, perm PermissionChecker) *Store {
	return &Store{
		byID:     make(map[string]*domain.Artifact),
		registry: registry,
		log:      log,
		perm:     perm,
	}
}

// ContentAddress derives a deterministic ID from content, used when the
// caller does not supply one.
func ContentAddress(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:16])
}

// Write creates a new artifact or updates an existing one. Creation
// registers the ID against the shared registry as KindArtifact (or
// KindAgentArtifact if Type is agent), failing with IdCollision on a
// conflicting kind. Updating an artifact the caller does not own goes
// through the permission checker, when configured.
func (s *Store) Write(req WriteRequest) (*domain.Artifact, error) {
	if req.ID == "" {
		req.ID = ContentAddress(req.Content)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byID[req.ID]
	if exists {
		if s.perm != nil && existing.CreatedBy != req.CreatedBy {
			if err := s.perm.CheckWrite(req.CreatedBy, req.ID); err != nil {
				return nil, err
			}
		}
		updated := existing.Clone()
		updated.Type = req.Type
		updated.Content = req.Content
		updated.Code = req.Code
		updated.Executable = req.Executable
		updated.Capabilities = req.Capabilities
		updated.AccessContractID = req.AccessContractID
		updated.HasLoop = req.HasLoop
		updated.GenesisMethods = req.GenesisMethods
		updated.UpdatedAt = time.Now().UTC()
		s.byID[req.ID] = updated
		s.appendEvent("artifact_updated", req.ID, req.CreatedBy)
		return updated.Clone(), nil
	}

	kind := ledger.KindArtifact
	if req.Type == domain.ArtifactTypeAgent {
		kind = ledger.KindAgentArtifact
	}
	if s.registry.Register(req.ID, kind) {
		return nil, rterrors.IDCollision(req.ID)
	}

	now := time.Now().UTC()
	a := &domain.Artifact{
		ID:               req.ID,
		Type:             req.Type,
		CreatedBy:        req.CreatedBy,
		Content:          req.Content,
		Code:             req.Code,
		Executable:       req.Executable,
		Capabilities:     req.Capabilities,
		AccessContractID: req.AccessContractID,
		HasStanding:      req.HasStanding,
		HasLoop:          req.HasLoop,
		GenesisMethods:   req.GenesisMethods,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.byID[req.ID] = a
	s.appendEvent("artifact_created", req.ID, req.CreatedBy)
	return a.Clone(), nil
}

func (s *Store) appendEvent(eventType, id, caller string) {
	if s.log == nil {
		return
	}
	_, _ = s.log.Append(eventType, map[string]any{"id": id, "caller": caller})
}

// Get returns the artifact by ID, tombstoned ones included (with Deleted
// set), or nil if the ID is unknown.
func (s *Store) Get(id string) *domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil
	}
	return a.Clone()
}

// ListAll returns every non-tombstoned artifact.
func (s *Store) ListAll() []*domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Artifact, 0, len(s.byID))
	for _, a := range s.byID {
		if !a.Deleted {
			out = append(out, a.Clone())
		}
	}
	return out
}

// ListByOwner returns every non-tombstoned artifact owned by id.
func (s *Store) ListByOwner(id string) []*domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Artifact
	for _, a := range s.byID {
		if !a.Deleted && a.CreatedBy == id {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Delete tombstones an artifact, going through the permission checker
// when the caller is not the owner.
func (s *Store) Delete(id, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return rterrors.Validation("unknown artifact: " + id)
	}
	if a.CreatedBy != caller && s.perm != nil {
		if err := s.perm.CheckDelete(caller, id); err != nil {
			return err
		}
	}
	a.Deleted = true
	a.UpdatedAt = time.Now().UTC()
	s.appendEvent("artifact_deleted", id, caller)
	return nil
}

// SetHasStanding flips the HasStanding flag directly, used only by the
// checkpoint restore sweep enforcing the Standing invariant; it
// bypasses the permission checker because it is a system consistency
// repair, not a caller-initiated write.
func (s *Store) SetHasStanding(id string, standing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		a.HasStanding = standing
	}
}

// Snapshot returns every artifact (including tombstones) for checkpointing.
func (s *Store) Snapshot() []*domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Artifact, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a.Clone())
	}
	return out
}

// Restore replaces store state wholesale from a checkpoint snapshot.
func (s *Store) Restore(artifacts []*domain.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*domain.Artifact, len(artifacts))
	for _, a := range artifacts {
		clone := a.Clone()
		s.byID[clone.ID] = clone
		kind := ledger.KindArtifact
		if clone.Type == domain.ArtifactTypeAgent {
			kind = ledger.KindAgentArtifact
		}
		s.registry.Register(clone.ID, kind)
	}
}
