// Package ledger is the single authority on scrip and per-principal
// resource balances, with atomic transfers under a single ledger-wide
// lock, generalized from one currency balance to scrip plus arbitrary
// named resources.
package ledger

import (
	"sync"

	"github.com/r3e-labs/ecocore/domain"
	rterrors "github.com/r3e-labs/ecocore/infrastructure/errors"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/infrastructure/metrics"
	"github.com/r3e-labs/ecocore/system/eventlog"
)

// Ledger holds every principal's scrip and resource balances behind a
// single lock; strict internal serialization means a fine-grained
// per-principal lock would only complicate the cross-principal atomic
// transfer without a measured need.
type Ledger struct {
	mu         sync.RWMutex
	principals map[string]*domain.Principal
	registry   *IDRegistry
	log        *eventlog.Log
	logger     *logging.Logger
}

// New creates an empty Ledger. registry is shared with the artifact
// store so create_principal/write can jointly enforce IdCollision.
func New(registry *IDRegistry, log *eventlog.Log, logger *logging.Logger) *Ledger {
	return &Ledger{
		principals: make(map[string]*domain.Principal),
		registry:   registry,
		log:        log,
		logger:     logger,
	}
}

// EnsureMember reports whether id is a known principal, without creating it.
func (l *Ledger) EnsureMember(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.principals[id]
	return ok
}

// EnsurePrincipal creates the principal with zero balances if absent.
// Unlike CreatePrincipal, this never fails with IdCollision against an
// existing principal entry (it is the idempotent "make sure it exists"
// primitive the Standing-invariant sweep uses during checkpoint restore).
func (l *Ledger) EnsurePrincipal(id string) *domain.Principal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.principals[id]; ok {
		return p.Clone()
	}
	p := &domain.Principal{ID: id, Resources: map[string]float64{}}
	l.principals[id] = p
	return p.Clone()
}

// CreatePrincipal registers a brand new principal with starting
// balances. Fails with IdCollision if id is already registered in the
// shared registry under a conflicting kind (e.g. a non-agent artifact).
func (l *Ledger) CreatePrincipal(id string, startingScrip int64, startingResources map[string]float64) (*domain.Principal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.registry.Register(id, KindPrincipal) {
		return nil, rterrors.IDCollision(id)
	}
	if _, ok := l.principals[id]; ok {
		return nil, rterrors.IDCollision(id)
	}

	res := make(map[string]float64, len(startingResources))
	for k, v := range startingResources {
		res[k] = v
	}
	p := &domain.Principal{ID: id, Scrip: startingScrip, Resources: res}
	l.principals[id] = p

	l.appendEvent(domain.EventPrincipalCreated, map[string]any{
		"id": id, "starting_scrip": startingScrip,
	})
	return p.Clone(), nil
}

func (l *Ledger) appendEvent(eventType string, payload map[string]any) {
	if l.log == nil {
		return
	}
	if _, err := l.log.Append(eventType, payload); err != nil && l.logger != nil {
		l.logger.With(nil).WithError(err).Error("ledger event append failed")
	}
}

// GetScrip returns a principal's scrip balance, or 0 if unknown.
func (l *Ledger) GetScrip(id string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.principals[id]; ok {
		return p.Scrip
	}
	return 0
}

// GetResource returns a principal's balance of a named resource, or 0.
func (l *Ledger) GetResource(id, resource string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.principals[id]; ok {
		return p.Resources[resource]
	}
	return 0
}

// CanAffordScrip reports whether id's scrip balance is >= amount.
func (l *Ledger) CanAffordScrip(id string, amount int64) bool {
	return l.GetScrip(id) >= amount
}

// CanSpendResource reports whether id's named resource balance is >= amount.
func (l *Ledger) CanSpendResource(id, resource string, amount float64) bool {
	return l.GetResource(id, resource) >= amount
}

// CreditScrip adds amount (must be >= 0) to id's balance, creating the
// principal if absent.
func (l *Ledger) CreditScrip(id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, rterrors.Validation("credit amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.getOrCreateLocked(id)
	p.Scrip += amount
	after := p.Scrip
	l.appendEvent(domain.EventResourceAllocated, map[string]any{
		"id": id, "resource": "scrip", "amount": amount, "balance_after": after,
	})
	return after, nil
}

// DeductScrip subtracts amount from id's balance, failing with
// InsufficientScrip (and leaving the ledger unchanged) if that would
// make the balance negative.
func (l *Ledger) DeductScrip(id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, rterrors.Validation("deduct amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[id]
	if !ok || p.Scrip < amount {
		have := int64(0)
		if ok {
			have = p.Scrip
		}
		return have, rterrors.InsufficientScrip(id, have, amount)
	}
	p.Scrip -= amount
	l.appendEvent(domain.EventResourceSpent, map[string]any{
		"id": id, "resource": "scrip", "amount": amount, "balance_after": p.Scrip,
	})
	return p.Scrip, nil
}

// TransferScrip atomically moves amount from `from` to `to`: either
// both balances move or neither does.
func (l *Ledger) TransferScrip(from, to string, amount int64) error {
	if amount < 0 {
		return rterrors.Validation("transfer amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.principals[from]
	if !ok || src.Scrip < amount {
		have := int64(0)
		if ok {
			have = src.Scrip
		}
		return rterrors.InsufficientScrip(from, have, amount)
	}
	dst := l.getOrCreateLocked(to)

	src.Scrip -= amount
	dst.Scrip += amount

	metrics.LedgerTransfers.WithLabelValues(from, to).Inc()
	metrics.LedgerTransferVolume.Add(float64(amount))

	l.appendEvent(domain.EventTransferSuccess, map[string]any{
		"from": from, "to": to, "amount": amount,
		"from_balance_after": src.Scrip, "to_balance_after": dst.Scrip,
	})
	return nil
}

// SetResource sets id's named resource balance to amount (must be >= 0).
func (l *Ledger) SetResource(id, resource string, amount float64) error {
	if amount < 0 {
		return rterrors.Validation("resource amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.getOrCreateLocked(id)
	p.Resources[resource] = amount
	l.appendEvent(domain.EventResourceAllocated, map[string]any{
		"id": id, "resource": resource, "amount": amount, "balance_after": amount,
	})
	return nil
}

// CreditResource adds amount (must be >= 0) to id's named resource balance.
func (l *Ledger) CreditResource(id, resource string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, rterrors.Validation("credit amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.getOrCreateLocked(id)
	p.Resources[resource] += amount
	after := p.Resources[resource]
	l.appendEvent(domain.EventResourceAllocated, map[string]any{
		"id": id, "resource": resource, "amount": amount, "balance_after": after,
	})
	return after, nil
}

// SpendResource subtracts amount from id's named resource balance,
// failing with InsufficientResource if that would go negative.
func (l *Ledger) SpendResource(id, resource string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, rterrors.Validation("spend amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[id]
	have := 0.0
	if ok {
		have = p.Resources[resource]
	}
	if !ok || have < amount {
		return have, rterrors.InsufficientResource(id, resource, have, amount)
	}
	p.Resources[resource] -= amount
	l.appendEvent(domain.EventResourceSpent, map[string]any{
		"id": id, "resource": resource, "amount": amount, "balance_after": p.Resources[resource],
	})
	return p.Resources[resource], nil
}

// TransferResource atomically moves amount of a named resource between
// two principals.
func (l *Ledger) TransferResource(from, to, resource string, amount float64) error {
	if amount < 0 {
		return rterrors.Validation("transfer amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.principals[from]
	have := 0.0
	if ok {
		have = src.Resources[resource]
	}
	if !ok || have < amount {
		return rterrors.InsufficientResource(from, resource, have, amount)
	}
	dst := l.getOrCreateLocked(to)

	src.Resources[resource] -= amount
	dst.Resources[resource] += amount

	l.appendEvent(domain.EventResourceAllocated, map[string]any{
		"from": from, "to": to, "resource": resource, "amount": amount,
	})
	return nil
}

// GetAllScrip returns a snapshot of every known principal's scrip balance.
func (l *Ledger) GetAllScrip() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64, len(l.principals))
	for id, p := range l.principals {
		out[id] = p.Scrip
	}
	return out
}

// Snapshot returns a deep copy of every principal, for checkpointing.
func (l *Ledger) Snapshot() map[string]*domain.Principal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]*domain.Principal, len(l.principals))
	for id, p := range l.principals {
		out[id] = p.Clone()
	}
	return out
}

// Restore replaces ledger state wholesale from a checkpoint snapshot.
// Used only during startup restore, before any loop has started.
func (l *Ledger) Restore(principals map[string]*domain.Principal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.principals = make(map[string]*domain.Principal, len(principals))
	for id, p := range principals {
		l.principals[id] = p.Clone()
		l.registry.Register(id, KindPrincipal)
	}
}

func (l *Ledger) getOrCreateLocked(id string) *domain.Principal {
	p, ok := l.principals[id]
	if !ok {
		p = &domain.Principal{ID: id, Resources: map[string]float64{}}
		l.principals[id] = p
	}
	if p.Resources == nil {
		p.Resources = map[string]float64{}
	}
	return p
}
