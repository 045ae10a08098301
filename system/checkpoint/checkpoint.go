// Package checkpoint persists and restores a full run snapshot as YAML,
// including the Standing-invariant compensating sweep that repairs any
// drift between the ledger and the artifact store introduced by a
// crash mid-write.
package checkpoint

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/system/artifact"
	"github.com/r3e-labs/ecocore/system/ledger"
)

// Document is the on-disk checkpoint shape.
type Document struct {
	EventNumber       uint64              `yaml:"event_number"`
	Timestamp         time.Time           `yaml:"timestamp"`
	Reason            string              `yaml:"reason"`
	CumulativeAPICost float64             `yaml:"cumulative_api_cost"`
	Principals        []*domain.Principal `yaml:"principals"`
	Artifacts         []*domain.Artifact  `yaml:"artifacts"`
	AgentIDs          []string            `yaml:"agent_ids"`
}

// Manager creates and restores checkpoints against a Ledger and Store.
type Manager struct {
	ledger    *ledger.Ledger
	artifacts *artifact.Store
	path      string
	logger    *logging.Logger

	cumulativeAPICost func() float64
	currentSequence   func() uint64
	seedSequence      func(uint64)

	cron *cron.Cron
}

// Config wires the callbacks Manager needs from the rest of the runtime.
type Config struct {
	Ledger            *ledger.Ledger
	Artifacts         *artifact.Store
	Path              string
	Logger            *logging.Logger
	CumulativeAPICost func() float64
	CurrentSequence   func() uint64
	SeedSequence      func(uint64)
}

// New builds a checkpoint Manager.
func New(cfg Config) *Manager {
	return &Manager{
		ledger:            cfg.Ledger,
		artifacts:         cfg.Artifacts,
		path:              cfg.Path,
		logger:            cfg.Logger,
		cumulativeAPICost: cfg.CumulativeAPICost,
		currentSequence:   cfg.CurrentSequence,
		seedSequence:      cfg.SeedSequence,
	}
}

// Save snapshots the current world state and writes it to Path.
func (m *Manager) Save(reason string, agentIDs []string) error {
	principals := make([]*domain.Principal, 0)
	for _, p := range m.ledger.Snapshot() {
		principals = append(principals, p)
	}

	cost := 0.0
	if m.cumulativeAPICost != nil {
		cost = m.cumulativeAPICost()
	}
	seq := uint64(0)
	if m.currentSequence != nil {
		seq = m.currentSequence()
	}

	doc := Document{
		EventNumber:       seq,
		Timestamp:         time.Now().UTC(),
		Reason:            reason,
		CumulativeAPICost: cost,
		Principals:        principals,
		Artifacts:         m.artifacts.Snapshot(),
		AgentIDs:          agentIDs,
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint document from Path without applying it.
func (m *Manager) Load() (*Document, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &doc, nil
}

// Restore applies a checkpoint document to the ledger and artifact
// store, then runs the Standing-invariant compensating sweep: every
// ledger principal without HasStanding on its matching artifact gets it
// set, and every HasStanding artifact missing a ledger entry gets a
// zero-scrip entry inserted directly (bypassing CreatePrincipal, which
// would reject it as a second registration of the same id). Any other
// drift is logged as a soft invariant violation, not an error — the
// run continues on best-effort state rather than refusing to start.
func (m *Manager) Restore(doc *Document) {
	principalsByID := make(map[string]*domain.Principal, len(doc.Principals))
	for _, p := range doc.Principals {
		principalsByID[p.ID] = p
	}
	m.ledger.Restore(principalsByID)
	m.artifacts.Restore(doc.Artifacts)
	if m.seedSequence != nil {
		m.seedSequence(doc.EventNumber)
	}

	principalIDs := make(map[string]bool, len(doc.Principals))
	for _, p := range doc.Principals {
		principalIDs[p.ID] = true
	}

	for _, a := range doc.Artifacts {
		if a.Deleted {
			continue
		}
		_, hasPrincipal := principalIDs[a.ID]
		switch {
		case a.HasStanding && !hasPrincipal:
			m.ledger.EnsurePrincipal(a.ID)
			m.logSoftViolation("artifact %s has_standing but no ledger entry; inserted zero-scrip principal", a.ID)
		case hasPrincipal && !a.HasStanding:
			m.artifacts.SetHasStanding(a.ID, true)
			m.logSoftViolation("artifact %s missing has_standing; repaired", a.ID)
		}
	}
}

// StartPeriodic schedules an automatic Save on the given 5-field cron
// expression, running until Stop is called. agentIDs is polled fresh
// on every tick so a checkpoint always reflects the currently-registered
// agent set.
func (m *Manager) StartPeriodic(schedule string, agentIDs func() []string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		var ids []string
		if agentIDs != nil {
			ids = agentIDs()
		}
		if err := m.Save("periodic", ids); err != nil {
			m.logSoftViolation("periodic checkpoint save failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid checkpoint_cron %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop halts the periodic checkpoint scheduler, if running, waiting
// for any in-flight Save to finish.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

func (m *Manager) logSoftViolation(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.With(nil).Warnf("standing invariant drift: "+format, args...)
}
