package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/system/artifact"
	"github.com/r3e-labs/ecocore/system/eventlog"
	"github.com/r3e-labs/ecocore/system/ledger"
)

func newTestManager(t *testing.T) (*Manager, *ledger.Ledger, *artifact.Store) {
	t.Helper()
	reg := ledger.NewIDRegistry()
	log := eventlog.New(&bytes.Buffer{})
	l := ledger.New(reg, log, nil)
	s := artifact.New(reg, log, nil)
	path := filepath.Join(t.TempDir(), "checkpoint.yaml")
	m := New(Config{Ledger: l, Artifacts: s, Path: path})
	return m, l, s
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	m, l, s := newTestManager(t)
	_, err := l.CreatePrincipal("alice", 100, map[string]float64{"llm_budget": 5})
	require.NoError(t, err)
	_, err = s.Write(artifact.WriteRequest{ID: "a1", Type: domain.ArtifactTypeData, Content: []byte("hi"), CreatedBy: "alice"})
	require.NoError(t, err)

	require.NoError(t, m.Save("manual", []string{"alice"}))

	doc, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "manual", doc.Reason)
	require.Len(t, doc.Principals, 1)
	assert.Equal(t, int64(100), doc.Principals[0].Scrip)
	require.Len(t, doc.Artifacts, 1)
	assert.Equal(t, []string{"alice"}, doc.AgentIDs)
}

func TestRestore_SweepsMissingLedgerEntryForStandingArtifact(t *testing.T) {
	m, l, s := newTestManager(t)

	doc := &Document{
		Artifacts: []*domain.Artifact{
			{ID: "agent-1", Type: domain.ArtifactTypeAgent, HasStanding: true, CreatedBy: "agent-1"},
		},
	}
	m.Restore(doc)

	assert.True(t, l.EnsureMember("agent-1"))
	assert.Equal(t, int64(0), l.GetScrip("agent-1"))
	assert.NotNil(t, s.Get("agent-1")) // store restored too, even if empty principals list
}

func TestRestore_SweepsMissingHasStandingForAgentArtifact(t *testing.T) {
	m, l, s := newTestManager(t)

	doc := &Document{
		Principals: []*domain.Principal{{ID: "agent-2", Scrip: 10}},
		Artifacts: []*domain.Artifact{
			{ID: "agent-2", Type: domain.ArtifactTypeAgent, HasStanding: false, CreatedBy: "agent-2"},
		},
	}
	m.Restore(doc)

	assert.Equal(t, int64(10), l.GetScrip("agent-2"))
	restored := s.Get("agent-2")
	require.NotNil(t, restored)
	assert.True(t, restored.HasStanding)
}

func TestLoad_MissingFile(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Load()
	assert.True(t, os.IsNotExist(err))
}
