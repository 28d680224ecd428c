package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRoutingTableMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domain_agents:
  frontend: frontend.v2
dependency_rules:
  frontend: [backend]
`), 0o644))

	agents, rules, err := LoadRoutingTable(path)
	require.NoError(t, err)
	assert.Equal(t, "frontend.v2", agents["frontend"])
	assert.Equal(t, "backend.specialist", agents["backend"]) // untouched default
	assert.Equal(t, []string{"backend"}, rules["frontend"])
}

func TestLoadRoutingTableEmptyPathReturnsDefaults(t *testing.T) {
	agents, rules, err := LoadRoutingTable("")
	require.NoError(t, err)
	assert.Equal(t, defaultDomainAgents(), agents)
	assert.Equal(t, defaultDependencyRules(), rules)
}

func TestThreeDomainsPrependsOrchestratorAndGoesDAG(t *testing.T) {
	p, err := New(t.TempDir(), "", nil)
	require.NoError(t, err)

	decision, err := p.Plan(uuid.NewString(), "build a user list page",
		[]string{"frontend", "backend", "database"}, OrchestrationState{})
	require.NoError(t, err)

	assert.Contains(t, decision.SelectedAgents, OrchestratorAgentID)
	assert.Contains(t, decision.SelectedAgents, "frontend.specialist")
	assert.Contains(t, decision.SelectedAgents, "backend.specialist")
	assert.Contains(t, decision.SelectedAgents, "database.specialist")
	assert.Equal(t, StrategyDAG, decision.ExecutionStrategy)
	assert.Equal(t, StrategyRetryWithFeedback, decision.RefinementStrategy)

	require.NotNil(t, decision.DependencyGraph)
	assert.ElementsMatch(t, []string{"backend.specialist", "database.specialist"}, decision.DependencyGraph["frontend.specialist"])
	assert.Empty(t, decision.DependencyGraph["backend.specialist"])
	assert.Empty(t, decision.DependencyGraph["database.specialist"])
	assert.Empty(t, decision.DependencyGraph[OrchestratorAgentID])

	batches, err := TopologicalBatches(decision.SelectedAgents, decision.DependencyGraph)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.ElementsMatch(t, []string{OrchestratorAgentID, "backend.specialist", "database.specialist"}, batches[0])
	assert.Equal(t, []string{"frontend.specialist"}, batches[1])
}

func TestDependencyKeywordForcesDAGWithSingleFailure(t *testing.T) {
	p, err := New(t.TempDir(), "", nil)
	require.NoError(t, err)

	state := OrchestrationState{
		FailedAgents: []interface{}{map[string]interface{}{"agent_id": "backend.specialist"}},
	}
	decision, err := p.Plan(uuid.NewString(), "implement login, then write tests", []string{"backend", "testing"}, state)
	require.NoError(t, err)

	assert.Equal(t, StrategyDAG, decision.ExecutionStrategy)
	assert.Equal(t, StrategyRetryWithFeedback, decision.RefinementStrategy)
}

func TestNormalizeFailedAgentsAcceptsStringsAndStructs(t *testing.T) {
	set := NormalizeFailedAgents([]interface{}{
		"backend.specialist",
		map[string]interface{}{"agent_id": "frontend.specialist", "reason": "timeout"},
	})
	assert.True(t, set["backend.specialist"])
	assert.True(t, set["frontend.specialist"])
	assert.Len(t, set, 2)
}

func TestRefinementStrategyForFailureCounts(t *testing.T) {
	assert.Equal(t, StrategyRetryWithFeedback, RefinementStrategyFor(map[string]bool{}, 0.9))
	assert.Equal(t, StrategyAddStep, RefinementStrategyFor(map[string]bool{"a": true}, 0.8))
	assert.Equal(t, StrategyRetryWithFeedback, RefinementStrategyFor(map[string]bool{"a": true}, 0.5))
	assert.Equal(t, StrategyRouteToDebug, RefinementStrategyFor(map[string]bool{"a": true, "b": true}, 0.1))
}

func TestTopologicalBatchesDetectsCycle(t *testing.T) {
	graph := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	_, err := TopologicalBatches([]string{"a", "b"}, graph)
	require.Error(t, err)
}

func TestConfidenceFormula(t *testing.T) {
	assert.InDelta(t, 0.95, Confidence(0, 1), 1e-9)
	assert.InDelta(t, 0.7, Confidence(1.0, 10), 1e-9) // floored
	assert.InDelta(t, 0.86, Confidence(0.6, 2), 1e-9)
}
