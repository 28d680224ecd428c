// Package routing implements the Routing & DAG Planner (C7): complexity
// scoring, domain->agent selection, execution-strategy decisioning,
// dependency-graph construction, topological batch scheduling, and
// refinement-strategy selection from failure history.
package routing

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/telemetry"
)

// ExecutionStrategy is the chosen dispatch mode for a Routing Decision.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
	StrategyDAG        ExecutionStrategy = "dag"
)

// RefinementStrategy names the plan for the next attempt when the current
// one fails.
type RefinementStrategy string

const (
	StrategyAddStep          RefinementStrategy = "ADD_STEP"
	StrategyTruncateFrom     RefinementStrategy = "TRUNCATE_FROM"
	StrategyRouteToDebug     RefinementStrategy = "ROUTE_TO_DEBUG"
	StrategyRetryWithFeedback RefinementStrategy = "RETRY_WITH_FEEDBACK"
)

// OrchestratorAgentID is prepended to the selection whenever three or more
// domains are detected (spec §4.7 point 2).
const OrchestratorAgentID = "conductor.orchestrator"

// Decision is the Routing Decision entity from spec §3.
type Decision struct {
	SelectedAgents     []string            `json:"selected_agents"`
	ExecutionStrategy  ExecutionStrategy   `json:"execution_strategy"`
	DependencyGraph    map[string][]string `json:"dependency_graph,omitempty"`
	RefinementStrategy RefinementStrategy  `json:"refinement_strategy,omitempty"`
	Reasoning          string              `json:"reasoning"`
	Confidence         float64             `json:"confidence"`
	EstimatedDuration  *float64            `json:"estimated_duration,omitempty"`
}

// OrchestrationState carries the caller's view of what has already run.
// FailedAgents accepts either plain id strings or {agent_id, ...} structs,
// per spec §9's normalization note.
type OrchestrationState struct {
	CompletedAgents []string
	FailedAgents    []interface{}
}

// complexityKeywords contributes 0.05 each toward the complexity score,
// uncapped individually but bounded by the overall [0,1] ceiling.
var complexityKeywords = []string{
	"integrate", "integration", "migrate", "migration", "distributed",
	"concurrent", "scale", "scalability", "real-time", "multi-tenant",
	"asynchronous", "async", "legacy", "backward compatible", "cross-service",
}

// dependencyKeywords signal ordering constraints in free text (spec §4.7
// point 3), forcing execution_strategy=dag regardless of complexity.
var dependencyKeywords = []string{
	"after", "before", "depends on", "requires", "first", "then",
	"prerequisite", "following", "once", "when",
}

// defaultDomainAgents is the static domain->agent table spec §6 requires be
// exposed as data. Keys are the documented default domains.
func defaultDomainAgents() map[string]string {
	return map[string]string{
		"frontend":      "frontend.specialist",
		"backend":       "backend.specialist",
		"database":      "database.specialist",
		"testing":       "testing.specialist",
		"security":      "security.specialist",
		"performance":   "performance.specialist",
		"devops":        "devops.specialist",
		"specification": "specification.specialist",
		"planning":      "planning.specialist",
		"tasks":         "tasks.specialist",
		"orchestration": "orchestration.specialist",
	}
}

// defaultDependencyRules maps a domain to the domains it depends on,
// following spec §4.7 point 4's example rule table.
func defaultDependencyRules() map[string][]string {
	return map[string][]string{
		"frontend": {"backend", "database"},
		"testing":  {"frontend", "backend"},
		"security": {"backend"},
		"devops":   {"testing"},
	}
}

// Planner is the C7 routing capability's core logic, independent of the
// capability.Capability wrapping so it can be unit tested directly against
// the scenarios in spec §8.
type Planner struct {
	DomainAgents     map[string]string
	DependencyRules  map[string][]string // keyed by domain name, not agent id
	store            store.Store
	logger           logging.Logger
}

// New builds a Planner with the default domain->agent table and dependency
// rules. root is the conductor state root; decisions persist under
// <root>/routing/decisions, or under Redis keys prefixed
// "conductor:routing-decisions" when redisURL is non-empty.
func New(root, redisURL string, logger logging.Logger) (*Planner, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	st, err := store.New(root+"/routing/decisions", redisURL, "conductor:routing-decisions", logger)
	if err != nil {
		return nil, err
	}
	return &Planner{
		DomainAgents:    defaultDomainAgents(),
		DependencyRules: defaultDependencyRules(),
		store:           st,
		logger:          logger.WithComponent("conductor/routing"),
	}, nil
}

// routingTableFile is the on-disk shape for an operator-supplied override
// of the domain->agent and dependency-rule tables (spec §6). Either section
// may be partial; unspecified domains keep their built-in default.
type routingTableFile struct {
	DomainAgents    map[string]string   `yaml:"domain_agents"`
	DependencyRules map[string][]string `yaml:"dependency_rules"`
}

// LoadRoutingTable reads a YAML file at path and merges it over the default
// domain->agent and dependency-rule tables, returning the merged maps. A
// missing path is not an error — callers pass "" to keep pure defaults.
func LoadRoutingTable(path string) (map[string]string, map[string][]string, error) {
	agents := defaultDomainAgents()
	rules := defaultDependencyRules()
	if path == "" {
		return agents, rules, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errs.New("routing.LoadRoutingTable", "InvalidContract", "", fmt.Errorf("%w: %v", errs.ErrInvalidContract, err))
	}
	var parsed routingTableFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, errs.New("routing.LoadRoutingTable", "InvalidContract", "", fmt.Errorf("%w: invalid routing table yaml: %v", errs.ErrInvalidContract, err))
	}
	for domain, agent := range parsed.DomainAgents {
		agents[domain] = agent
	}
	for domain, deps := range parsed.DependencyRules {
		rules[domain] = deps
	}
	return agents, rules, nil
}

// NewFromTable builds a Planner using an explicitly supplied domain->agent
// and dependency-rule table, e.g. one loaded with LoadRoutingTable.
func NewFromTable(root, redisURL string, domainAgents map[string]string, dependencyRules map[string][]string, logger logging.Logger) (*Planner, error) {
	p, err := New(root, redisURL, logger)
	if err != nil {
		return nil, err
	}
	p.DomainAgents = domainAgents
	p.DependencyRules = dependencyRules
	return p, nil
}

// ComplexityScore implements spec §4.7 point 1.
func (p *Planner) ComplexityScore(domains []string, description string) float64 {
	domainScore := minF(0.4, float64(len(domains))*0.15)
	lengthScore := minF(0.3, float64(len(description))/200.0*0.3)

	lower := strings.ToLower(description)
	keywordScore := 0.0
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			keywordScore += 0.05
		}
	}

	return minF(1.0, domainScore+lengthScore+keywordScore)
}

// hasDependencyKeyword reports whether description contains any ordering
// keyword from spec §4.7 point 3.
func hasDependencyKeyword(description string) bool {
	lower := strings.ToLower(description)
	for _, kw := range dependencyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// NormalizeFailedAgents coerces a mixed string/{agent_id,...} slice to a set
// of agent ids, per spec §9.
func NormalizeFailedAgents(failed []interface{}) map[string]bool {
	out := map[string]bool{}
	for _, f := range failed {
		switch v := f.(type) {
		case string:
			out[v] = true
		case map[string]interface{}:
			if id, ok := v["agent_id"].(string); ok {
				out[id] = true
			}
		}
	}
	return out
}

// SelectAgents implements spec §4.7 point 2: map domains to specialists in
// first-occurrence order, skip completed agents, and prepend the
// orchestrator when three or more domains are present.
func (p *Planner) SelectAgents(domains []string, completed []string) []string {
	completedSet := map[string]bool{}
	for _, c := range completed {
		completedSet[c] = true
	}

	seen := map[string]bool{}
	var selected []string
	for _, d := range domains {
		agent, ok := p.DomainAgents[d]
		if !ok || seen[agent] || completedSet[agent] {
			continue
		}
		seen[agent] = true
		selected = append(selected, agent)
	}

	if len(domains) >= 3 && !seen[OrchestratorAgentID] && !completedSet[OrchestratorAgentID] {
		selected = append([]string{OrchestratorAgentID}, selected...)
	}
	return selected
}

// ExecutionStrategyFor implements spec §4.7 point 3.
func (p *Planner) ExecutionStrategyFor(selected []string, complexity float64, description string) ExecutionStrategy {
	if len(selected) <= 1 {
		return StrategySequential
	}
	if complexity > 0.6 || hasDependencyKeyword(description) {
		return StrategyDAG
	}
	if len(selected) >= 2 && complexity < 0.4 {
		return StrategyParallel
	}
	return StrategyDAG
}

// domainForAgent reverse-looks-up the domain name that maps to agent id, so
// the dependency rule table (keyed by domain) can be applied to the
// selected agent-id list.
func (p *Planner) domainForAgent(agentID string) string {
	for d, a := range p.DomainAgents {
		if a == agentID {
			return d
		}
	}
	return ""
}

// DependencyGraph implements spec §4.7 point 4: only edges whose endpoints
// are both present in selected are included. The returned map's value list
// is the set of agent ids the key depends on (matching the scenario 1
// example: frontend -> [backend, database]).
func (p *Planner) DependencyGraph(selected []string) map[string][]string {
	selectedSet := map[string]bool{}
	for _, a := range selected {
		selectedSet[a] = true
	}

	graph := map[string][]string{}
	for _, agent := range selected {
		graph[agent] = []string{}
		domain := p.domainForAgent(agent)
		for _, depDomain := range p.DependencyRules[domain] {
			depAgent, ok := p.DomainAgents[depDomain]
			if !ok || !selectedSet[depAgent] {
				continue
			}
			graph[agent] = append(graph[agent], depAgent)
		}
	}
	return graph
}

// RefinementStrategyFor implements spec §4.7 point 5.
func RefinementStrategyFor(failedAgents map[string]bool, complexity float64) RefinementStrategy {
	switch len(failedAgents) {
	case 0:
		return StrategyRetryWithFeedback
	case 1:
		if complexity > 0.7 {
			return StrategyAddStep
		}
		return StrategyRetryWithFeedback
	default:
		return StrategyRouteToDebug
	}
}

// TopologicalBatches implements spec §4.7 point 6: repeated zero-in-degree
// extraction. graph maps a node to the nodes it depends on. Returns
// errs.ErrCyclicGraph if a non-empty residual has no zero-in-degree node.
// The result is deterministic for a given graph (agent ids are sorted
// within each batch), satisfying the "Determinism of scheduling" law.
func TopologicalBatches(nodes []string, graph map[string][]string) ([][]string, error) {
	remaining := map[string]bool{}
	for _, n := range nodes {
		remaining[n] = true
	}

	inDegree := func(n string) int {
		count := 0
		for _, dep := range graph[n] {
			if remaining[dep] {
				count++
			}
		}
		return count
	}

	var batches [][]string
	for len(remaining) > 0 {
		var batch []string
		for n := range remaining {
			if inDegree(n) == 0 {
				batch = append(batch, n)
			}
		}
		if len(batch) == 0 {
			return nil, errs.New("routing.TopologicalBatches", "InvalidContract", "", errs.ErrCyclicGraph)
		}
		sort.Strings(batch)
		for _, n := range batch {
			delete(remaining, n)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// Confidence implements spec §4.7 point 7.
func Confidence(complexity float64, domainCount int) float64 {
	c := 0.95 - 0.15*complexity - 0.05*maxF(0, float64(domainCount-2))
	return maxF(0.7, c)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Plan runs the full C7 pipeline and persists the resulting Decision under
// <root>/routing/decisions/<task_id>.json.
func (p *Planner) Plan(taskID, description string, domains []string, state OrchestrationState) (Decision, error) {
	complexity := p.ComplexityScore(domains, description)
	selected := p.SelectAgents(domains, state.CompletedAgents)
	if len(selected) == 0 {
		return Decision{}, errs.New("routing.Plan", "InvalidContract", taskID,
			fmt.Errorf("%w: no agents selected for domains %v", errs.ErrInvalidContract, domains))
	}

	strategy := p.ExecutionStrategyFor(selected, complexity, description)
	failedSet := NormalizeFailedAgents(state.FailedAgents)
	refinement := RefinementStrategyFor(failedSet, complexity)
	confidence := Confidence(complexity, len(domains))

	decision := Decision{
		SelectedAgents:     selected,
		ExecutionStrategy:  strategy,
		RefinementStrategy: refinement,
		Confidence:         confidence,
		Reasoning: fmt.Sprintf("complexity=%.2f domains=%d strategy=%s refinement=%s",
			complexity, len(domains), strategy, refinement),
	}

	if strategy == StrategyDAG {
		graph := p.DependencyGraph(selected)
		if err := validateGraph(selected, graph); err != nil {
			return Decision{}, err
		}
		decision.DependencyGraph = graph
	}

	if err := p.store.Save(taskID, decision); err != nil {
		return Decision{}, err
	}
	p.logger.Info("routing decision", map[string]interface{}{
		"task_id": taskID, "strategy": strategy, "selected_agents": selected, "confidence": confidence,
	})
	ctx := context.Background()
	telemetry.AddSpanEvent(ctx, "routing.decision",
		attribute.String("task_id", taskID), attribute.String("strategy", string(strategy)), attribute.Int("agent_count", len(selected)))
	telemetry.Histogram(ctx, "conductor.routing.complexity", complexity)
	telemetry.Counter(ctx, "conductor.routing.decisions", attribute.String("strategy", string(strategy)))
	return decision, nil
}

// validateGraph enforces spec §3's Routing Decision invariant: every node
// and every listed dependency must appear in selected_agents, and the graph
// must be acyclic.
func validateGraph(selected []string, graph map[string][]string) error {
	selectedSet := map[string]bool{}
	for _, a := range selected {
		selectedSet[a] = true
	}
	for node, deps := range graph {
		if !selectedSet[node] {
			return errs.New("routing.validateGraph", "InvalidContract", "", errs.ErrInvalidContract)
		}
		for _, d := range deps {
			if !selectedSet[d] {
				return errs.New("routing.validateGraph", "InvalidContract", "", errs.ErrInvalidContract)
			}
		}
	}
	if _, err := TopologicalBatches(selected, graph); err != nil {
		return err
	}
	return nil
}
