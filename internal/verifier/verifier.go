// Package verifier implements the Quality-Gate Verifier (C5): a capability
// that scores an artifact across four fixed dimensions and emits a binary
// sufficient/insufficient decision with mandatory feedback on failure.
package verifier

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/conductorhq/conductor/internal/aiclient"
	"github.com/conductorhq/conductor/internal/capability"
	"github.com/conductorhq/conductor/internal/envelope"
	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
	"github.com/conductorhq/conductor/internal/store"
)

// Dimension names, fixed by spec §4.5.
const (
	DimensionCompleteness            = "completeness"
	DimensionConstitutionalCompliance = "constitutional_compliance"
	DimensionTestCoverage            = "test_coverage"
	DimensionSpecAlignment           = "spec_alignment"
)

// Weights are the four dimension weights; they must sum to 1 within ±0.01.
type Weights struct {
	Completeness             float64
	ConstitutionalCompliance float64
	TestCoverage             float64
	SpecAlignment            float64
}

// DefaultWeights is spec §4.5's fixed default weighting.
func DefaultWeights() Weights {
	return Weights{Completeness: 0.25, ConstitutionalCompliance: 0.30, TestCoverage: 0.25, SpecAlignment: 0.20}
}

func (w Weights) sum() float64 {
	return w.Completeness + w.ConstitutionalCompliance + w.TestCoverage + w.SpecAlignment
}

// Decision is the Verification Decision entity from spec §3.
type Decision struct {
	Decision        string             `json:"decision"` // "sufficient" | "insufficient"
	QualityScore    float64            `json:"quality_score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	Feedback        []string           `json:"feedback"`
	Violations      []string           `json:"violations"`
	PassedChecks    []string           `json:"passed_checks"`
}

// Scorer computes per-dimension scores, feedback, violations and passed
// checks for an artifact. The heuristics are a reference implementation;
// any scorer that respects this contract may be substituted.
type Scorer interface {
	Score(ctx context.Context, artifact string, specContent string) (dimensionScores map[string]float64, feedback, violations, passedChecks []string, err error)
}

// Verifier is the C5 capability. It loads the artifact at
// in.InputData["artifact_path"], scores it with Scorer, aggregates with
// Weights against DefaultThreshold, and returns a Decision as the Output's
// output_data. Optional DimensionThresholds add a violation for each
// dimension scoring below its own minimum; they do not change the decision.
type Verifier struct {
	Scorer              Scorer
	Weights             Weights
	DefaultThreshold    float64
	DimensionThresholds map[string]float64 // optional per-dimension minimums (violations only)
	store               *store.JSONStore   // persists decisions under <root>/verifier/decisions
	logger              logging.Logger
}

// New builds a Verifier. defaultThreshold is the phase threshold the caller
// (refinement controller) resolved for this task's phase. root is the
// conductor state root; decisions persist under <root>/verifier/decisions.
func New(scorer Scorer, weights Weights, defaultThreshold float64, dimensionThresholds map[string]float64, root string, logger logging.Logger) (*Verifier, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if diff := weights.sum() - 1.0; diff < -0.01 || diff > 0.01 {
		return nil, errs.New("verifier.New", "InvalidContract", "", fmt.Errorf("%w: weights sum to %.4f, want 1 +/- 0.01", errs.ErrInvalidContract, weights.sum()))
	}
	if scorer == nil {
		scorer = ReferenceScorer{}
	}
	st, err := store.NewJSONStore(root+"/verifier/decisions", logger)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		Scorer:              scorer,
		Weights:             weights,
		DefaultThreshold:    defaultThreshold,
		DimensionThresholds: dimensionThresholds,
		store:               st,
		logger:              logger.WithComponent("conductor/verifier"),
	}, nil
}

// Invoke implements capability.Capability.
func (v *Verifier) Invoke(ctx context.Context, in envelope.Input) (envelope.Output, error) {
	artifactPath, _ := in.InputData["artifact_path"].(string)
	var artifact string
	if artifactPath != "" {
		b, err := os.ReadFile(artifactPath)
		if err != nil {
			return envelope.Output{}, errs.New("verifier.Invoke", "InvalidContract", in.TaskID, fmt.Errorf("%w: artifact path unreadable: %v", errs.ErrInvalidContract, err))
		}
		artifact = string(b)
	} else if inline, ok := in.InputData["artifact_content"].(string); ok {
		artifact = inline
	}

	specContent := ""
	if in.Context.SpecPath != "" {
		if b, err := os.ReadFile(in.Context.SpecPath); err == nil {
			specContent = string(b)
		}
	}

	dimScores, feedback, violations, passed, err := v.Scorer.Score(ctx, artifact, specContent)
	if err != nil {
		return envelope.Output{}, errs.New("verifier.Invoke", "CapabilityFailure", in.TaskID, fmt.Errorf("%w: %v", errs.ErrCapabilityFailure, err))
	}

	quality := v.Weights.Completeness*dimScores[DimensionCompleteness] +
		v.Weights.ConstitutionalCompliance*dimScores[DimensionConstitutionalCompliance] +
		v.Weights.TestCoverage*dimScores[DimensionTestCoverage] +
		v.Weights.SpecAlignment*dimScores[DimensionSpecAlignment]

	threshold := v.DefaultThreshold
	for dim, score := range dimScores {
		if t, ok := v.DimensionThresholds[dim]; ok && score < t {
			violations = append(violations, fmt.Sprintf("%s below per-dimension threshold %.2f (scored %.2f)", dim, t, score))
		}
	}

	decision := Decision{
		QualityScore:    quality,
		DimensionScores: dimScores,
		Violations:      violations,
		PassedChecks:    passed,
	}
	if quality >= threshold {
		decision.Decision = "sufficient"
		decision.Feedback = feedback
	} else {
		decision.Decision = "insufficient"
		if len(feedback) == 0 {
			feedback = []string{fmt.Sprintf("quality score %.2f below threshold %.2f", quality, threshold)}
		}
		decision.Feedback = feedback
	}

	nextActions := []string{}
	if decision.Decision == "insufficient" {
		nextActions = append(nextActions, "address feedback and resubmit for verification")
	}

	out, err := envelope.MakeOutput(envelope.OutputParams{
		AgentID:   in.AgentID,
		TaskID:    in.TaskID,
		Success:   true,
		Reasoning: fmt.Sprintf("scored artifact at %.2f against threshold %.2f", quality, threshold),
		OutputData: map[string]interface{}{
			"decision":         decision.Decision,
			"quality_score":    decision.QualityScore,
			"dimension_scores": decision.DimensionScores,
			"feedback":         decision.Feedback,
			"violations":       decision.Violations,
			"passed_checks":    decision.PassedChecks,
		},
		Confidence:  1.0,
		NextActions: nextActions,
	}, &in)
	if err != nil {
		return envelope.Output{}, err
	}
	if err := v.store.Save(in.TaskID, decision); err != nil {
		return envelope.Output{}, err
	}
	v.logger.Info("verification decision", map[string]interface{}{
		"task_id": in.TaskID, "decision": decision.Decision, "quality_score": decision.QualityScore,
	})
	return out, nil
}

var _ capability.Capability = (*Verifier)(nil)

// ReferenceScorer is the reference heuristic scorer named in spec §4.5 and
// §9: it conflates presence with quality on purpose (section markers,
// keyword families, test/function ratio, keyword overlap with a referenced
// spec) and is explicitly substitutable.
type ReferenceScorer struct{}

var requiredSections = []string{"overview", "requirements", "implementation", "testing"}

var constitutionalKeywords = []string{"must", "shall", "invariant", "constraint", "policy"}

func (ReferenceScorer) Score(_ context.Context, artifact, specContent string) (map[string]float64, []string, []string, []string, error) {
	lower := strings.ToLower(artifact)

	dims := map[string]float64{}
	var feedback, violations, passed []string

	// completeness: fraction of expected section markers present
	found := 0
	for _, s := range requiredSections {
		if strings.Contains(lower, s) {
			found++
			passed = append(passed, "section present: "+s)
		} else {
			violations = append(violations, "missing expected section: "+s)
		}
	}
	dims[DimensionCompleteness] = float64(found) / float64(len(requiredSections))
	if dims[DimensionCompleteness] < 1.0 {
		feedback = append(feedback, "artifact is missing one or more expected sections")
	}

	// constitutional_compliance: presence of policy/constraint keyword family
	kwFound := 0
	for _, kw := range constitutionalKeywords {
		if strings.Contains(lower, kw) {
			kwFound++
		}
	}
	dims[DimensionConstitutionalCompliance] = minF(1.0, float64(kwFound)/float64(len(constitutionalKeywords)))
	if dims[DimensionConstitutionalCompliance] < 0.5 {
		feedback = append(feedback, "artifact does not clearly state constraints or invariants")
	} else {
		passed = append(passed, "constraint language present")
	}

	// test_coverage: ratio of test-looking constructs to function-looking constructs
	testCount := strings.Count(lower, "func test") + strings.Count(lower, "def test_") + strings.Count(lower, "it(") + strings.Count(lower, "test(")
	funcCount := strings.Count(lower, "func ") + strings.Count(lower, "def ") + strings.Count(lower, "function ")
	if funcCount == 0 {
		dims[DimensionTestCoverage] = 0
	} else {
		dims[DimensionTestCoverage] = minF(1.0, float64(testCount)/float64(funcCount))
	}
	if dims[DimensionTestCoverage] < 0.3 {
		feedback = append(feedback, "low ratio of tests to implementation functions")
	} else {
		passed = append(passed, "adequate test-to-function ratio")
	}

	// spec_alignment: keyword overlap between artifact and referenced spec
	if specContent == "" {
		dims[DimensionSpecAlignment] = 0.5 // neutral when no spec is referenced
	} else {
		dims[DimensionSpecAlignment] = keywordOverlap(lower, strings.ToLower(specContent))
		if dims[DimensionSpecAlignment] < 0.4 {
			feedback = append(feedback, "artifact shares little vocabulary with the referenced spec")
		} else {
			passed = append(passed, "artifact aligns with referenced spec vocabulary")
		}
	}

	return dims, feedback, violations, passed, nil
}

// AIAssistedScorer wraps a base Scorer (typically ReferenceScorer) and
// blends in an LLM opinion on constitutional_compliance and spec_alignment,
// the two dimensions the heuristic scorer is weakest on. When AI is nil or
// a call errors, it falls back to the base scorer's value untouched — AI
// assist only ever adjusts scores, it never becomes a hard dependency.
type AIAssistedScorer struct {
	Base Scorer
	AI   aiclient.Client
}

func (s AIAssistedScorer) Score(ctx context.Context, artifact, specContent string) (map[string]float64, []string, []string, []string, error) {
	dims, feedback, violations, passed, err := s.Base.Score(ctx, artifact, specContent)
	if err != nil || s.AI == nil {
		return dims, feedback, violations, passed, err
	}

	for _, dim := range []string{DimensionConstitutionalCompliance, DimensionSpecAlignment} {
		result, aiErr := s.AI.ScoreArtifact(ctx, dim, artifact)
		if aiErr != nil {
			continue
		}
		dims[dim] = (dims[dim] + result.Score) / 2
		if result.Reasoning != "" {
			passed = append(passed, "ai assist ("+dim+"): "+result.Reasoning)
		}
		feedback = append(feedback, result.Weaknesses...)
	}
	return dims, feedback, violations, passed, nil
}

var _ Scorer = AIAssistedScorer{}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// keywordOverlap is a crude Jaccard-style overlap over whitespace-tokenized
// words of length >= 5, deliberately simple per spec §9's note that the
// reference scorer conflates presence with quality.
func keywordOverlap(a, b string) float64 {
	setA := tokenize(a)
	setB := tokenize(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for w := range setA {
		if setB[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(setA))
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ".,;:()[]{}\"'")
		if len(w) >= 5 {
			out[w] = true
		}
	}
	return out
}

