// Package refinement implements the Refinement Loop Controller (C6): a
// bounded iterative loop that drives an artifact toward a phase-specific
// quality threshold using EMA-smoothed quality, early-stop, a hard round
// cap, and escalation on exhaustion.
package refinement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/conductorhq/conductor/internal/capability"
	"github.com/conductorhq/conductor/internal/envelope"
	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
	"github.com/conductorhq/conductor/internal/resilience"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/telemetry"
)

// EMAAlpha is the fixed smoothing factor from spec §4.6/§8.
const EMAAlpha = 0.3

// Terminal names the reason a Run call returned.
type Terminal string

const (
	TerminalEarlyStop Terminal = "early_stop"
	TerminalSuccess   Terminal = "success"
	TerminalEscalated Terminal = "escalated"
	TerminalCancelled Terminal = "cancelled"
)

// IterationRecord is one round of the refinement loop.
type IterationRecord struct {
	Round              int                    `json:"round"`
	Timestamp          time.Time              `json:"timestamp"`
	InputState         map[string]interface{} `json:"input_state,omitempty"`
	OutputState        map[string]interface{} `json:"output_state,omitempty"`
	VerificationResult map[string]interface{} `json:"verification_result"`
	QualityScore       float64                `json:"quality_score"`
	DurationSeconds    float64                `json:"duration_seconds"`
	AgentInvocations   []string               `json:"agent_invocations,omitempty"`
}

// State is the Refinement State entity from spec §3.
type State struct {
	TaskID                 string            `json:"task_id"`
	Phase                  string            `json:"phase"`
	CurrentRound           int               `json:"current_round"`
	MaxRounds              int               `json:"max_rounds"`
	Iterations             []IterationRecord `json:"iterations"`
	CumulativeFeedback     []string          `json:"cumulative_feedback"`
	EMAQuality             float64           `json:"ema_quality"`
	QualityThreshold       float64           `json:"quality_threshold"`
	EarlyStoppingThreshold float64           `json:"early_stopping_threshold"`
	StartedAt              time.Time         `json:"started_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// RefinementHook is invoked between rounds, when neither stop condition has
// fired, so a caller can mutate the artifact using accumulated feedback
// before the next verification pass.
type RefinementHook func(ctx context.Context, state State) error

// StateCaptureHook captures an opaque snapshot of artifact state for an
// Iteration Record (input or output side); both are optional.
type StateCaptureHook func(ctx context.Context, state State) map[string]interface{}

// Controller drives the bounded loop described in spec §4.6.
type Controller struct {
	Verifier       capability.Capability
	RefinementHook RefinementHook
	CaptureInput   StateCaptureHook
	CaptureOutput  StateCaptureHook
	Clock          func() time.Time

	store           store.Store
	reports         *store.JSONStore
	breaker         *resilience.CircuitBreaker
	logger          logging.Logger
}

// New builds a Controller. root is the conductor state root; state persists
// under <root>/refinement-state, or under Redis keys prefixed
// "conductor:refinement-state" when redisURL is non-empty. Escalation
// reports always land locally under
// <root>/refinement-state/<task_id>_escalation.txt, since they are
// human-readable text artifacts rather than per-task state documents.
func New(verifier capability.Capability, root, redisURL string, logger logging.Logger) (*Controller, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	st, err := store.New(root+"/refinement-state", redisURL, "conductor:refinement-state", logger)
	if err != nil {
		return nil, err
	}
	reports, err := store.NewJSONStore(root+"/refinement-state", logger)
	if err != nil {
		return nil, err
	}
	return &Controller{
		Verifier: verifier,
		Clock:    time.Now,
		store:    st,
		reports:  reports,
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("verifier"), logger),
		logger:   logger.WithComponent("conductor/refinement"),
	}, nil
}

// Result is what Run returns once the loop reaches a terminal state.
type Result struct {
	State          State
	Terminal       Terminal
	EscalationPath string
}

// Run drives the loop for taskID/phase until a stop condition fires. If a
// prior state exists it resumes from it; otherwise it initializes a fresh
// one from the supplied defaults.
func (c *Controller) Run(ctx context.Context, taskID, phase string, maxRounds int, qualityThreshold, earlyStopThreshold float64, artifactInput map[string]interface{}, startCtx envelope.Context) (Result, error) {
	state, err := c.loadOrInit(taskID, phase, maxRounds, qualityThreshold, earlyStopThreshold)
	if err != nil {
		return Result{}, err
	}

	sharedCtx := startCtx

	for c.canContinue(state) {
		select {
		case <-ctx.Done():
			state.UpdatedAt = c.Clock().UTC()
			if err := c.store.Save(taskID, state); err != nil {
				return Result{}, err
			}
			return Result{State: state, Terminal: TerminalCancelled}, nil
		default:
		}

		started := c.Clock()

		in, err := envelope.MakeInput("conductor.verifier", taskID, envelope.Phase(phase), artifactInput, sharedCtx)
		if err != nil {
			return Result{}, err
		}

		var inputSnapshot map[string]interface{}
		if c.CaptureInput != nil {
			inputSnapshot = c.CaptureInput(ctx, state)
		}

		if !c.breaker.CanExecute() {
			return Result{}, errs.New("refinement.Run", "CapabilityFailure", taskID,
				fmt.Errorf("%w: verifier circuit open after repeated failures", errs.ErrCapabilityFailure))
		}
		out, err := c.Verifier.Invoke(ctx, in)
		c.breaker.RecordResult(err)
		if err != nil {
			telemetry.RecordSpanError(ctx, err)
			return Result{}, errs.New("refinement.Run", "CapabilityFailure", taskID, fmt.Errorf("%w: %v", errs.ErrCapabilityFailure, err))
		}

		var outputSnapshot map[string]interface{}
		if c.CaptureOutput != nil {
			outputSnapshot = c.CaptureOutput(ctx, state)
		}

		quality, _ := out.OutputData["quality_score"].(float64)
		feedbackList := asStringSlice(out.OutputData["feedback"])

		duration := c.Clock().Sub(started).Seconds()
		if duration <= 0 {
			duration = 1e-6 // strictly positive per spec §3
		}

		record := IterationRecord{
			Round:               state.CurrentRound + 1,
			Timestamp:           c.Clock().UTC(),
			InputState:          inputSnapshot,
			OutputState:         outputSnapshot,
			VerificationResult:  out.OutputData,
			QualityScore:        quality,
			DurationSeconds:     duration,
			AgentInvocations:    []string{out.AgentID},
		}

		state.Iterations = append(state.Iterations, record)
		state.CumulativeFeedback = append(state.CumulativeFeedback, feedbackList...)
		state.EMAQuality = EMAAlpha*quality + (1-EMAAlpha)*state.EMAQuality
		state.CurrentRound++
		state.UpdatedAt = c.Clock().UTC()

		if err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), c.logger, func() error {
			return c.store.Save(taskID, state)
		}); err != nil {
			return Result{}, err
		}

		sharedOut, err := envelope.MakeOutput(envelope.OutputParams{
			AgentID: "conductor.verifier", TaskID: taskID, Success: out.Success,
			Reasoning: out.Reasoning, Confidence: out.Confidence, OutputData: out.OutputData,
			Timestamp: record.Timestamp,
		}, nil)
		if err == nil {
			if updated, err := sharedCtx.AddOutput(sharedOut); err == nil {
				sharedCtx = updated
			}
		}
		for _, f := range feedbackList {
			sharedCtx = sharedCtx.AddFeedback(f)
		}

		c.logger.Info("refinement iteration complete", map[string]interface{}{
			"task_id": taskID, "round": record.Round, "quality_score": quality, "ema_quality": state.EMAQuality,
		})
		telemetry.AddSpanEvent(ctx, "refinement.iteration",
			attribute.String("task_id", taskID), attribute.Int("round", record.Round), attribute.Float64("quality_score", quality))
		telemetry.Histogram(ctx, "conductor.refinement.ema_quality", state.EMAQuality, attribute.String("phase", phase))

		if state.EMAQuality >= state.EarlyStoppingThreshold {
			telemetry.Counter(ctx, "conductor.refinement.early_stop", attribute.String("phase", phase))
			return Result{State: state, Terminal: TerminalEarlyStop}, nil
		}
		if state.EMAQuality >= state.QualityThreshold {
			telemetry.Counter(ctx, "conductor.refinement.success", attribute.String("phase", phase))
			return Result{State: state, Terminal: TerminalSuccess}, nil
		}
		if state.CurrentRound == state.MaxRounds {
			path, err := c.escalate(state)
			if err != nil {
				return Result{}, err
			}
			telemetry.Counter(ctx, "conductor.refinement.escalated", attribute.String("phase", phase))
			return Result{State: state, Terminal: TerminalEscalated, EscalationPath: path}, nil
		}

		if c.RefinementHook != nil {
			if err := c.RefinementHook(ctx, state); err != nil {
				return Result{}, errs.New("refinement.Run", "CapabilityFailure", taskID, fmt.Errorf("%w: refinement hook failed: %v", errs.ErrCapabilityFailure, err))
			}
		}
	}

	// canContinue was already false on entry (e.g. a resumed, already-terminal state).
	return Result{State: state, Terminal: terminalFor(state)}, nil
}

func terminalFor(s State) Terminal {
	if s.EMAQuality >= s.EarlyStoppingThreshold {
		return TerminalEarlyStop
	}
	if s.EMAQuality >= s.QualityThreshold {
		return TerminalSuccess
	}
	return TerminalEscalated
}

func (c *Controller) canContinue(s State) bool {
	if s.EMAQuality >= s.EarlyStoppingThreshold {
		return false
	}
	if s.EMAQuality >= s.QualityThreshold {
		return false
	}
	if s.CurrentRound >= s.MaxRounds {
		return false
	}
	return true
}

func (c *Controller) loadOrInit(taskID, phase string, maxRounds int, qualityThreshold, earlyStop float64) (State, error) {
	var s State
	found, err := c.store.Load(taskID, &s)
	if err != nil {
		return State{}, err
	}
	if found {
		return s, nil
	}
	if qualityThreshold >= earlyStop {
		return State{}, errs.New("refinement.loadOrInit", "InvalidContract", taskID,
			fmt.Errorf("%w: quality_threshold must be < early_stopping_threshold", errs.ErrInvalidContract))
	}
	now := time.Now().UTC()
	return State{
		TaskID: taskID, Phase: phase, CurrentRound: 0, MaxRounds: maxRounds,
		Iterations: []IterationRecord{}, CumulativeFeedback: []string{}, EMAQuality: 0,
		QualityThreshold: qualityThreshold, EarlyStoppingThreshold: earlyStop,
		StartedAt: now, UpdatedAt: now,
	}, nil
}

func (c *Controller) escalate(s State) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Refinement escalation for task %s (phase %s)\n", s.TaskID, s.Phase)
	fmt.Fprintf(&sb, "Exhausted %d of %d rounds without reaching threshold %.2f (ema=%.4f)\n", s.CurrentRound, s.MaxRounds, s.QualityThreshold, s.EMAQuality)
	sb.WriteString("Iteration history:\n")
	for _, it := range s.Iterations {
		fmt.Fprintf(&sb, "  round %d: quality=%.4f at %s\n", it.Round, it.QualityScore, it.Timestamp.Format(time.RFC3339))
	}
	sb.WriteString("Cumulative feedback:\n")
	for _, f := range s.CumulativeFeedback {
		fmt.Fprintf(&sb, "  - %s\n", f)
	}
	if err := c.reports.WriteText(s.TaskID, "_escalation.txt", sb.String()); err != nil {
		return "", err
	}
	c.logger.Warn("refinement escalated", map[string]interface{}{"task_id": s.TaskID, "rounds": s.CurrentRound})
	return s.TaskID + "_escalation.txt", nil
}

func asStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
