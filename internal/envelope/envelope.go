// Package envelope implements the immutable message and context model
// (C1): Input/Output envelopes and the append-only Shared Context that
// flows between agent capabilities.
package envelope

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/errs"
)

// Phase is the coarse workflow lifecycle stage.
type Phase string

const (
	PhaseSpecification Phase = "specification"
	PhasePlanning      Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseValidation    Phase = "validation"
)

// ValidPhase reports whether p is one of the four recognized phases.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseSpecification, PhasePlanning, PhaseImplementation, PhaseValidation:
		return true
	default:
		return false
	}
}

var agentIDPattern = regexp.MustCompile(`^[a-z_]+\.[a-z_]+$`)

// ValidAgentID reports whether id matches the required
// "<department>.<agent_name>" shape (lowercase letters and underscores on
// both sides of exactly one dot).
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Input is the immutable envelope delivered to a capability's invoke.
type Input struct {
	AgentID   string                 `json:"agent_id"`
	TaskID    string                 `json:"task_id"`
	Phase     Phase                  `json:"phase"`
	InputData map[string]interface{} `json:"input_data"`
	Context   Context                `json:"context"`
}

// Output is the immutable envelope a capability returns in response to an
// Input. Per the contract invariant, AgentID and TaskID must equal those of
// the Input it responds to.
type Output struct {
	AgentID     string                 `json:"agent_id"`
	TaskID      string                 `json:"task_id"`
	Success     bool                   `json:"success"`
	OutputData  map[string]interface{} `json:"output_data"`
	Reasoning   string                 `json:"reasoning"`
	Confidence  float64                `json:"confidence"`
	NextActions []string               `json:"next_actions"`
	Metadata    map[string]interface{} `json:"metadata"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Context is the append-only shared state that flows between agent
// invocations within a task. The zero value is a valid empty context.
type Context struct {
	SpecPath          string                 `json:"spec_path,omitempty"`
	PlanPath          string                 `json:"plan_path,omitempty"`
	PreviousOutputs   []Output               `json:"previous_outputs"`
	CumulativeFeedback []string              `json:"cumulative_feedback"`
	RefinementState   map[string]interface{} `json:"refinement_state,omitempty"`
}

// MakeInput constructs an Input envelope, validating agent_id and task_id
// shape. It does not validate phase against the Context's previous outputs;
// that correlation is the caller's (Channel's) responsibility.
func MakeInput(agentID, taskID string, phase Phase, inputData map[string]interface{}, ctx Context) (Input, error) {
	if !ValidAgentID(agentID) {
		return Input{}, errs.New("envelope.MakeInput", "InvalidContract", taskID,
			errs.ErrInvalidContract)
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return Input{}, errs.New("envelope.MakeInput", "InvalidContract", taskID, errs.ErrInvalidContract)
	}
	if !ValidPhase(phase) {
		return Input{}, errs.New("envelope.MakeInput", "InvalidContract", taskID, errs.ErrInvalidContract)
	}
	if inputData == nil {
		inputData = map[string]interface{}{}
	}
	return Input{
		AgentID:   agentID,
		TaskID:    taskID,
		Phase:     phase,
		InputData: inputData,
		Context:   ctx,
	}, nil
}

// OutputParams carries the fields needed to build an Output via MakeOutput.
type OutputParams struct {
	AgentID     string
	TaskID      string
	Success     bool
	OutputData  map[string]interface{}
	Reasoning   string
	Confidence  float64
	NextActions []string
	Metadata    map[string]interface{}
	Timestamp   time.Time // zero value defaults to time.Now()
}

// MakeOutput constructs an Output envelope, validating the invariants in
// spec §4.1: confidence in [0,1], non-empty reasoning, timestamp not in the
// future, and — when in is non-nil — that agent_id/task_id match the input
// being responded to.
func MakeOutput(p OutputParams, in *Input) (Output, error) {
	if p.Confidence < 0 || p.Confidence > 1 {
		return Output{}, errs.New("envelope.MakeOutput", "InvalidContract", p.TaskID, errs.ErrInvalidContract)
	}
	if p.Reasoning == "" {
		return Output{}, errs.New("envelope.MakeOutput", "InvalidContract", p.TaskID, errs.ErrInvalidContract)
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if ts.After(time.Now().Add(time.Second)) {
		return Output{}, errs.New("envelope.MakeOutput", "InvalidContract", p.TaskID, errs.ErrInvalidContract)
	}
	if in != nil && (p.AgentID != in.AgentID || p.TaskID != in.TaskID) {
		return Output{}, errs.New("envelope.MakeOutput", "InvalidContract", p.TaskID, errs.ErrInvalidContract)
	}
	if p.OutputData == nil {
		p.OutputData = map[string]interface{}{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	if p.NextActions == nil {
		p.NextActions = []string{}
	}
	return Output{
		AgentID:     p.AgentID,
		TaskID:      p.TaskID,
		Success:     p.Success,
		OutputData:  p.OutputData,
		Reasoning:   p.Reasoning,
		Confidence:  p.Confidence,
		NextActions: p.NextActions,
		Metadata:    p.Metadata,
		Timestamp:   ts,
	}, nil
}

// AddOutput returns a new Context with o appended to PreviousOutputs.
// Inserting an output whose timestamp is older than the latest existing one
// is an InvalidContract failure (the append-only, timestamp-monotonic
// invariant of spec §3/§5).
func (c Context) AddOutput(o Output) (Context, error) {
	if n := len(c.PreviousOutputs); n > 0 {
		if o.Timestamp.Before(c.PreviousOutputs[n-1].Timestamp) {
			return Context{}, errs.New("Context.AddOutput", "InvalidContract", o.TaskID, errs.ErrInvalidContract)
		}
	}
	next := make([]Output, len(c.PreviousOutputs), len(c.PreviousOutputs)+1)
	copy(next, c.PreviousOutputs)
	next = append(next, o)
	return Context{
		SpecPath:           c.SpecPath,
		PlanPath:           c.PlanPath,
		PreviousOutputs:    next,
		CumulativeFeedback: c.CumulativeFeedback,
		RefinementState:    c.RefinementState,
	}, nil
}

// AddFeedback returns a new Context with s appended to CumulativeFeedback.
func (c Context) AddFeedback(s string) Context {
	next := make([]string, len(c.CumulativeFeedback), len(c.CumulativeFeedback)+1)
	copy(next, c.CumulativeFeedback)
	next = append(next, s)
	return Context{
		SpecPath:           c.SpecPath,
		PlanPath:           c.PlanPath,
		PreviousOutputs:    c.PreviousOutputs,
		CumulativeFeedback: next,
		RefinementState:    c.RefinementState,
	}
}

// LatestOutput returns the most recently appended Output, or nil if none
// exist yet.
func (c Context) LatestOutput() *Output {
	if len(c.PreviousOutputs) == 0 {
		return nil
	}
	o := c.PreviousOutputs[len(c.PreviousOutputs)-1]
	return &o
}

// NewTaskID mints a fresh task identifier. Task IDs are produced upstream of
// the core in a real deployment; this helper exists for tests and for the
// CLI entry point's demo path.
func NewTaskID() string {
	return uuid.NewString()
}
