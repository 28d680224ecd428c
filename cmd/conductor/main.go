// Command conductor is a thin CLI over the core components: routing,
// verification, refinement, and auto-debug. It wires configuration,
// logging, and persistence the same way a calling orchestrator would, but
// does not implement the orchestrator itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/aiclient"
	"github.com/conductorhq/conductor/internal/autodebug"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/envelope"
	"github.com/conductorhq/conductor/internal/logging"
	"github.com/conductorhq/conductor/internal/refinement"
	"github.com/conductorhq/conductor/internal/routing"
	"github.com/conductorhq/conductor/internal/verifier"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("conductor: config: %v", err)
	}
	format := logging.FormatJSON
	if cfg.LogFormat == "text" {
		format = logging.FormatText
	}
	logger := logging.NewStructuredLogger("conductor", format, cfg.LogLevel, os.Stdout)

	ctx := context.Background()
	var cmdErr error
	switch os.Args[1] {
	case "route":
		cmdErr = runRoute(ctx, cfg, logger, os.Args[2:])
	case "verify":
		cmdErr = runVerify(ctx, cfg, logger, os.Args[2:])
	case "refine":
		cmdErr = runRefine(ctx, cfg, logger, os.Args[2:])
	case "debug":
		cmdErr = runDebug(cfg, logger, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if cmdErr != nil {
		log.Fatalf("conductor: %v", cmdErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conductor <route|verify|refine|debug> [flags]")
}

func runRoute(_ context.Context, cfg *config.Config, logger logging.Logger, args []string) error {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	desc := fs.String("description", "", "task description")
	domains := fs.String("domains", "", "comma-separated domains")
	taskID := fs.String("task-id", uuid.NewString(), "task id")
	routingTable := fs.String("routing-table", "", "optional YAML file overriding the domain->agent table")
	fs.Parse(args)

	agents, rules, err := routing.LoadRoutingTable(*routingTable)
	if err != nil {
		return err
	}
	planner, err := routing.NewFromTable(cfg.StoreRoot, cfg.RedisURL, agents, rules, logger)
	if err != nil {
		return err
	}
	decision, err := planner.Plan(*taskID, *desc, splitCSV(*domains), routing.OrchestrationState{})
	if err != nil {
		return err
	}
	return printJSON(decision)
}

func runVerify(_ context.Context, cfg *config.Config, logger logging.Logger, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	artifactPath := fs.String("artifact", "", "path to artifact to score")
	phase := fs.String("phase", string(envelope.PhaseImplementation), "phase")
	taskID := fs.String("task-id", uuid.NewString(), "task id")
	fs.Parse(args)

	var scorer verifier.Scorer = verifier.ReferenceScorer{}
	if ai := buildAIClient(cfg, logger); ai != nil {
		scorer = verifier.AIAssistedScorer{Base: verifier.ReferenceScorer{}, AI: ai}
	}

	v, err := verifier.New(scorer, verifier.DefaultWeights(), cfg.ThresholdForPhase(*phase), nil, cfg.StoreRoot, logger)
	if err != nil {
		return err
	}
	in, err := envelope.MakeInput("conductor.verifier", *taskID, envelope.Phase(*phase),
		map[string]interface{}{"artifact_path": *artifactPath}, envelope.Context{})
	if err != nil {
		return err
	}
	out, err := v.Invoke(context.Background(), in)
	if err != nil {
		return err
	}
	return printJSON(out.OutputData)
}

func runRefine(_ context.Context, cfg *config.Config, logger logging.Logger, args []string) error {
	fs := flag.NewFlagSet("refine", flag.ExitOnError)
	artifactPath := fs.String("artifact", "", "path to artifact to refine against")
	phase := fs.String("phase", string(envelope.PhaseImplementation), "phase")
	taskID := fs.String("task-id", uuid.NewString(), "task id")
	fs.Parse(args)

	v, err := verifier.New(verifier.ReferenceScorer{}, verifier.DefaultWeights(), cfg.ThresholdForPhase(*phase), nil, cfg.StoreRoot, logger)
	if err != nil {
		return err
	}
	controller, err := refinement.New(v, cfg.StoreRoot, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	result, err := controller.Run(context.Background(), *taskID, *phase, cfg.MaxRefinementRounds,
		cfg.ThresholdForPhase(*phase), cfg.EarlyStopThreshold,
		map[string]interface{}{"artifact_path": *artifactPath}, envelope.Context{})
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"terminal":        result.Terminal,
		"rounds":          result.State.CurrentRound,
		"ema_quality":     result.State.EMAQuality,
		"escalation_path": result.EscalationPath,
	})
}

func runDebug(cfg *config.Config, logger logging.Logger, args []string) error {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)
	codePath := fs.String("code", "", "path to failing code")
	stackTrace := fs.String("stack-trace", "", "captured stack trace")
	errorMessage := fs.String("error-message", "", "error message")
	taskID := fs.String("task-id", uuid.NewString(), "task id")
	fs.Parse(args)

	code, err := os.ReadFile(*codePath)
	if err != nil {
		return err
	}
	sm, err := autodebug.New(cfg.StoreRoot, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	sm.AI = buildAIClient(cfg, logger)

	session, err := sm.Run(*taskID, string(code), *stackTrace, *errorMessage, autodebug.MaxIterations)
	if err != nil {
		return err
	}
	return printJSON(session)
}

func buildAIClient(cfg *config.Config, logger logging.Logger) aiclient.Client {
	if !cfg.AIEnabled {
		return nil
	}
	return aiclient.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
