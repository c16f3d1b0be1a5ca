// Command agent is the CLI surface for the desktop GUI-automation agent:
// a single "run" subcommand that drives one orchestration run to
// completion.
//
// Persistent flags are declared once in init, bound to viper with
// viper.BindPFlag, and viper also reads DESKAGENT_* environment
// variables so a headless deployment never needs a flag at all beyond
// the LLM API key.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deskpilot.app/agent/common"
	"deskpilot.app/agent/common/id"
	"deskpilot.app/agent/common/llm"
	"deskpilot.app/agent/common/logger"
	"deskpilot.app/agent/common/otel"
	"deskpilot.app/agent/core/config"
	"deskpilot.app/agent/internal/catalog"
	"deskpilot.app/agent/internal/cost"
	"deskpilot.app/agent/internal/executor"
	"deskpilot.app/agent/internal/model"
	"deskpilot.app/agent/internal/observer"
	"deskpilot.app/agent/internal/orchestrator"
	"deskpilot.app/agent/internal/planner"
	"deskpilot.app/agent/internal/recovery"
	"deskpilot.app/agent/internal/retriever"
	"deskpilot.app/agent/internal/runlog"
	"deskpilot.app/agent/internal/skills"
	"deskpilot.app/agent/internal/toolclient"
	"deskpilot.app/agent/internal/vectorindex"
)

// Exit codes: 0 success, 1 failure (any error state), 2 user abort.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitUserAbort   = 2
	snowflakeNodeID = 1
	toolCallTimeout = 60 * time.Second
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Desktop GUI-automation agent",
}

var runCmd = &cobra.Command{
	Use:   "run [default]",
	Short: "Run the orchestrator once for a single task",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRun,
}

// defaultTask is what "agent run default" executes, for trying the agent
// without assembling a task by hand.
var defaultTask = model.ParameterizedTask{
	Operation: "Concatenate all .MF4 files and save with specified name",
	Parameters: map[string]string{
		"input_folder":    `C:\measurements\input`,
		"output_folder":   `C:\measurements\output`,
		"output_filename": "concatenated.mf4",
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailure)
	}
}

func init() {
	rootCmd.PersistentFlags().String("env", "development", "development | production")
	rootCmd.PersistentFlags().String("root-dir", "./deskpilot-data", "root directory for persisted state")
	rootCmd.PersistentFlags().String("llm-api-key", "", "LLM provider API key (required)")
	rootCmd.PersistentFlags().String("llm-base-url", "", "LLM provider base URL override")
	rootCmd.PersistentFlags().String("llm-model", "gpt-4o-mini", "LLM model name")
	rootCmd.PersistentFlags().String("vector-host", "http://localhost:8108", "typesense host")
	rootCmd.PersistentFlags().String("vector-api-key", "", "typesense API key")
	rootCmd.PersistentFlags().String("vector-collection", "knowledge_items", "typesense collection name")
	rootCmd.PersistentFlags().String("tool-command", "", "tool server subprocess command line (required)")
	rootCmd.PersistentFlags().Duration("approval-timeout", 120*time.Second, "low-confidence approval soft timeout")
	rootCmd.PersistentFlags().Duration("verification-timeout", 300*time.Second, "end-of-run verification soft timeout")
	rootCmd.PersistentFlags().Bool("timeout-as-failure", false, "treat a verification timeout as failure instead of success")
	rootCmd.PersistentFlags().String("otel-endpoint", "", "OTLP HTTP endpoint (empty disables OTel export)")
	rootCmd.PersistentFlags().String("otel-service-name", "deskpilot-agent", "OTel service.name")
	rootCmd.PersistentFlags().String("otel-service-version", "dev", "OTel service.version")
	rootCmd.PersistentFlags().String("otel-headers", "", "comma-separated key=value OTLP headers")

	for _, name := range []string{
		"env", "root-dir", "llm-api-key", "llm-base-url", "llm-model",
		"vector-host", "vector-api-key", "vector-collection", "tool-command",
		"approval-timeout", "verification-timeout", "timeout-as-failure",
		"otel-endpoint", "otel-service-name", "otel-service-version", "otel-headers",
	} {
		v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	runCmd.Flags().String("operation", "", "task operation string (required)")
	runCmd.Flags().String("parameters", "{}", "task parameters as a JSON object of string values")
	runCmd.Flags().Bool("interactive", false, "enable the Human Observer (HITL)")
	runCmd.Flags().Bool("synthesize-recovery", false, "opt in to Recovery Synthesizer after a saved skill")
	for _, name := range []string{"operation", "parameters", "interactive", "synthesize-recovery"} {
		v.BindPFlag(name, runCmd.Flags().Lookup(name))
	}

	v.SetEnvPrefix("DESKAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	task := defaultTask
	if len(args) == 0 || args[0] != "default" {
		operation := v.GetString("operation")
		if operation == "" {
			return fmt.Errorf("--operation is required unless running the default task")
		}
		var parameters map[string]string
		if err := json.Unmarshal([]byte(v.GetString("parameters")), &parameters); err != nil {
			return fmt.Errorf("--parameters must be a JSON object of strings: %w", err)
		}
		task = model.ParameterizedTask{Operation: operation, Parameters: parameters}
	}
	synthesizeRecovery := v.GetBool("synthesize-recovery")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Setup(cfg)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("setting up OpenTelemetry: %w", err)
	}
	if telemetry != nil {
		defer telemetry.Shutdown(context.Background())
	}

	if err := id.Init(snowflakeNodeID); err != nil {
		return fmt.Errorf("initializing id generator: %w", err)
	}
	runID := id.New()

	sc := logger.StartSpan(ctx, "agent.run")
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{
		RunID:     logger.Ptr(runID),
		Component: "agent.cmd",
	})

	result, runErr := execute(ctx, cfg, runID, task, synthesizeRecovery)
	if runErr != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "aborted: %v\n", runErr)
			os.Exit(exitUserAbort)
		}
		fmt.Fprintf(os.Stderr, "run failed: %v\n", runErr)
		os.Exit(exitFailure)
	}
	if result.Outcome != orchestrator.OutcomeSuccess {
		fmt.Printf("run %d finished: %s\n", result.RunID, result.Outcome)
		os.Exit(exitFailure)
	}

	fmt.Printf("run %d finished: %s\n", result.RunID, result.Outcome)
	return nil
}

// execute wires every component together (catalog, vector index,
// retriever, skill library, tool client, planner, resolver, executor,
// observer, recovery synthesizer, run log, cost recorder) and hands them
// to a fresh Orchestrator for exactly one run.
func execute(ctx context.Context, cfg config.Config, runID int64, task model.ParameterizedTask, synthesizeRecovery bool) (orchestrator.Result, error) {
	store, err := catalog.NewFileStore(cfg.KnowledgeCatalogPath())
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("opening catalog: %w", err)
	}

	vecIndex, err := vectorindex.New(ctx, vectorindex.Config{
		Host:       cfg.Vector.Host,
		APIKey:     cfg.Vector.APIKey,
		Collection: cfg.Vector.Collection,
	})
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("connecting vector index: %w", err)
	}

	r := retriever.New(store, vecIndex)

	skillsLib, err := skills.New(cfg.SkillsDir())
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("opening skill library: %w", err)
	}

	toolClient, err := toolclient.Dial(ctx, cfg.Tool.Command)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("dialing tool server: %w", err)
	}
	defer toolClient.Close()

	llmClient, err := llm.New(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("creating LLM client: %w", err)
	}

	costRecorder := cost.NewRecorder()
	plannerLLM := cost.Wrap(llmClient, costRecorder, "planner")
	resolverLLM := cost.Wrap(llmClient, costRecorder, "resolver")
	recoveryLLM := cost.Wrap(llmClient, costRecorder, "recovery")

	p := planner.New(plannerLLM, toolClient, r, cfg.PlansDir(), cfg.PromptHistoryDir())
	resolver := executor.NewLLMResolver(resolverLLM)

	// Focus restoration is platform-specific; the observer treats a nil
	// restorer as a no-op.
	obs := observer.New(cfg.HITL, os.Stdin, os.Stdout, nil)
	if obs.Enabled() {
		go obs.ListenForInterrupts(ctx)
	}

	log, err := runlog.New(cfg.RunLogDir(), runID)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("opening run log: %w", err)
	}
	defer log.Close()

	exec := executor.New(toolClient, resolver, obs, store, r, log, toolCallTimeout)
	recoverySynth := recovery.New(recoveryLLM, store, r)

	slug, err := common.Slugify(task.Operation, "task")
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("slugifying operation: %w", err)
	}
	rerun, err := planner.NextVersion(cfg.PlansDir(), slug)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("computing rerun version: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Catalog:                 store,
		Retriever:               r,
		Skills:                  skillsLib,
		Planner:                 p,
		Tools:                   toolClient,
		Executor:                exec,
		Observer:                obs,
		Recovery:                recoverySynth,
		Cost:                    costRecorder,
		FindUnresolvedLearnings: recovery.FindItemsWithUnresolvedLearnings,
		CostReportsDir:          cfg.CostReportsDir(),
		SynthesizeRecovery:      synthesizeRecovery,
	})

	return orch.Run(ctx, runID, task, rerun)
}
