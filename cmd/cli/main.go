package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/brewva/brewva/internal/application"
	"github.com/brewva/brewva/internal/infrastructure/config"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
	"github.com/brewva/brewva/internal/infrastructure/logger"
)

const (
	cliVersion = "0.1.0"
	cliName    = "brewva"
)

// Exit codes per the runtime's CLI contract: 0 success, 1 generic
// failure, 2 argument error; 130/143 are assigned after a signal below.
const (
	exitOK       = 0
	exitFailure  = 1
	exitArgError = 2
	exitSIGINT   = 130
	exitSIGTERM  = 143
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		flagPrint   bool
		flagMode    string
		flagUndo    bool
		flagReplay  bool
		flagSession string
		flagCwd     string
		flagConfig  string
		flagModel   string
	)

	rootCmd := &cobra.Command{
		Use:           cliName + " [prompt]",
		Short:         "brewva — agent orchestration runtime",
		Version:       cliVersion,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetArgs(args)
	rootCmd.Flags().BoolVar(&flagPrint, "print", false, "one-shot text output (no interactive loop)")
	rootCmd.Flags().StringVar(&flagMode, "mode", "text", "output mode: text | json")
	rootCmd.Flags().BoolVar(&flagUndo, "undo", false, "roll back the last patch set for --session")
	rootCmd.Flags().BoolVar(&flagReplay, "replay", false, "hydrate and dump --session's event log")
	rootCmd.Flags().StringVar(&flagSession, "session", "", "session ID (required for --undo/--replay)")
	rootCmd.Flags().StringVar(&flagCwd, "cwd", "", "workspace root (default: current directory)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "explicit config file path")
	rootCmd.Flags().StringVar(&flagModel, "model", "", "provider/model attribution label")

	exitCode := exitOK
	rootCmd.RunE = func(cmd *cobra.Command, cmdArgs []string) error {
		switch flagMode {
		case "text", "json":
		default:
			exitCode = exitArgError
			return fmt.Errorf("invalid --mode %q: want text or json", flagMode)
		}
		if (flagUndo || flagReplay) && flagSession == "" {
			exitCode = exitArgError
			return fmt.Errorf("--undo and --replay require --session")
		}

		log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console", OutputPath: "stderr"})
		if err != nil {
			exitCode = exitFailure
			return fmt.Errorf("logger init: %w", err)
		}
		defer log.Sync()

		cfg, err := config.Load(flagConfig)
		if err != nil {
			exitCode = exitFailure
			return fmt.Errorf("config: %w", err)
		}
		if flagModel != "" {
			cfg.Agent.DefaultModel = flagModel
		}

		workspace, err := config.WorkspaceRoot(flagCwd)
		if err != nil {
			exitCode = exitFailure
			return fmt.Errorf("resolve workspace: %w", err)
		}
		if err := config.Bootstrap(log); err != nil {
			exitCode = exitFailure
			return fmt.Errorf("bootstrap: %w", err)
		}

		rt, err := application.NewRuntime(cfg, workspace, log)
		if err != nil {
			exitCode = exitFailure
			return fmt.Errorf("runtime init: %w", err)
		}
		defer rt.Close()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		result := make(chan error, 1)
		go func() {
			switch {
			case flagUndo:
				result <- doUndo(rt, flagSession, flagMode)
			case flagReplay:
				result <- doReplay(rt, flagSession, flagMode)
			default:
				result <- doRun(ctx, rt, flagSession, strings.Join(cmdArgs, " "), flagMode, flagPrint)
			}
		}()

		select {
		case err = <-result:
			if err != nil {
				exitCode = exitFailure
				return err
			}
			return nil
		case sig := <-sigCh:
			cancel()
			<-result // let the in-flight operation unwind
			if sig == syscall.SIGTERM {
				exitCode = exitSIGTERM
			} else {
				exitCode = exitSIGINT
			}
			return nil
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "brewva:", err)
		if exitCode == exitOK {
			exitCode = exitFailure
		}
	}
	return exitCode
}

// doRun drives one session turn: hydrate, execute the prompt as a bash
// invocation through the tool pipeline, report the outcome. The LLM wire
// protocol and the agent loop that would normally choose tool calls are
// out of scope (spec §6) — the CLI exercises the pipeline directly.
func doRun(ctx context.Context, rt *application.Runtime, sessionID, prompt, mode string, print bool) error {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given")
	}

	state := rt.Sessions.Hydrate(sessionID)
	turn := 1
	if state != nil {
		turn = state.Turn + 1
	}
	rt.Sessions.OnTurnStart(sessionID, turn)
	rt.Sessions.Recall(sessionID, prompt, 5)

	outcome := rt.RunInvocation(ctx, sessionID, turn, "bash", "", rt.Workspace, map[string]any{
		"command": prompt,
	})

	if mode == "json" {
		return emitJSON(outcome)
	}

	if outcome.Blocked {
		fmt.Printf("blocked: %s — %s\n", outcome.BlockReason, outcome.Message)
		return fmt.Errorf("invocation blocked")
	}
	if outcome.Result != nil {
		fmt.Print(outcome.Result.Output)
		if !outcome.Result.Success {
			return fmt.Errorf("command failed")
		}
	}
	if print {
		fmt.Printf("session %s turn %d\n", sessionID, turn)
	}
	return nil
}

func doUndo(rt *application.Runtime, sessionID, mode string) error {
	result, err := rt.Files.RollbackLast(sessionID)
	if err != nil {
		return fmt.Errorf("undo: %w", err)
	}
	if mode == "json" {
		return emitJSON(result)
	}
	if !result.OK {
		fmt.Printf("rollback failed for patch set %s: %v\n", result.PatchSetID, result.FailedPaths)
		return fmt.Errorf("rollback incomplete")
	}
	fmt.Printf("rolled back patch set %s\n", result.PatchSetID)
	return nil
}

func doReplay(rt *application.Runtime, sessionID, mode string) error {
	state := rt.Sessions.Hydrate(sessionID)
	events, err := rt.Events.List(sessionID, eventstore.Filter{})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	if mode == "json" {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	for _, e := range events {
		turn := -1
		if e.Turn != nil {
			turn = *e.Turn
		}
		fmt.Printf("turn=%d type=%s id=%s\n", turn, e.Type, e.ID)
	}
	if state != nil {
		fmt.Printf("folded: turn=%d activeSkills=%d lastCompaction=%d\n",
			state.Turn, len(state.ActiveSkills), state.LastCompactionTurn)
	}
	return nil
}

func emitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}
