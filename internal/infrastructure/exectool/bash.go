// Package exectool provides the thin "bash" tool stand-in for the
// verification command executor spec.md §1c/§6 names as an out-of-scope
// external collaborator — just enough of a real subprocess runner to
// exercise ToolPipeline's admission/dispatch/result/truth-sync sequence
// end to end.
//
// Grounded on sandbox.ProcessSandbox.ExecuteShell: allowed-binary check,
// context timeout, captured stdout/stderr, exit-code extraction.
package exectool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/tool"
)

// Config bounds what the bash tool is allowed to run.
type Config struct {
	WorkDir string
	Timeout time.Duration
}

// DefaultConfig mirrors the teacher's sandbox default timeout.
func DefaultConfig(workDir string) Config {
	return Config{WorkDir: workDir, Timeout: 30 * time.Second}
}

// BashTool runs a shell command via "bash -c" and reports its outcome in
// the shape ToolPipeline.syncTruthAndInjections expects: Success/exitCode
// in Metadata so a failing test run can be turned into a TruthFact.
type BashTool struct {
	cfg Config
	log *zap.Logger
}

// New assembles a BashTool.
func New(cfg Config, log *zap.Logger) *BashTool {
	return &BashTool{cfg: cfg, log: log}
}

func (b *BashTool) Name() string        { return "bash" }
func (b *BashTool) Description() string { return "run a shell command and capture its output" }
func (b *BashTool) Kind() tool.Kind     { return tool.KindExecute }
func (b *BashTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
		},
		"required": []string{"command"},
	}
}

// Execute runs args["command"] under a timeout and returns a Result whose
// Metadata carries exitCode — the field ToolPipeline.syncTruthAndInjections
// reads to derive a command_failure TruthFact.
func (b *BashTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("bash: missing required arg %q", "command")
	}

	timeout := b.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig("").Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	if b.cfg.WorkDir != "" {
		cmd.Dir = b.cfg.WorkDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	killed := false
	if execCtx.Err() == context.DeadlineExceeded {
		killed = true
		exitCode = -1
	} else if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("bash: %w", runErr)
		}
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}

	return &tool.Result{
		Success: exitCode == 0 && !killed,
		Output:  output,
		Metadata: map[string]any{
			"exitCode": exitCode,
			"killed":   killed,
		},
	}, nil
}
