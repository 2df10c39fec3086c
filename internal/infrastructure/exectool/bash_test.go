package exectool

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestBashTool_SuccessReportsExitCodeZero(t *testing.T) {
	b := New(DefaultConfig(t.TempDir()), zap.NewNop())
	result, err := b.Execute(context.Background(), map[string]any{"command": "echo hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Metadata["exitCode"] != 0 {
		t.Fatalf("expected exitCode 0, got %v", result.Metadata["exitCode"])
	}
}

func TestBashTool_FailureReportsNonZeroExitCode(t *testing.T) {
	b := New(DefaultConfig(t.TempDir()), zap.NewNop())
	result, err := b.Execute(context.Background(), map[string]any{"command": "exit 1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Metadata["exitCode"] != 1 {
		t.Fatalf("expected exitCode 1, got %v", result.Metadata["exitCode"])
	}
}

func TestBashTool_MissingCommandErrors(t *testing.T) {
	b := New(DefaultConfig(t.TempDir()), zap.NewNop())
	if _, err := b.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing command")
	}
}
