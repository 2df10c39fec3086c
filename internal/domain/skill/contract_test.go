package skill

import (
	"reflect"
	"testing"
)

func TestTightenContract_DeniedIsUnion(t *testing.T) {
	base := Contract{Tools: Tools{Required: []string{"read"}, Denied: []string{"exec"}}}
	override := Contract{Tools: Tools{Denied: []string{"write"}}}

	result := TightenContract(base, override)
	want := []string{"exec", "write"}
	if !reflect.DeepEqual(result.Tools.Denied, want) {
		t.Fatalf("expected denied union %v, got %v", want, result.Tools.Denied)
	}
}

func TestTightenContract_RequiredIntersectsAllowSet(t *testing.T) {
	base := Contract{Tools: Tools{Required: []string{"read"}, Optional: []string{"grep"}}}
	override := Contract{Tools: Tools{Required: []string{"grep", "bash"}}} // bash not in base allow-set

	result := TightenContract(base, override)
	// "bash" must be dropped: it's not in base's pre-existing allow-set.
	want := []string{"grep", "read"}
	if !reflect.DeepEqual(result.Tools.Required, want) {
		t.Fatalf("expected required %v, got %v", want, result.Tools.Required)
	}
}

func TestTightenContract_OptionalExcludesRequiredAndDenied(t *testing.T) {
	base := Contract{Tools: Tools{Required: []string{"read"}, Optional: []string{"read", "grep", "exec"}, Denied: []string{"exec"}}}
	override := Contract{}

	result := TightenContract(base, override)
	for _, bad := range []string{"read", "exec"} {
		for _, o := range result.Tools.Optional {
			if o == bad {
				t.Fatalf("optional must not contain %q, got %v", bad, result.Tools.Optional)
			}
		}
	}
}

func TestTightenContract_BudgetsTakeMin(t *testing.T) {
	base := Contract{Budget: Budget{MaxToolCalls: 50, MaxTokens: 100000}, MaxParallel: 4}
	override := Contract{Budget: Budget{MaxToolCalls: 20, MaxTokens: 0}, MaxParallel: 2}

	result := TightenContract(base, override)
	if result.Budget.MaxToolCalls != 20 {
		t.Fatalf("expected maxToolCalls=20, got %d", result.Budget.MaxToolCalls)
	}
	if result.Budget.MaxTokens != 100000 {
		t.Fatalf("expected maxTokens=100000 (0 means unset), got %d", result.Budget.MaxTokens)
	}
	if result.MaxParallel != 2 {
		t.Fatalf("expected maxParallel=2, got %d", result.MaxParallel)
	}
}

func TestTightenContract_Idempotent(t *testing.T) {
	base := Contract{
		Tools:  Tools{Required: []string{"read"}, Optional: []string{"grep"}, Denied: []string{"exec"}},
		Budget: Budget{MaxToolCalls: 20, MaxTokens: 5000},
	}
	override := Contract{Tools: Tools{Denied: []string{"write"}}, Budget: Budget{MaxToolCalls: 10}}

	once := TightenContract(base, override)
	twice := TightenContract(once, override)

	if !reflect.DeepEqual(once.Tools, twice.Tools) {
		t.Fatalf("expected idempotent tools, got %v vs %v", once.Tools, twice.Tools)
	}
	if once.Budget != twice.Budget {
		t.Fatalf("expected idempotent budget, got %v vs %v", once.Budget, twice.Budget)
	}
}
