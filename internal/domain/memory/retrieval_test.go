package memory

import (
	"testing"
	"time"
)

func TestTokenize_LowercasesAndStems(t *testing.T) {
	tokens := Tokenize("Running Databases, quickly!")
	found := make(map[string]bool)
	for _, tok := range tokens {
		found[tok] = true
	}
	for _, want := range []string{"runn", "databas", "quick"} {
		if !found[want] {
			t.Fatalf("expected stemmed token %q in %v", want, tokens)
		}
	}
}

func TestScore_AliasExpansionMatchesAcrossSynonyms(t *testing.T) {
	candidates := []Candidate{
		{Key: "a", Content: "we use postgres for storage", UpdatedAt: time.Now()},
		{Key: "b", Content: "totally unrelated note about cooking", UpdatedAt: time.Now()},
	}
	hits := Score("db connection issues", candidates, DefaultWeights())
	if hits[0].Candidate.Key != "a" {
		t.Fatalf("expected alias-matched candidate to rank first, got %q", hits[0].Candidate.Key)
	}
	if hits[0].Breakdown.LexicalScore == 0 {
		t.Fatal("expected nonzero lexical score via db/postgres alias")
	}
}

func TestScore_WeakSemanticFloorAppliesOnZeroOverlap(t *testing.T) {
	weights := Weights{Lexical: 0.5, Recency: 0.25, Confidence: 0.25}
	candidates := []Candidate{
		// Very old (recency ~0) and no confidence: the naive weighted sum
		// would be ~0, but the weak-semantic floor guarantees a minimum.
		{Key: "a", Content: "entirely disjoint vocabulary here", Confidence: 0, UpdatedAt: time.Now().Add(-365 * 24 * time.Hour)},
	}
	hits := Score("database migration rollback", candidates, weights)
	want := (weights.Recency + weights.Confidence) * 0.35
	if hits[0].Breakdown.TotalScore < want-1e-9 {
		t.Fatalf("expected weak floor >= %f, got %f", want, hits[0].Breakdown.TotalScore)
	}
	naive := weights.Recency*hits[0].Breakdown.RecencyScore + weights.Confidence*hits[0].Breakdown.ConfidenceScore
	if naive >= want {
		t.Fatalf("test setup invalid: naive score %f already exceeds floor %f", naive, want)
	}
	if !hits[0].Breakdown.WeakFloorApplied {
		t.Fatal("expected WeakFloorApplied=true")
	}
}

func TestScore_SortedByScoreDescThenRecency(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{Key: "old", Content: "database tuning notes", Confidence: 0.5, UpdatedAt: now.Add(-48 * time.Hour)},
		{Key: "new", Content: "database tuning notes", Confidence: 0.5, UpdatedAt: now},
	}
	hits := Score("database tuning", candidates, DefaultWeights())
	if hits[0].Candidate.Key != "new" {
		t.Fatalf("expected more recent candidate to rank first on tie, got %q", hits[0].Candidate.Key)
	}
}

func TestStore_SupersededUnitsSuppressedFromRetrieval(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.Upsert(Unit{ID: "u1", SessionID: "s1", Content: "database credentials rotated", Retrievable: true, Status: StatusActive})
	store.Upsert(Unit{ID: "u2", SessionID: "s1", Content: "database credentials old", Retrievable: true, Status: StatusActive})
	store.Supersede("u2")

	units := store.UnitsForSession("s1")
	if len(units) != 1 || units[0].ID != "u1" {
		t.Fatalf("expected only u1 to remain retrievable, got %v", units)
	}
}

func TestRetriever_RetrieveRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		store.Upsert(Unit{ID: string(rune('a' + i)), SessionID: "s1", Content: "database note", Retrievable: true, Status: StatusActive, Confidence: 0.5})
	}
	r := NewRetriever(store, DefaultWeights(), nil, nil)
	hits := r.Retrieve("s1", "database", 2)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
}
