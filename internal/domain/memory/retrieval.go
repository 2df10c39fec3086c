package memory

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Weights controls the blend of lexical, recency, and confidence scoring.
// Normalized to sum to 1 at scoring time; all-zero falls back to defaults.
type Weights struct {
	Lexical    float64
	Recency    float64
	Confidence float64
}

// DefaultWeights mirrors the teacher's "sane defaults, overridable" idiom.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.5, Recency: 0.25, Confidence: 0.25}
}

func (w Weights) normalized() Weights {
	sum := w.Lexical + w.Recency + w.Confidence
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Lexical: w.Lexical / sum, Recency: w.Recency / sum, Confidence: w.Confidence / sum}
}

// aliasGroups expand query tokens with known synonyms before
// scoring, e.g. db/postgres/sql all count toward the same overlap.
var aliasGroups = [][]string{
	{"db", "database", "postgres", "postgresql", "sql"},
	{"js", "javascript", "typescript", "ts"},
	{"err", "error", "exception", "fail", "failure"},
	{"cfg", "config", "configuration", "settings"},
	{"repo", "repository"},
	{"auth", "authentication", "authorization"},
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, group := range aliasGroups {
		for _, term := range group {
			idx[term] = group
		}
	}
	return idx
}

// suffixes stripped by the light stemmer, each listed before any shorter
// suffix it ends with ("ational" before "tional", "edly" before "ly",
// "es" before "s"); the first match wins.
var stemSuffixes = []string{"ational", "tional", "alize", "ization", "fulness", "ousness",
	"iveness", "ing", "edly", "ed", "es", "ly", "s"}

func stem(token string) string {
	if len(token) <= 3 {
		return token
	}
	for _, suf := range stemSuffixes {
		if strings.HasSuffix(token, suf) && len(token)-len(suf) >= 3 {
			return token[:len(token)-len(suf)]
		}
	}
	return token
}

// Tokenize splits text into lowercased Unicode letter/digit runs and stems
// each token; alias expansion is applied separately, to the query only, by
// Score. Grounded in pruner.go's CJK-aware
// character counting, generalized here to a proper word tokenizer.
func Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tokens = append(tokens, cur.String())
		cur.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, stem(t))
	}
	return out
}

func expandAliases(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens)*2)
	for _, t := range tokens {
		set[t] = true
		if group, ok := aliasIndex[t]; ok {
			for _, alias := range group {
				set[stem(alias)] = true
			}
		}
	}
	return set
}

// Candidate is anything scoreable: a Unit, a Crystal, or an external
// recall hit, normalized to this shape before scoring.
type Candidate struct {
	Key        string
	Content    string
	Confidence float64
	UpdatedAt  time.Time
}

// HitBreakdown carries the per-component score for diagnostics.
type HitBreakdown struct {
	LexicalScore    float64
	RecencyScore    float64
	ConfidenceScore float64
	WeakFloorApplied bool
	TotalScore      float64
}

// Hit is one scored, ranked result.
type Hit struct {
	Candidate Candidate
	Breakdown HitBreakdown
}

func recencyScore(updatedAt time.Time) float64 {
	ageDays := time.Since(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays)
}

func lexicalOverlap(query map[string]bool, candidateTokens []string) float64 {
	if len(query) == 0 {
		return 0
	}
	candidateSet := make(map[string]bool, len(candidateTokens))
	for _, t := range candidateTokens {
		candidateSet[t] = true
	}
	overlap := 0
	for t := range query {
		if candidateSet[t] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(query))
}

// Score ranks candidates against a free-text query per spec §4.8.
func Score(query string, candidates []Candidate, weights Weights) []Hit {
	w := weights.normalized()
	queryTokens := expandAliases(Tokenize(query))
	weakFloor := (w.Recency + w.Confidence) * 0.35

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		candidateTokens := Tokenize(c.Content)
		lex := lexicalOverlap(queryTokens, candidateTokens)
		rec := recencyScore(c.UpdatedAt)
		conf := c.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}

		total := w.Lexical*lex + w.Recency*rec + w.Confidence*conf
		weakApplied := false
		if lex == 0 {
			floor := weakFloor
			if total < floor {
				total = floor
			}
			weakApplied = true
		}

		hits = append(hits, Hit{
			Candidate: c,
			Breakdown: HitBreakdown{
				LexicalScore:     lex,
				RecencyScore:     rec,
				ConfidenceScore:  conf,
				WeakFloorApplied: weakApplied,
				TotalScore:       total,
			},
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Breakdown.TotalScore != hits[j].Breakdown.TotalScore {
			return hits[i].Breakdown.TotalScore > hits[j].Breakdown.TotalScore
		}
		return hits[i].Candidate.UpdatedAt.After(hits[j].Candidate.UpdatedAt)
	})
	return hits
}

// Retriever composes the lexical scorer over a Store with an optional
// teacher VectorStore/EmbeddingProvider source for semantic recall.
type Retriever struct {
	store   *Store
	weights Weights

	// Embedder and vector sources are optional; when nil, retrieval is
	// lexical-only as spec §4.8 requires by default.
	embedder EmbeddingProvider
	vectors  VectorStore
}

// NewRetriever builds a Retriever over store. embedder/vectors may be nil.
func NewRetriever(store *Store, weights Weights, embedder EmbeddingProvider, vectors VectorStore) *Retriever {
	return &Retriever{store: store, weights: weights, embedder: embedder, vectors: vectors}
}

// Retrieve scores a session's units and crystals against query, truncated
// to limit. Semantic (vector) hits, when an embedder is configured, are
// merged in as additional candidates with confidence carried over from
// their similarity score.
func (r *Retriever) Retrieve(sessionID, query string, limit int) []Hit {
	var candidates []Candidate
	for _, u := range r.store.UnitsForSession(sessionID) {
		candidates = append(candidates, Candidate{Key: u.ID, Content: u.Content, Confidence: u.Confidence, UpdatedAt: u.UpdatedAt})
	}
	for _, c := range r.store.CrystalsForSession(sessionID) {
		candidates = append(candidates, Candidate{Key: c.ID, Content: c.Content, Confidence: c.Confidence, UpdatedAt: c.UpdatedAt})
	}
	if r.embedder != nil && r.vectors != nil {
		ctx := context.Background()
		if qv, err := r.embedder.Embed(ctx, query); err == nil {
			if entries, err := r.vectors.Search(ctx, qv, limit, &SearchFilter{SessionID: sessionID}); err == nil {
				for _, e := range entries {
					candidates = append(candidates, Candidate{Key: e.ID, Content: e.Content, Confidence: float64(e.Score), UpdatedAt: e.UpdatedAt})
				}
			}
		}
	}

	hits := Score(query, candidates, r.weights)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
