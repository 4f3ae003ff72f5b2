// Package retrieval grounds simulation prompts in study documents. The
// augmenter embeds the latest moderator query, pulls the most similar
// stored chunks, and splices them into the prompt under a token budget.
// Retrieval is strictly best-effort: a failed lookup degrades the
// prompt, never the cycle.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"panelsim/internal/prompt"
	"panelsim/internal/types"
)

// Embedder turns a query into a vector. The gateway satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher finds the chunks nearest a query vector. The store
// satisfies this.
type Searcher interface {
	SearchChunks(ctx context.Context, embedding []float32, topK int) ([]types.RetrievedChunk, error)
}

// Augmenter wires embedding and chunk search into prompt injection.
type Augmenter struct {
	embedder Embedder
	searcher Searcher
	topK     int
	budget   int
	timeout  time.Duration
	log      *zap.Logger
}

// NewAugmenter builds an augmenter. topK, tokenBudget and timeout fall
// back to 5, 1500 and 10s when non-positive.
func NewAugmenter(embedder Embedder, searcher Searcher, topK, tokenBudget int, timeout time.Duration, log *zap.Logger) *Augmenter {
	if topK <= 0 {
		topK = 5
	}
	if tokenBudget <= 0 {
		tokenBudget = 1500
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Augmenter{
		embedder: embedder,
		searcher: searcher,
		topK:     topK,
		budget:   tokenBudget,
		timeout:  timeout,
		log:      log,
	}
}

// Context retrieves the chunks most relevant to query. Errors are
// logged and swallowed; the caller gets an empty slice and carries on.
func (a *Augmenter) Context(ctx context.Context, query string) []types.RetrievedChunk {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		a.log.Warn("retrieval embedding failed, continuing without context", zap.Error(err))
		return nil
	}
	chunks, err := a.searcher.SearchChunks(ctx, vec, a.topK)
	if err != nil {
		a.log.Warn("chunk search failed, continuing without context", zap.Error(err))
		return nil
	}
	return chunks
}

// Inject splices retrieved chunks into the prompt as a delimited
// context block appended to the system segment. Chunks are kept in
// relevance order and the lowest-scoring ones are dropped first when
// the block would exceed the token budget. The input slice is not
// modified.
func (a *Augmenter) Inject(segments []prompt.Segment, chunks []types.RetrievedChunk) []prompt.Segment {
	if len(chunks) == 0 || len(segments) == 0 {
		return segments
	}

	kept := fitToBudget(chunks, a.budget)
	if len(kept) == 0 {
		return segments
	}

	var sb strings.Builder
	sb.WriteString("\n\n--- BEGIN STUDY CONTEXT ---\n")
	sb.WriteString("Use the following excerpts from the study documents to ground participant answers. Do not quote them verbatim.\n")
	for i, c := range kept {
		fmt.Fprintf(&sb, "\n[%d]", i+1)
		if c.Source != "" {
			fmt.Fprintf(&sb, " (%s)", c.Source)
		}
		sb.WriteString("\n")
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}
	sb.WriteString("--- END STUDY CONTEXT ---\n")

	out := make([]prompt.Segment, len(segments))
	copy(out, segments)
	if out[0].Role == prompt.RoleSystem {
		out[0].Content += sb.String()
	} else {
		out = append([]prompt.Segment{{Role: prompt.RoleSystem, Content: strings.TrimSpace(sb.String())}}, out...)
	}
	return out
}

// fitToBudget keeps as many chunks as fit, discarding from the low
// score end. Order of the survivors follows the input order.
func fitToBudget(chunks []types.RetrievedChunk, budget int) []types.RetrievedChunk {
	byScore := make([]types.RetrievedChunk, len(chunks))
	copy(byScore, chunks)
	sort.SliceStable(byScore, func(i, j int) bool {
		return byScore[i].Score > byScore[j].Score
	})

	used := 0
	keep := make(map[string]bool, len(byScore))
	for _, c := range byScore {
		t := EstimateTokens(c.Text)
		if used+t > budget {
			continue
		}
		used += t
		keep[chunkKey(c)] = true
	}

	out := make([]types.RetrievedChunk, 0, len(chunks))
	for _, c := range chunks {
		if keep[chunkKey(c)] {
			out = append(out, c)
		}
	}
	return out
}

func chunkKey(c types.RetrievedChunk) string {
	return fmt.Sprintf("%s/%d", c.DocumentID, c.ChunkIndex)
}

// EstimateTokens approximates the token cost of text at four
// characters per token. Budget trimming only needs a rough number;
// billing uses the real tokenizer.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
