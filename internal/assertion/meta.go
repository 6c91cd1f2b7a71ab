package assertion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/evalgate/engine/internal/assertion/judge"
	"github.com/evalgate/engine/internal/llm"
	"github.com/evalgate/engine/pkg/types"
)

const (
	metaCritiqueTimeout = 60 * time.Second
	// maxCritiqueReasons caps how many judge reasons are quoted back.
	maxCritiqueReasons = 20
)

const metaCritiqueSystem = `You review grading rubrics for conversational agents.
You are given a rubric and a summary of how a judge applied it to a batch of transcripts.
In a few sentences: name the dominant failure clusters, say whether the clusters look consistent, and point out any rubric wording that seems ambiguous or that no transcript exercised.
Reply in plain text.`

// MetaCritique asks the judge to summarise failure clusters and critique the
// rubric. It never fails the run: errors are logged and an empty string is
// returned.
func MetaCritique(ctx context.Context, provider llm.Provider, rubric judge.Rubric, verdicts []types.TraceVerdict, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, metaCritiqueTimeout)
	defer cancel()

	resp, err := provider.Complete(ctx, &llm.CompletionRequest{
		Model:        provider.DefaultModel(),
		SystemPrompt: metaCritiqueSystem,
		Messages:     []llm.Message{{Role: "user", Content: critiqueInput(rubric, verdicts)}},
		Temperature:  0.2,
		MaxTokens:    400,
	})
	if err != nil {
		logger.Warn("meta-critique skipped", "err", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func critiqueInput(rubric judge.Rubric, verdicts []types.TraceVerdict) string {
	clusters := map[string]int{}
	var reasons []string
	failed := 0
	for i := range verdicts {
		v := &verdicts[i]
		if !v.Failed() {
			continue
		}
		failed++
		clusters[v.Cluster]++
		if v.Reason != "" && len(reasons) < maxCritiqueReasons {
			reasons = append(reasons, fmt.Sprintf("- [%s] %s", v.Cluster, v.Reason))
		}
	}
	names := make([]string, 0, len(clusters))
	for name := range clusters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if clusters[names[i]] != clusters[names[j]] {
			return clusters[names[i]] > clusters[names[j]]
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "RUBRIC:\n%s\n\n", rubric.Instructions)
	fmt.Fprintf(&b, "Judged %d transcripts, %d failed.\n", len(verdicts), failed)
	if len(names) > 0 {
		b.WriteString("\nFailure clusters:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %d\n", name, clusters[name])
		}
	}
	if len(reasons) > 0 {
		b.WriteString("\nJudge reasons:\n")
		b.WriteString(strings.Join(reasons, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}
