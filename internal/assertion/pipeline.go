package assertion

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/evalgate/engine/pkg/types"
)

// BatchResult holds per-trace outcomes in input order. Evaluations is only
// populated when the evaluator is an Inspector.
type BatchResult struct {
	Verdicts    []types.TraceVerdict
	Evaluations []*Evaluation
}

// Pipeline evaluates a trace set concurrently with a bounded number of workers.
type Pipeline struct {
	eval  Evaluator
	limit int
}

// NewPipeline creates a pipeline. limit <= 0 uses GOMAXPROCS.
func NewPipeline(eval Evaluator, limit int) *Pipeline {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	return &Pipeline{eval: eval, limit: limit}
}

// EvaluateBatch evaluates every trace independently. When ctx is cancelled no
// further traces are started; the verdicts already produced are returned, in
// input order, together with the context error.
func (p *Pipeline) EvaluateBatch(ctx context.Context, traces []types.Trace) (*BatchResult, error) {
	verdicts := make([]*types.TraceVerdict, len(traces))
	var evals []*Evaluation
	insp, inspects := p.eval.(Inspector)
	if inspects {
		evals = make([]*Evaluation, len(traces))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i := range traces {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			t := &traces[i]
			if inspects {
				ev := insp.Inspect(t)
				evals[i] = ev
				verdicts[i] = ev.Verdict
				return nil
			}
			v := p.eval.Evaluate(gctx, t)
			if gctx.Err() != nil {
				return nil
			}
			verdicts[i] = v
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{Verdicts: make([]types.TraceVerdict, 0, len(traces))}
	if inspects {
		out.Evaluations = make([]*Evaluation, 0, len(traces))
	}
	for i, v := range verdicts {
		if v == nil {
			continue
		}
		out.Verdicts = append(out.Verdicts, *v)
		if inspects {
			out.Evaluations = append(out.Evaluations, evals[i])
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
