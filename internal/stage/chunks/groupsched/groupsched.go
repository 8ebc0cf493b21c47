// Package groupsched implements the chunk sub-scheduler (C8): reference
// groups run in parallel up to a concurrency cap, while the chunks inside
// one group run strictly in order because each continuation consumes the
// previous chunk's last frame. Grounded on the teacher's errgroup-based
// fan-out (internal/jobs/learning/steps's bounded embedding/rendering
// loops) generalized from a flat slice to a group-of-groups shape.
package groupsched

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kenji11/adforge/internal/domain"
)

// Step runs one chunk and returns its output (e.g. a blob path to the
// rendered clip). prevOutput is the previous chunk's output within the
// same group, nil for the first (reference) chunk in the group.
type Step func(ctx context.Context, chunk domain.Chunk, prevOutput *StepResult) (StepResult, error)

type StepResult struct {
	Chunk       domain.Chunk
	BlobPath    string
	LastFrame   string
}

type GroupResult struct {
	GroupIndex int
	Steps      []StepResult
}

// Run executes every group concurrently (bounded by cap) and, within each
// group, executes its chunks sequentially so continuations can depend on
// the prior chunk's last frame.
func Run(ctx context.Context, groups [][]domain.Chunk, cap int, step Step) ([]GroupResult, error) {
	results := make([]GroupResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	if cap > 0 {
		g.SetLimit(cap)
	}
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			res := GroupResult{GroupIndex: i, Steps: make([]StepResult, 0, len(group))}
			var prev *StepResult
			for _, chunk := range group {
				out, err := step(gctx, chunk, prev)
				if err != nil {
					return err
				}
				res.Steps = append(res.Steps, out)
				prev = &out
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
