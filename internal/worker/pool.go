package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunPool runs n workers built by spawn against the same project and waits
// for all of them. Each worker claims jobs independently through the queue;
// the first environment error cancels the others.
func RunPool(ctx context.Context, n int, spawn func(i int) *Worker) ([]Summary, error) {
	if n < 1 {
		n = 1
	}
	summaries := make([]Summary, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		w := spawn(i)
		g.Go(func() error {
			summary, err := w.Run(ctx)
			summaries[i] = summary
			return err
		})
	}
	return summaries, g.Wait()
}
