package pipeline

import (
	"context"
	"sync"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// RowResult is the outcome of one row of a batch or stream. Exactly one of
// Result and Err is set.
type RowResult struct {
	Index  int
	Result *Result
	Err    error
}

// PredictBatch predicts every record on a bounded worker pool. A bad row
// only fails itself. When ctx is cancelled no further rows are fed,
// in-flight rows finish, unfed rows report ErrNotProcessed and the context
// error is returned alongside the results.
func (p *Pipeline) PredictBatch(ctx context.Context, recs []kdd.Record) ([]RowResult, error) {
	out := make([]RowResult, len(recs))
	for i := range out {
		out[i] = RowResult{Index: i, Err: ErrNotProcessed}
	}

	workers := p.workers
	if workers > len(recs) {
		workers = len(recs)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := p.Predict(recs[i])
				out[i].Result, out[i].Err = res, err
			}
		}()
	}

	var ctxErr error
feed:
	for i := range recs {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if ctxErr != nil {
		p.logger.Warn("batch cancelled", "rows", len(recs), "error", ctxErr)
	}
	return out, ctxErr
}

// PredictStream predicts records from in until it is closed or ctx is
// done, sending one RowResult per record to out in arrival order. Index is
// the record's position in the stream. out is closed on return.
func (p *Pipeline) PredictStream(ctx context.Context, in <-chan kdd.Record, out chan<- RowResult) error {
	defer close(out)

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-in:
			if !ok {
				return nil
			}

			res, err := p.Predict(rec)
			select {
			case out <- RowResult{Index: i, Result: res, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
