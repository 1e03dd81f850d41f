package transfer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gurre/s3mpu/aws"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/part"
	"github.com/gurre/s3mpu/source"
	"github.com/gurre/s3mpu/state"
	"github.com/hashicorp/go-multierror"
)

// WorkerStatus tracks the activity of one upload worker.
type WorkerStatus struct {
	ID            int
	StartTime     time.Time
	LastActive    time.Time
	CurrentPart   int32 // zero when idle
	PartsUploaded int64
	BytesUploaded int64
	LastError     error
	LastErrorTime time.Time
}

// Parallel uploads parts with a pool of workers. It requires a seekable
// source.
//
// One dispatcher goroutine pulls parts from the generator and hands them to
// the workers. Workers only talk to S3; their outcomes flow back over a
// channel to Upload, which is the only writer of the TransferState. After the
// first failure no new parts are dispatched, in-flight parts run to the end
// and their outcomes are still recorded.
type Parallel struct {
	*base

	workers      int
	workerStatus map[int]*WorkerStatus
	statusMu     sync.RWMutex

	partsDone atomic.Int64
	bytesDone atomic.Int64
}

type outcome struct {
	worker int
	part   manifest.Part
	err    error
}

// NewParallel creates a parallel transfer of src into the upload described by
// st. A concurrency below one runs a single worker.
func NewParallel(client aws.MultipartAPI, src *source.Source, st *state.TransferState, opts Options) (*Parallel, error) {
	if src != nil && !src.Seekable() {
		return nil, mperrors.Configuration("newTransfer", "parallel transfer requires a seekable source")
	}
	b, err := newBase(client, src, st, opts)
	if err != nil {
		return nil, err
	}
	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}
	return &Parallel{
		base:         b,
		workers:      workers,
		workerStatus: make(map[int]*WorkerStatus),
	}, nil
}

// Upload sends the remaining parts concurrently and completes the upload once
// every part is acknowledged. All part failures are returned together; a
// single failure is returned as is.
func (t *Parallel) Upload(ctx context.Context) (*Result, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	tasks := make(chan part.Part)
	results := make(chan outcome, t.workers)
	dispatched := make(chan error, 1)

	go t.dispatch(dispatchCtx, tasks, dispatched)

	var wg sync.WaitGroup
	for i := 0; i < t.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			t.initWorker(id)
			t.worker(ctx, dispatchCtx, stopDispatch, id, tasks, results)
		}(i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	progressDone := make(chan struct{})
	var progressWG sync.WaitGroup
	if t.opts.ProgressInterval > 0 {
		progressWG.Add(1)
		go func() {
			defer progressWG.Done()
			t.reportProgress(progressDone)
		}()
	}

	var errs *multierror.Error
	for r := range results {
		if r.err != nil {
			t.recordError(r.worker, r.err)
			errs = multierror.Append(errs, r.err)
			stopDispatch()
			continue
		}
		if err := t.record(ctx, r.part); err != nil {
			errs = multierror.Append(errs, err)
			stopDispatch()
		}
	}
	if err := <-dispatched; err != nil && (errs == nil || !errors.Is(err, context.Canceled)) {
		errs = multierror.Append(errs, err)
	}

	close(progressDone)
	progressWG.Wait()

	if errs != nil {
		return nil, t.fail(collapse(errs))
	}
	return t.complete(ctx, start)
}

// dispatch is the only caller of the generator. It closes tasks when the
// source is exhausted, the generator fails or ctx is cancelled, and reports
// why on done.
func (t *Parallel) dispatch(ctx context.Context, tasks chan<- part.Part, done chan<- error) {
	defer close(tasks)
	for {
		p, err := t.gen.Next()
		if errors.Is(err, io.EOF) {
			done <- nil
			return
		}
		if err != nil {
			done <- err
			return
		}
		select {
		case tasks <- p:
		case <-ctx.Done():
			done <- ctx.Err()
			return
		}
	}
}

// worker uploads parts until tasks is closed. A failure stops dispatch
// before it is reported, and parts received after that are dropped without a
// request.
func (t *Parallel) worker(ctx, dispatchCtx context.Context, stop context.CancelFunc, id int, tasks <-chan part.Part, results chan<- outcome) {
	for p := range tasks {
		if dispatchCtx.Err() != nil {
			continue
		}
		t.updateWorkerStatus(id, func(s *WorkerStatus) {
			s.CurrentPart = p.Number
		})

		done, err := t.uploadPart(ctx, p)
		if err != nil {
			stop()
		} else {
			t.partsDone.Add(1)
			t.bytesDone.Add(p.Length)
			t.updateWorkerStatus(id, func(s *WorkerStatus) {
				s.PartsUploaded++
				s.BytesUploaded += p.Length
			})
		}
		t.updateWorkerStatus(id, func(s *WorkerStatus) {
			s.CurrentPart = 0
		})
		results <- outcome{worker: id, part: done, err: err}
	}
}

// collapse returns the only error of errs, or errs itself.
func collapse(errs *multierror.Error) error {
	if len(errs.Errors) == 1 {
		return errs.Errors[0]
	}
	return errs.ErrorOrNil()
}

func (t *Parallel) initWorker(id int) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	now := time.Now()
	t.workerStatus[id] = &WorkerStatus{
		ID:         id,
		StartTime:  now,
		LastActive: now,
	}
}

func (t *Parallel) updateWorkerStatus(id int, fn func(*WorkerStatus)) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	if status, ok := t.workerStatus[id]; ok {
		fn(status)
		status.LastActive = time.Now()
	}
}

func (t *Parallel) recordError(id int, err error) {
	t.updateWorkerStatus(id, func(s *WorkerStatus) {
		s.LastError = err
		s.LastErrorTime = time.Now()
	})
}

// WorkerStatuses returns a copy of every worker's status ordered by ID.
func (t *Parallel) WorkerStatuses() []WorkerStatus {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	out := make([]WorkerStatus, 0, len(t.workerStatus))
	for id := 0; id < t.workers; id++ {
		if s, ok := t.workerStatus[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// reportProgress logs the number of acknowledged parts every
// ProgressInterval until done is closed.
func (t *Parallel) reportProgress(done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			active := 0
			t.statusMu.RLock()
			for _, s := range t.workerStatus {
				if s.CurrentPart != 0 {
					active++
				}
			}
			t.statusMu.RUnlock()

			t.log.Info().
				Int64("parts", t.partsDone.Load()).
				Int64("bytes", t.bytesDone.Load()).
				Int("active_workers", active).
				Msg("upload progress")
		case <-done:
			return
		}
	}
}
