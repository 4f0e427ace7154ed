package tilegate

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// CancelToken tracks the lifecycle of an export or seed run. A run moves
// idle -> running -> done, with an optional cancel-requested stop on the way.
// Cancellation is cooperative: workers poll the token between items.
type CancelToken struct {
	state atomic.Int32
}

const (
	tokenIdle int32 = iota
	tokenRunning
	tokenCancelRequested
	tokenDone
)

// Start claims the token for a new run. It fails with ErrExportRunning while
// a previous run has not finished.
func (t *CancelToken) Start() error {
	if t.state.CompareAndSwap(tokenIdle, tokenRunning) {
		return nil
	}
	if t.state.CompareAndSwap(tokenDone, tokenRunning) {
		return nil
	}
	return ErrExportRunning
}

// Cancel requests a cooperative stop. It reports whether a run was signalled.
func (t *CancelToken) Cancel() bool {
	return t.state.CompareAndSwap(tokenRunning, tokenCancelRequested)
}

// Cancelled reports whether a stop was requested for the current run.
func (t *CancelToken) Cancelled() bool {
	return t.state.Load() == tokenCancelRequested
}

// Running reports whether a run is in progress, cancelled or not.
func (t *CancelToken) Running() bool {
	s := t.state.Load()
	return s == tokenRunning || s == tokenCancelRequested
}

// Finish marks the run complete, allowing a later Start.
func (t *CancelToken) Finish() {
	t.state.Store(tokenDone)
}

func (t *CancelToken) String() string {
	switch t.state.Load() {
	case tokenRunning:
		return "running"
	case tokenCancelRequested:
		return "cancelling"
	case tokenDone:
		return "done"
	}
	return "idle"
}

// BatchProgress holds the counters a running batch exposes to observers.
type BatchProgress struct {
	mu       sync.Mutex
	active   int
	complete uint64
	failed   uint64
	total    uint64
}

// Snapshot returns a consistent view of the counters.
func (p *BatchProgress) Snapshot() (active int, complete uint64, failed uint64, total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.complete, p.failed, p.total
}

func (p *BatchProgress) begin() {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
}

func (p *BatchProgress) done(failed bool) (complete uint64, total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.complete++
	if failed {
		p.failed++
	}
	return p.complete, p.total
}

// Batch runs tasks with a bounded number in flight. Task errors are logged
// and counted but never abort the batch; only the cancel token stops the
// enumeration, and tasks already started run to completion.
type Batch struct {
	logger   *log.Logger
	token    *CancelToken
	sem      chan struct{}
	wg       sync.WaitGroup
	progress BatchProgress
}

// NewBatch prepares a batch of total tasks with at most concurrency running
// at once. The token may be nil for uncancellable batches.
func NewBatch(logger *log.Logger, concurrency int, total uint64, token *CancelToken) *Batch {
	if concurrency < 1 {
		concurrency = 1
	}
	b := &Batch{
		logger: logger,
		token:  token,
		sem:    make(chan struct{}, concurrency),
	}
	b.progress.total = total
	return b
}

// Progress exposes the live counters, e.g. for export status responses.
func (b *Batch) Progress() *BatchProgress {
	return &b.progress
}

// Go schedules one task, blocking while the in-flight limit is reached. It
// returns false once cancellation is requested so the producer loop can stop
// enumerating.
func (b *Batch) Go(name string, task func() error) bool {
	if b.token != nil && b.token.Cancelled() {
		return false
	}
	b.sem <- struct{}{}
	b.progress.begin()
	b.wg.Add(1)
	go func() {
		defer func() {
			<-b.sem
			b.wg.Done()
		}()
		err := task()
		complete, total := b.progress.done(err != nil)
		if err != nil {
			b.logger.Printf("%s failed (%d/%d): %v", name, complete, total, err)
		}
	}()
	return true
}

// Wait blocks until all scheduled tasks finish and returns the completion
// and failure counts.
func (b *Batch) Wait() (complete uint64, failed uint64) {
	b.wg.Wait()
	b.progress.mu.Lock()
	defer b.progress.mu.Unlock()
	return b.progress.complete, b.progress.failed
}

// batchError summarizes a finished batch for callers that treat any task
// failure as a soft error.
func batchError(failed uint64, complete uint64) error {
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d tasks failed", failed, complete)
}
