package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrInFlight is returned by Submit when the source is already being
// crawled or queued by this pool.
var ErrInFlight = errors.New("source crawl already in flight")

// Cycler runs one crawl cycle for a source ID.
type Cycler interface {
	CrawlByID(ctx context.Context, id string) (*CycleResult, error)
}

type job struct {
	ctx      context.Context
	sourceID string
}

// Pool runs crawl cycles in the background with bounded concurrency and at
// most one cycle per source at a time. Submissions beyond the worker count
// wait in a FIFO queue, so Submit never blocks the caller.
type Pool struct {
	cycler Cycler
	sem    *semaphore.Weighted
	log    *zap.Logger

	mu       sync.Mutex
	pending  []job
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewPool creates a pool running up to size cycles at once.
func NewPool(cycler Cycler, size int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		cycler:   cycler,
		sem:      semaphore.NewWeighted(int64(size)),
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

// Submit starts the cycle for sourceID, or queues it when every worker is
// busy. The cycle keeps running after ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit %s: %w", sourceID, err)
	}
	j := job{ctx: context.WithoutCancel(ctx), sourceID: sourceID}

	p.mu.Lock()
	if _, ok := p.inFlight[sourceID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("submit %s: %w", sourceID, ErrInFlight)
	}
	p.inFlight[sourceID] = struct{}{}
	p.wg.Add(1)
	if !p.sem.TryAcquire(1) {
		p.pending = append(p.pending, j)
		queued := len(p.pending)
		p.mu.Unlock()
		p.log.Debug("crawl queued", zap.String("source_id", sourceID), zap.Int("queued", queued))
		return nil
	}
	p.mu.Unlock()

	go p.work(j)
	return nil
}

// work runs j, then keeps draining the queue until it is empty.
func (p *Pool) work(j job) {
	for {
		if _, err := p.cycler.CrawlByID(j.ctx, j.sourceID); err != nil {
			p.log.Warn("crawl cycle ended with error", zap.String("source_id", j.sourceID), zap.Error(err))
		}

		p.mu.Lock()
		delete(p.inFlight, j.sourceID)
		p.wg.Done()
		if len(p.pending) == 0 {
			p.sem.Release(1)
			p.mu.Unlock()
			return
		}
		j = p.pending[0]
		p.pending[0] = job{}
		p.pending = p.pending[1:]
		p.mu.Unlock()
	}
}

// InFlight reports whether sourceID is currently being crawled or queued.
func (p *Pool) InFlight(sourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[sourceID]
	return ok
}

// Queued returns how many submissions wait for a free worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Wait blocks until every submitted cycle finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
