// Package writerpool offloads persistence of opaque byte payloads from a
// hot path onto a bounded set of worker goroutines. The Recorder Pipeline
// uses it to publish its packet-count heartbeat file off the TS-demuxing
// goroutine, so a slow or stalled disk never backs up segment bookkeeping.
package writerpool

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Job is an opaque payload to be written to path in a single
// open-truncate-write-close cycle.
type Job struct {
	Path  string
	Bytes []byte
}

// Pool is a bounded FIFO of Jobs drained by N worker goroutines. Submit
// never blocks: when the queue is full the job is dropped and logged
// (rate-limited) rather than applied with backpressure.
type Pool struct {
	jobs    chan Job
	wg      sync.WaitGroup
	logger  *slog.Logger
	limiter *rate.Limiter

	submitted atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	closed    atomic.Bool
}

// New starts a pool with the given worker count and bounded queue depth.
func New(workers, queueDepth int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}

	p := &Pool{
		jobs:    make(chan Job, queueDepth),
		logger:  logger.With("component", "writerpool"),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := writeFile(job.Path, job.Bytes); err != nil {
			p.failed.Add(1)
			if p.limiter.Allow() {
				p.logger.Error("failed to write job", "worker", id, "path", job.Path, "error", err)
			}
		}
	}
}

func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(data)
	return err
}

// Submit enqueues a job without blocking. It returns false if the queue is
// full or the pool has been shut down, in which case the job is dropped.
func (p *Pool) Submit(job Job) bool {
	if p.closed.Load() {
		return false
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		if p.limiter.Allow() {
			p.logger.Warn("writer pool queue full, dropping newest job", "path", job.Path)
		}
		return false
	}
}

// Shutdown closes the queue and waits for every already-enqueued job to
// drain before workers exit.
func (p *Pool) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

// Stats reports cumulative submit/drop/failure counters, for diagnostics.
type Stats struct {
	Submitted int64
	Dropped   int64
	Failed    int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}
