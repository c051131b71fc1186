package edgemesh

import (
	"context"
	"sync"
	"time"
)

// DefaultReapInterval is the timeout sweep period.
const DefaultReapInterval = 5 * time.Second

// Reaper periodically sweeps claimed/running tasks past their per-attempt
// deadline. Task timeouts are enforced here, never by worker transports.
type Reaper struct {
	sched    *Scheduler
	interval time.Duration
	log      Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReaper creates a Reaper over the scheduler. interval <= 0 means
// DefaultReapInterval; a nil logger is silent.
func NewReaper(sched *Scheduler, interval time.Duration, log Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if log == nil {
		log = NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{sched: sched, interval: interval, log: log, ctx: ctx, cancel: cancel}
}

// Start launches the sweep goroutine. It is idempotent and non-blocking.
func (r *Reaper) Start() {
	r.mu.Lock()
	if r.started {
		r.log.Warnf("reaper already started; ignoring Start()")
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				n, err := r.sched.ReapTimeouts(r.ctx)
				if err != nil {
					// Store failures are left to the next tick.
					r.log.Warnf("reaper: sweep failed err=%v", err)
					continue
				}
				if n > 0 {
					r.log.Infof("reaper: reaped %d timed-out task(s)", n)
				}
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
