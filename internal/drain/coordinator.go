// ABOUTME: Single-flight wrapper around the drain protocol
// ABOUTME: Overlapping triggers coalesce into one running drain plus one pending follow-up

package drain

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner runs one drain pass.
type Runner interface {
	Drain(ctx context.Context) Result
}

// call is one drain execution shared by every caller waiting on it.
type call struct {
	done    chan struct{}
	res     Result
	waiters int
}

// Coordinator serializes drains. A call that arrives while a drain is running
// joins a single pending follow-up, which starts as soon as the running drain
// finishes; any further callers share that same follow-up.
type Coordinator struct {
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	pending *call
	last    *Result
	notify  []func(Result)

	wg sync.WaitGroup
}

// NewCoordinator wraps runner. Pass nil logger for default.
func NewCoordinator(runner Runner, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		runner: runner,
		logger: logger.With("component", "drain-coordinator"),
	}
}

// OnResult registers fn to be called after every drain completes.
// Callbacks run on the draining goroutine and must not block.
func (c *Coordinator) OnResult(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, fn)
}

// Drain runs a drain, or joins the pending follow-up if one is already
// running, and returns the result of the drain it ran or joined.
//
// If ctx ends while waiting for a follow-up, Drain returns early with ctx's
// error; the follow-up still runs.
func (c *Coordinator) Drain(ctx context.Context) Result {
	c.mu.Lock()
	if !c.running {
		c.running = true
		cl := &call{done: make(chan struct{})}
		c.wg.Add(1)
		c.mu.Unlock()

		c.run(ctx, cl)
		return cl.res
	}

	if c.pending == nil {
		c.pending = &call{done: make(chan struct{})}
		c.logger.Debug("drain in flight, follow-up scheduled")
	}
	cl := c.pending
	cl.waiters++
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.res
	case <-ctx.Done():
		return Result{StartedAt: time.Now(), Err: ctx.Err()}
	}
}

// Running reports whether a drain is in flight.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Last returns the most recent completed result.
func (c *Coordinator) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Wait blocks until no drain is running or pending.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, cl *call) {
	defer c.wg.Done()

	cl.res = c.runner.Drain(ctx)
	c.complete(cl)

	c.mu.Lock()
	next := c.pending
	c.pending = nil
	if next == nil {
		c.running = false
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("starting follow-up drain", "waiters", next.waiters)
	// The follow-up outlives the caller that started this drain.
	go c.run(context.WithoutCancel(ctx), next)
}

func (c *Coordinator) complete(cl *call) {
	c.mu.Lock()
	res := cl.res
	c.last = &res
	notify := append([]func(Result){}, c.notify...)
	c.mu.Unlock()

	close(cl.done)
	for _, fn := range notify {
		fn(res)
	}
}
