// Package governor enforces the global outbound-call budget. A single token
// bucket (capacity R, refill R/s) is shared by every caller; callers past the
// budget wait in a strict-FIFO queue until a token frees up or their context
// fires.
package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ErrSaturated is returned by Admit when the queue has reached its configured
// maximum depth. This is the explicit backpressure policy: fail fast instead
// of growing without bound.
var ErrSaturated = errors.New("governor: request queue saturated")

// ErrStopped is returned by Admit after Stop.
var ErrStopped = errors.New("governor: stopped")

// Token is an ephemeral admission ticket: permission to make exactly one
// outbound call. Seq is the admission sequence number (monotonic, FIFO).
type Token struct {
	Seq uint64
}

// Config configures the Governor.
type Config struct {
	// RatePerSecond is R: the global cap on outbound calls per rolling
	// second. Defaults to 2.
	RatePerSecond int
	// MaxQueueDepth bounds the number of waiting callers. 0 means
	// unbounded (documented operational risk).
	MaxQueueDepth int
}

type waiter struct {
	seq       uint64
	ready     chan Token
	cancelled atomic.Bool
}

// Governor admits callers under the shared rate budget. A single dispatcher
// goroutine pays for tokens and grants them to waiters in arrival order, so
// no caller is ever served ahead of an earlier-arrived one.
type Governor struct {
	limiter  *rate.Limiter
	maxDepth int

	mu      sync.Mutex
	waiters []*waiter
	seq     uint64

	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Governor. Start must be called before Admit.
func New(cfg Config) *Governor {
	r := cfg.RatePerSecond
	if r <= 0 {
		r = 2
	}
	return &Governor{
		limiter:  rate.NewLimiter(rate.Limit(r), r),
		maxDepth: cfg.MaxQueueDepth,
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (g *Governor) Start() {
	g.wg.Add(1)
	go g.dispatch()
}

// Stop halts the dispatcher and fails all waiting callers with ErrStopped.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()

	g.mu.Lock()
	pending := g.waiters
	g.waiters = nil
	g.mu.Unlock()
	for _, w := range pending {
		close(w.ready)
	}
}

// Admit blocks until a rate token is granted, the caller's context fires, or
// the governor stops. Callers are admitted in strict arrival order. A caller
// that cancels while queued releases its slot and does not consume a future
// token.
func (g *Governor) Admit(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	g.mu.Lock()
	select {
	case <-g.stopCh:
		g.mu.Unlock()
		return Token{}, ErrStopped
	default:
	}
	if g.maxDepth > 0 && len(g.waiters) >= g.maxDepth {
		g.mu.Unlock()
		return Token{}, ErrSaturated
	}
	g.seq++
	w := &waiter{seq: g.seq, ready: make(chan Token, 1)}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	g.wake()

	select {
	case tok, ok := <-w.ready:
		if !ok {
			return Token{}, ErrStopped
		}
		return tok, nil
	case <-ctx.Done():
		// Release the slot immediately so the caller stops counting against
		// the queue depth. The cancelled flag covers the race where the
		// dispatcher already popped this waiter: the token it paid for is
		// forfeited, which only under-uses the budget.
		w.cancelled.Store(true)
		g.unlink(w)
		return Token{}, ctx.Err()
	}
}

// unlink removes w from the queue if it is still enqueued.
func (g *Governor) unlink(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, q := range g.waiters {
		if q == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

// Depth returns the number of callers currently waiting for admission.
// Cancelled callers unlink themselves on the way out, so the queue length is
// the live count and the same number the saturation check enforces.
func (g *Governor) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

func (g *Governor) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *Governor) dispatch() {
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-g.stopCh
		cancel()
	}()

	for {
		select {
		case <-g.stopCh:
			return
		case <-g.notify:
		}

		for g.pruneAndPeek() {
			// One token per grant. Waiting here is what enforces the
			// rolling-second cap for the whole process.
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
			w := g.popNext()
			if w == nil {
				// Everyone cancelled while we waited; the token refill is
				// forfeited rather than banked, keeping the per-window cap
				// strict.
				continue
			}
			w.ready <- Token{Seq: w.seq}
		}
	}
}

// pruneAndPeek drops cancelled waiters at the head of the queue and reports
// whether any live waiter remains.
func (g *Governor) pruneAndPeek() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.waiters) > 0 && g.waiters[0].cancelled.Load() {
		g.waiters = g.waiters[1:]
	}
	return len(g.waiters) > 0
}

// popNext removes and returns the first non-cancelled waiter, or nil.
func (g *Governor) popNext() *waiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		if !w.cancelled.Load() {
			return w
		}
	}
	return nil
}
