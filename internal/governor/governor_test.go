package governor

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newStartedGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	g := New(cfg)
	g.Start()
	t.Cleanup(g.Stop)
	return g
}

func TestAdmit_GrantsToken(t *testing.T) {
	g := newStartedGovernor(t, Config{RatePerSecond: 100})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tok, err := g.Admit(ctx)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if tok.Seq == 0 {
		t.Fatalf("token seq = 0, want monotonic sequence starting at 1")
	}
}

func TestAdmit_FIFOOrder(t *testing.T) {
	g := newStartedGovernor(t, Config{RatePerSecond: 10})

	// Spend the burst so every later caller actually queues.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		if _, err := g.Admit(ctx); err != nil {
			t.Fatalf("burst Admit: %v", err)
		}
	}

	// Enqueue waiters one at a time so arrival order is deterministic, then
	// check grants come back in that same order. Grants are spaced by the
	// limiter (100ms apart at R=10), far wider than any recording jitter.
	const n = 5
	order := make(chan uint64, n)
	var done sync.WaitGroup
	for i := 0; i < n; i++ {
		before := g.Depth()
		done.Add(1)
		go func() {
			defer done.Done()
			tok, err := g.Admit(ctx)
			if err != nil {
				t.Errorf("Admit: %v", err)
				return
			}
			order <- tok.Seq
		}()
		waitForDepth(t, g, before+1)
	}
	done.Wait()
	close(order)

	var prev uint64
	for seq := range order {
		if seq <= prev {
			t.Fatalf("grant order violated FIFO: got seq %d after %d", seq, prev)
		}
		prev = seq
	}
}

func TestAdmit_SaturatedAtMaxDepth(t *testing.T) {
	// Rate 1/s with a burst already spent keeps later callers queued long
	// enough to observe saturation deterministically.
	g := newStartedGovernor(t, Config{RatePerSecond: 1, MaxQueueDepth: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Admit(ctx); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	// Fill the queue.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	for i := 0; i < 2; i++ {
		go g.Admit(bgCtx)
	}
	waitForDepth(t, g, 2)

	if _, err := g.Admit(bgCtx); err != ErrSaturated {
		t.Fatalf("Admit over max depth = %v, want ErrSaturated", err)
	}
}

func TestAdmit_CancelledWaiterReleasesSlot(t *testing.T) {
	g := newStartedGovernor(t, Config{RatePerSecond: 1, MaxQueueDepth: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Admit(ctx); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	waitCtx, waitCancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Admit(waitCtx)
		errCh <- err
	}()
	waitForDepth(t, g, 1)

	waitCancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("cancelled Admit = %v, want context.Canceled", err)
	}
	waitForDepth(t, g, 0)

	// The freed slot admits a new caller instead of staying counted.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, err := g.Admit(ctx2); err != nil {
		t.Fatalf("Admit after cancellation = %v, want grant", err)
	}
}

func TestAdmit_AbandonedWaitersDoNotSaturate(t *testing.T) {
	g := newStartedGovernor(t, Config{RatePerSecond: 1, MaxQueueDepth: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Admit(ctx); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	// Fill the queue, then abandon both waiters.
	waitCtx, waitCancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := g.Admit(waitCtx)
			errs <- err
		}()
	}
	waitForDepth(t, g, 2)
	waitCancel()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != context.Canceled {
			t.Fatalf("abandoned Admit = %v, want context.Canceled", err)
		}
	}
	waitForDepth(t, g, 0)

	// Zero live waiters: a new caller must queue and be admitted, not be
	// rejected as saturated.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, err := g.Admit(ctx2); err != nil {
		t.Fatalf("Admit after abandonment = %v, want grant", err)
	}
}

func TestAdmit_RateCapsGrantsPerWindow(t *testing.T) {
	g := newStartedGovernor(t, Config{RatePerSecond: 2})

	// Five callers at R=2: burst covers two immediately, the rest pace out
	// at one every 500ms. All must eventually be admitted, and the full run
	// cannot finish faster than the refill schedule allows.
	startAt := time.Now()
	var done sync.WaitGroup
	for i := 0; i < 5; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := g.Admit(ctx); err != nil {
				t.Errorf("Admit: %v", err)
			}
		}()
	}
	done.Wait()
	elapsed := time.Since(startAt)

	// Three paced grants after the burst of two: at least ~1.5s on the
	// limiter schedule. Allow slack for scheduler jitter.
	if elapsed < 1200*time.Millisecond {
		t.Fatalf("5 admissions at R=2 finished in %v, faster than the rate cap allows", elapsed)
	}
}

func TestStop_FailsWaiters(t *testing.T) {
	g := New(Config{RatePerSecond: 1})
	g.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Admit(ctx); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Admit(context.Background())
		errCh <- err
	}()
	waitForDepth(t, g, 1)

	g.Stop()
	if err := <-errCh; err != ErrStopped {
		t.Fatalf("Admit during Stop = %v, want ErrStopped", err)
	}
	if _, err := g.Admit(context.Background()); err != ErrStopped {
		t.Fatalf("Admit after Stop = %v, want ErrStopped", err)
	}
}

func waitForDepth(t *testing.T, g *Governor, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.Depth() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (now %d)", want, g.Depth())
}
