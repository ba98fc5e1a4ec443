package carrier

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeCarrier counts calls and returns a scripted error.
type fakeCarrier struct {
	mu       sync.Mutex
	calls    int
	inflight int32
	peak     int32
	err      error
	delay    time.Duration
}

func (f *fakeCarrier) Initiate(ctx context.Context, params InitiateParams) (*Call, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt32(&f.inflight, -1)
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Call{SID: "CA1", Status: StatusInProgress}, nil
}

func (f *fakeCarrier) Hangup(ctx context.Context, sid string) error { return f.err }

func (f *fakeCarrier) GetDetails(ctx context.Context, sid string) (*Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Call{SID: sid, Status: StatusCompleted}, nil
}

func testRateLimit() RateLimitConfig {
	return RateLimitConfig{
		OpsPerSecond:    1000,
		MaxConcurrent:   3,
		MinInterval:     0,
		BreakerFailures: 5,
		BreakerOpenFor:  time.Minute,
	}
}

func TestRateLimited_BreakerOpensOnServerErrors(t *testing.T) {
	fake := &fakeCarrier{err: &Error{StatusCode: 503, Message: "down"}}
	rl := NewRateLimited(fake, testRateLimit())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := rl.Initiate(ctx, InitiateParams{}); err == nil {
			t.Fatal("expected server error")
		}
	}

	// Breaker is open now: the inner carrier is not reached.
	before := fake.calls
	if _, err := rl.Initiate(ctx, InitiateParams{}); err != ErrCircuitOpen {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if fake.calls != before {
		t.Errorf("inner calls = %d, want %d (breaker must short-circuit)", fake.calls, before)
	}
}

func TestRateLimited_ClientErrorsDoNotTrip(t *testing.T) {
	fake := &fakeCarrier{err: &Error{StatusCode: 400, Message: "bad number"}}
	rl := NewRateLimited(fake, testRateLimit())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rl.Initiate(ctx, InitiateParams{})
	}
	if _, err := rl.Initiate(ctx, InitiateParams{}); err == ErrCircuitOpen {
		t.Error("client errors must not open the breaker")
	}
}

func TestRateLimited_SuccessResetsFailures(t *testing.T) {
	fake := &fakeCarrier{err: &Error{StatusCode: 500, Message: "boom"}}
	rl := NewRateLimited(fake, testRateLimit())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		rl.Initiate(ctx, InitiateParams{})
	}
	fake.mu.Lock()
	fake.err = nil
	fake.mu.Unlock()
	if _, err := rl.Initiate(ctx, InitiateParams{}); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Back to failing: it takes a full threshold again to open.
	fake.mu.Lock()
	fake.err = &Error{StatusCode: 500, Message: "boom"}
	fake.mu.Unlock()
	for i := 0; i < 4; i++ {
		rl.Initiate(ctx, InitiateParams{})
	}
	if _, err := rl.Initiate(ctx, InitiateParams{}); err == ErrCircuitOpen {
		t.Error("breaker opened before reaching the threshold")
	}
}

func TestRateLimited_BoundsConcurrency(t *testing.T) {
	fake := &fakeCarrier{delay: 20 * time.Millisecond}
	rl := NewRateLimited(fake, testRateLimit())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Initiate(ctx, InitiateParams{})
		}()
	}
	wg.Wait()

	if peak := atomic.LoadInt32(&fake.peak); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestRateLimited_ContextCancellation(t *testing.T) {
	fake := &fakeCarrier{}
	cfg := testRateLimit()
	cfg.MinInterval = time.Hour // forces acquire to wait
	rl := NewRateLimited(fake, cfg)

	// Burn the first slot so the next acquire has to wait out the interval.
	rl.Initiate(context.Background(), InitiateParams{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rl.Initiate(ctx, InitiateParams{}); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}
