// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wait

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerQueue(t *testing.T) {
	q := NewTickerQueue(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(ctx)
	}()
	defer wg.Wait()
	defer cancel()

	// A waiter that succeeds on the third try.
	var tries, done uint32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Second),
		TryFunc: func() TryDirective {
			if atomic.AddUint32(&tries, 1) >= 3 {
				atomic.StoreUint32(&done, 1)
				return DontTryAgain
			}
			return TryAgain
		},
		ExpireFunc: func() { t.Error("waiter expired") },
	})
	for i := 0; atomic.LoadUint32(&done) == 0; i++ {
		if i > 1000 {
			t.Fatal("waiter never completed")
		}
		time.Sleep(time.Millisecond)
	}

	// A waiter that expires.
	var expired uint32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(5 * time.Millisecond),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { atomic.StoreUint32(&expired, 1) },
	})
	for i := 0; atomic.LoadUint32(&expired) == 0; i++ {
		if i > 1000 {
			t.Fatal("waiter never expired")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAlreadyExpired(t *testing.T) {
	q := NewTickerQueue(time.Millisecond)
	var tried bool
	q.Wait(&Waiter{
		Expiration: time.Now().Add(-time.Second),
		TryFunc:    func() TryDirective { tried = true; return TryAgain },
		ExpireFunc: func() {},
	})
	if tried {
		t.Fatal("expired waiter was tried")
	}
	if len(q.waiters) != 0 {
		t.Fatal("expired waiter was queued")
	}
}

func TestShutdownExpiresWaiters(t *testing.T) {
	q := NewTickerQueue(time.Hour) // never ticks
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(ctx)
	}()

	var expired uint32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { atomic.AddUint32(&expired, 1) },
	})
	cancel()
	wg.Wait()
	if atomic.LoadUint32(&expired) != 1 {
		t.Fatalf("expected 1 expiry on shutdown, got %d", expired)
	}
}
