package detections

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestPoolAcquireRelease(t *testing.T) {
	pool, err := NewSessionPool(2, func() (Session, error) { return &fakeSession{info: testInfo}, nil })
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	ctx := context.Background()
	s1, err := pool.Acquire(ctx)
	test.That(t, err, test.ShouldBeNil)
	s2, err := pool.Acquire(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pool.Stats().InUse, test.ShouldEqual, 2)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pool.Acquire(cancelled)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	pool.Release(s1)
	pool.Release(s2)
	stats := pool.Stats()
	test.That(t, stats.Size, test.ShouldEqual, 2)
	test.That(t, stats.InUse, test.ShouldEqual, 0)
	test.That(t, stats.TotalAcquired, test.ShouldEqual, int64(2))
	test.That(t, stats.TotalReleased, test.ShouldEqual, int64(2))
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	pool, err := NewSessionPool(1, func() (Session, error) { return &fakeSession{info: testInfo}, nil })
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	held, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)

	type result struct {
		s   Session
		err error
	}
	got := make(chan result, 1)
	go func() {
		s, err := pool.Acquire(context.Background())
		got <- result{s, err}
	}()

	select {
	case r := <-got:
		t.Fatalf("acquire returned while the only session was held: %v", r.err)
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(held)
	r := <-got
	test.That(t, r.err, test.ShouldBeNil)
	test.That(t, r.s, test.ShouldEqual, held)
	test.That(t, pool.Stats().AcquireFailures, test.ShouldEqual, int64(0))
	pool.Release(r.s)
}

func TestPoolAcquireCancelledWhileWaiting(t *testing.T) {
	pool, err := NewSessionPool(1, func() (Session, error) { return &fakeSession{info: testInfo}, nil })
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	held, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, pool.Stats().AcquireFailures, test.ShouldEqual, int64(1))

	// An idle session is still handed out to a live context.
	pool.Release(held)
	s, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	pool.Release(s)
}

func TestPoolDestroy(t *testing.T) {
	var created []*fakeSession
	pool, err := NewSessionPool(2, func() (Session, error) {
		s := &fakeSession{info: testInfo}
		created = append(created, s)
		return s, nil
	})
	test.That(t, err, test.ShouldBeNil)

	out, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)

	pool.Destroy()
	pool.Destroy()
	test.That(t, created[1].destroyed.Load(), test.ShouldBeTrue)
	test.That(t, created[0].destroyed.Load(), test.ShouldBeFalse)

	_, err = pool.Acquire(context.Background())
	test.That(t, errors.Is(err, ErrPoolClosed), test.ShouldBeTrue)

	// Sessions released after close are destroyed instead of re-queued.
	pool.Release(out)
	test.That(t, created[0].destroyed.Load(), test.ShouldBeTrue)
}

func TestPoolConstructionFailure(t *testing.T) {
	var created []*fakeSession
	_, err := NewSessionPool(3, func() (Session, error) {
		if len(created) == 2 {
			return nil, errors.New("out of memory")
		}
		s := &fakeSession{info: testInfo}
		created = append(created, s)
		return s, nil
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "initialize session 2")
	for _, s := range created {
		test.That(t, s.destroyed.Load(), test.ShouldBeTrue)
	}
}
