package detections

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Session runs one forward pass. Implementations are not safe for concurrent
// use; the pool hands each one to a single caller at a time.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy()
}

var ErrPoolClosed = errors.New("session pool is closed")

type SessionPool struct {
	sessions chan Session
	size     int
	mu       sync.RWMutex
	closed   bool
	metrics  *poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Size            int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// NewSessionPool builds size sessions up front with newSession.
func NewSessionPool(size int, newSession func() (Session, error)) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions: make(chan Session, size),
		size:     size,
		metrics:  &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := newSession()
		if err != nil {
			pool.Destroy()
			return nil, errors.Wrapf(err, "initialize session %d", i)
		}
		pool.sessions <- session
	}

	return pool, nil
}

func (p *SessionPool) Size() int {
	return p.size
}

// Acquire waits for an idle session until ctx is done. Callers queue for as
// long as the pool is busy.
func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		p.recordFailure()
		return nil, err
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-ctx.Done():
		p.recordFailure()
		return nil, ctx.Err()
	}
}

func (p *SessionPool) recordFailure() {
	p.metrics.mu.Lock()
	p.metrics.acquireFailures++
	p.metrics.mu.Unlock()
}

func (p *SessionPool) Release(session Session) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Destroy closes the pool and destroys every idle session. Sessions still out
// are destroyed when released.
func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *SessionPool) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
