package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second

	maxRecordedErrors = 10
)

var ErrAcquireTimeout = errors.New("embedding: timeout waiting for available session")

// SessionPool hands out a fixed number of Runners. A Runner that fails
// inference is destroyed and rebuilt by the health check.
type SessionPool struct {
	sessions chan Runner
	size     int
	dim      int
	factory  func() (Runner, error)

	acquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	done       chan struct{}
	wg         sync.WaitGroup

	metrics poolMetrics
}

type poolMetrics struct {
	mu              sync.Mutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	runFailures     int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int           `json:"size"`
	Live            int           `json:"live"`
	Idle            int           `json:"idle"`
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	RunFailures     int64         `json:"run_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

func NewSessionPool(size, dim int, factory func() (Runner, error)) (*SessionPool, error) {
	return newSessionPool(size, dim, factory, HealthCheckPeriod)
}

func newSessionPool(size, dim int, factory func() (Runner, error), healthEvery time.Duration) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if dim <= 0 {
		dim = DefaultDimension
	}

	pool := &SessionPool{
		sessions:       make(chan Runner, size),
		size:           size,
		dim:            dim,
		factory:        factory,
		acquireTimeout: AcquireTimeout,
		done:           make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	if healthEvery > 0 {
		pool.wg.Add(1)
		go pool.healthCheck(healthEvery)
	}

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (Runner, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

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
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

func (p *SessionPool) Release(session Runner) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.live--
		session.Destroy()
		return
	}
	p.sessions <- session
}

// discard drops a session that failed; the health check replaces it.
func (p *SessionPool) discard(session Runner, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.runFailures++
	p.metrics.mu.Unlock()

	session.Destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.recordError(cause)
}

// Embed runs one tensor on a pooled session.
func (p *SessionPool) Embed(ctx context.Context, tensor []float32) ([]float32, error) {
	if err := checkInput(tensor); err != nil {
		return nil, err
	}

	session, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	out, err := session.Run(tensor)
	if err != nil {
		p.discard(session, err)
		return nil, err
	}
	p.Release(session)

	if len(out) != p.dim {
		return nil, fmt.Errorf("model returned %d values, want %d", len(out), p.dim)
	}
	return out, nil
}

func (p *SessionPool) Dimension() int { return p.dim }

// Close stops the health check and destroys idle sessions. Sessions still
// in use are destroyed when released.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	close(p.sessions)
	for session := range p.sessions {
		session.Destroy()
		p.live--
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *SessionPool) healthCheck(every time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish rebuilds sessions lost to failures.
func (p *SessionPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{
		Size: p.size,
		Live: p.live,
		Idle: len(p.sessions),
	}
	for _, err := range p.lastErrors {
		stats.LastErrors = append(stats.LastErrors, err.Error())
	}
	p.mu.Unlock()

	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	stats.InUse = p.metrics.inUse
	stats.TotalAcquired = p.metrics.totalAcquired
	stats.TotalReleased = p.metrics.totalReleased
	stats.AcquireFailures = p.metrics.acquireFailures
	stats.RunFailures = p.metrics.runFailures
	stats.WaitTime = p.metrics.waitTime
	return stats
}
