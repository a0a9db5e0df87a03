// Package pool maintains a reservoir of pre-started sandboxes so that
// acquiring one is usually a pop from a queue instead of a cold start.
// It works with any backend.Sandbox implementation, generalizing the
// container-only pool the supervisor started from to microVMs and the
// other backend kinds as well.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/thrashr888/agentkernel/internal/backend"
)

const (
	DefaultTargetSize          = 10
	DefaultMaxSize             = 50
	DefaultMaxAge              = 300 * time.Second
	DefaultHealthInterval      = 30 * time.Second
	DefaultMaxConcurrentVMs    = 2
	DefaultMaxConcurrentCtrs   = 5
	defaultGCInterval          = time.Second
	defaultGCBatchSize         = 10
)

// Factory provisions a new sandbox tagged with runtimeTag, already started
// and ready for use.
type Factory func(ctx context.Context, runtimeTag string) (backend.Sandbox, error)

// entry is one warm-pool member.
type entry struct {
	sandbox    backend.Sandbox
	runtimeTag string
	createdAt  time.Time
	lastUsedAt time.Time
}

// Config bounds one Pool's behavior. Zero values are replaced with package
// defaults by New.
type Config struct {
	TargetSize          int
	MaxSize             int
	MaxAge              time.Duration
	HealthInterval      time.Duration
	MaxConcurrentStarts int
}

// Pool holds three disjoint sets — warm (available), inUse (leased), and
// cleanup (pending destruction) — and keeps the invariants from the spec:
// warm ∩ inUse = ∅, |warm| ≤ max_size, |warm|+|inUse| ≤ max_size.
type Pool struct {
	mu      sync.Mutex
	warm    *list.List // of *entry, front = oldest
	inUse   map[string]*entry
	cleanup []backend.Sandbox

	cfg     Config
	factory Factory
	starts  chan struct{} // semaphore, buffered to MaxConcurrentStarts

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Pool. Unset Config fields take the package defaults.
func New(cfg Config, factory Factory) *Pool {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = DefaultTargetSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.MaxConcurrentStarts <= 0 {
		cfg.MaxConcurrentStarts = DefaultMaxConcurrentCtrs
	}
	return &Pool{
		warm:    list.New(),
		inUse:   make(map[string]*entry),
		cfg:     cfg,
		factory: factory,
		starts:  make(chan struct{}, cfg.MaxConcurrentStarts),
		stopCh:  make(chan struct{}),
	}
}

// Start pre-warms the pool to TargetSize and launches the replenishment and
// GC background tasks.
func (p *Pool) Start(ctx context.Context, runtimeTag string) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	if err := p.replenish(ctx, runtimeTag); err != nil {
		log.Printf("pool: initial warm-up for %s: %v", runtimeTag, err)
	}

	p.wg.Add(2)
	go p.replenishLoop(runtimeTag)
	go p.gcLoop()
	return nil
}

// Stop drains warm and in-use sandboxes into the cleanup queue and runs GC
// to quiescence.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)

	for e := p.warm.Front(); e != nil; e = e.Next() {
		p.cleanup = append(p.cleanup, e.Value.(*entry).sandbox)
	}
	p.warm.Init()
	for _, e := range p.inUse {
		p.cleanup = append(p.cleanup, e.sandbox)
	}
	p.inUse = make(map[string]*entry)
	p.mu.Unlock()

	p.wg.Wait()
	p.gcBatch(ctx, len(p.cleanup))
}

// Acquire pops the first warm entry matching runtimeTag and whose liveness
// check passes, or — gated by the start semaphore — provisions a fresh
// sandbox synchronously.
func (p *Pool) Acquire(ctx context.Context, runtimeTag string) (backend.Sandbox, error) {
	p.mu.Lock()
	var next *list.Element
	for e := p.warm.Front(); e != nil; e = next {
		next = e.Next()
		ent := e.Value.(*entry)
		if ent.runtimeTag != runtimeTag {
			continue
		}
		p.warm.Remove(e)
		if !ent.sandbox.IsRunning(ctx) {
			p.mu.Unlock()
			_ = ent.sandbox.Stop(ctx)
			p.mu.Lock()
			continue
		}
		p.inUse[ent.sandbox.Name()] = ent
		p.mu.Unlock()
		go func() {
			if err := p.replenish(context.Background(), runtimeTag); err != nil {
				log.Printf("pool: async refill for %s: %v", runtimeTag, err)
			}
		}()
		return ent.sandbox, nil
	}
	p.mu.Unlock()

	select {
	case p.starts <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.starts }()

	sb, err := p.factory(ctx, runtimeTag)
	if err != nil {
		return nil, fmt.Errorf("pool: provision %s: %w", runtimeTag, err)
	}
	p.mu.Lock()
	p.inUse[sb.Name()] = &entry{sandbox: sb, runtimeTag: runtimeTag, createdAt: time.Now(), lastUsedAt: time.Now()}
	p.mu.Unlock()
	return sb, nil
}

// Release returns sb to the pool if it is alive, under max_age, and the
// pool has room; otherwise it is queued for cleanup.
func (p *Pool) Release(ctx context.Context, sb backend.Sandbox, runtimeTag string) {
	p.mu.Lock()
	ent, ok := p.inUse[sb.Name()]
	if ok {
		delete(p.inUse, sb.Name())
	} else {
		ent = &entry{sandbox: sb, runtimeTag: runtimeTag, createdAt: time.Now()}
	}

	dead := !sb.IsRunning(ctx)
	aged := time.Since(ent.createdAt) > p.cfg.MaxAge
	if dead || aged {
		p.cleanup = append(p.cleanup, sb)
		p.mu.Unlock()
		return
	}
	if p.warm.Len() >= p.cfg.MaxSize {
		p.cleanup = append(p.cleanup, sb)
		p.mu.Unlock()
		return
	}
	ent.lastUsedAt = time.Now()
	p.warm.PushBack(ent)
	p.mu.Unlock()
}

// Stats reports the current size of each set, for /healthz and metrics.
type Stats struct {
	Warm    int
	InUse   int
	Cleanup int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Warm: p.warm.Len(), InUse: len(p.inUse), Cleanup: len(p.cleanup)}
}

// replenish evicts dead or aged-out warm entries, then provisions up to
// target_size - |warm|, bounded by max_concurrent_starts and max_size.
func (p *Pool) replenish(ctx context.Context, runtimeTag string) error {
	p.mu.Lock()
	var next *list.Element
	for e := p.warm.Front(); e != nil; e = next {
		next = e.Next()
		ent := e.Value.(*entry)
		if time.Since(ent.createdAt) > p.cfg.MaxAge || !ent.sandbox.IsRunning(ctx) {
			p.warm.Remove(e)
			p.cleanup = append(p.cleanup, ent.sandbox)
		}
	}
	warmCount := p.warm.Len()
	total := warmCount + len(p.inUse)
	needed := p.cfg.TargetSize - warmCount
	if needed > p.cfg.MaxSize-total {
		needed = p.cfg.MaxSize - total
	}
	p.mu.Unlock()

	if needed <= 0 {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i := 0; i < needed; i++ {
		select {
		case p.starts <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-p.starts }()
			sb, err := p.factory(ctx, runtimeTag)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			p.mu.Lock()
			if !p.running {
				// The pool is not started or has been stopped; a late refill
				// must not land in warm after Stop has drained it.
				p.mu.Unlock()
				_ = sb.Stop(ctx)
				return
			}
			p.warm.PushBack(&entry{sandbox: sb, runtimeTag: runtimeTag, createdAt: time.Now(), lastUsedAt: time.Now()})
			p.mu.Unlock()
		}()
	}
	wg.Wait()
	return firstErr
}

func (p *Pool) replenishLoop(runtimeTag string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.replenish(context.Background(), runtimeTag); err != nil {
				log.Printf("pool: replenish %s: %v", runtimeTag, err)
			}
		}
	}
}

func (p *Pool) gcLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(defaultGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.gcBatch(context.Background(), defaultGCBatchSize)
		}
	}
}

// gcBatch drains up to n entries from the cleanup queue and stops them
// concurrently.
func (p *Pool) gcBatch(ctx context.Context, n int) {
	p.mu.Lock()
	if n > len(p.cleanup) {
		n = len(p.cleanup)
	}
	batch := p.cleanup[:n]
	p.cleanup = p.cleanup[n:]
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sb := range batch {
		wg.Add(1)
		go func(sb backend.Sandbox) {
			defer wg.Done()
			if err := sb.Stop(ctx); err != nil {
				log.Printf("pool: gc stop %s: %v", sb.Name(), err)
			}
		}(sb)
	}
	wg.Wait()
}
