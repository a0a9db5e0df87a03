package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thrashr888/agentkernel/internal/backend"
)

// fakeSandbox is a minimal backend.Sandbox double for exercising Pool
// without any real container or VM runtime.
type fakeSandbox struct {
	name    string
	running int32
}

func (f *fakeSandbox) Name() string       { return f.name }
func (f *fakeSandbox) Kind() backend.Kind { return backend.KindDocker }

func (f *fakeSandbox) Start(ctx context.Context, cfg backend.Config) error {
	atomic.StoreInt32(&f.running, 1)
	return nil
}
func (f *fakeSandbox) Exec(ctx context.Context, command []string) (backend.ExecResult, error) {
	return backend.ExecResult{}, nil
}
func (f *fakeSandbox) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (backend.ExecResult, error) {
	return backend.ExecResult{}, nil
}
func (f *fakeSandbox) Stop(ctx context.Context) error {
	atomic.StoreInt32(&f.running, 0)
	return nil
}
func (f *fakeSandbox) IsRunning(ctx context.Context) bool {
	return atomic.LoadInt32(&f.running) == 1
}
func (f *fakeSandbox) WriteFile(ctx context.Context, path string, content []byte) error { return nil }
func (f *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error)        { return nil, nil }
func (f *fakeSandbox) RemoveFile(ctx context.Context, path string) error                { return nil }
func (f *fakeSandbox) Mkdir(ctx context.Context, path string, recursive bool) error     { return nil }
func (f *fakeSandbox) Attach(ctx context.Context, shell string, env map[string]string) (int, error) {
	return 0, backend.ErrAttachNotSupported
}
func (f *fakeSandbox) InjectFiles(ctx context.Context, files []backend.FileInjection) error {
	return nil
}

func fakeFactory(counter *int64) Factory {
	return func(ctx context.Context, runtimeTag string) (backend.Sandbox, error) {
		n := atomic.AddInt64(counter, 1)
		sb := &fakeSandbox{name: fmt.Sprintf("%s-%d", runtimeTag, n)}
		if err := sb.Start(ctx, backend.Config{}); err != nil {
			return nil, err
		}
		return sb, nil
	}
}

func TestPoolAcquireColdStartWhenEmpty(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 0, MaxSize: 5, MaxConcurrentStarts: 2}, fakeFactory(&n))

	sb, err := p.Acquire(context.Background(), "python")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !sb.IsRunning(context.Background()) {
		t.Fatal("acquired sandbox should be running")
	}
	stats := p.Stats()
	if stats.InUse != 1 {
		t.Fatalf("InUse = %d, want 1", stats.InUse)
	}
}

func TestPoolStartPreWarmsToTargetSize(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 3, MaxSize: 10, MaxConcurrentStarts: 2}, fakeFactory(&n))

	if err := p.Start(context.Background(), "node"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	stats := p.Stats()
	if stats.Warm != 3 {
		t.Fatalf("Warm = %d, want 3", stats.Warm)
	}
}

func TestPoolAcquireReusesWarmEntry(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 1, MaxSize: 5, MaxConcurrentStarts: 1}, fakeFactory(&n))

	if err := p.Start(context.Background(), "go"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	sb, err := p.Acquire(context.Background(), "go")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if sb.Name() != "go-1" {
		t.Fatalf("expected reuse of pre-warmed entry go-1, got %s (provisions=%d)", sb.Name(), atomic.LoadInt64(&n))
	}
}

func TestPoolReleaseReturnsToWarmWhenHealthy(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 0, MaxSize: 5, MaxAge: time.Hour, MaxConcurrentStarts: 2}, fakeFactory(&n))

	sb, err := p.Acquire(context.Background(), "ruby")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(context.Background(), sb, "ruby")

	stats := p.Stats()
	if stats.Warm != 1 || stats.InUse != 0 {
		t.Fatalf("stats = %+v, want warm=1 in_use=0", stats)
	}
}

func TestPoolReleaseSendsDeadSandboxToCleanup(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 0, MaxSize: 5, MaxConcurrentStarts: 2}, fakeFactory(&n))

	sb, err := p.Acquire(context.Background(), "rust")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = sb.Stop(context.Background())
	p.Release(context.Background(), sb, "rust")

	stats := p.Stats()
	if stats.Cleanup != 1 || stats.Warm != 0 {
		t.Fatalf("stats = %+v, want cleanup=1 warm=0", stats)
	}
}

func TestPoolReleaseSendsAgedSandboxToCleanup(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 0, MaxSize: 5, MaxAge: time.Nanosecond, MaxConcurrentStarts: 2}, fakeFactory(&n))

	sb, err := p.Acquire(context.Background(), "java")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(time.Millisecond)
	p.Release(context.Background(), sb, "java")

	stats := p.Stats()
	if stats.Cleanup != 1 || stats.Warm != 0 {
		t.Fatalf("stats = %+v, want cleanup=1 warm=0", stats)
	}
}

func TestPoolStopDrainsWarmAndInUseToCleanup(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 2, MaxSize: 10, MaxConcurrentStarts: 2}, fakeFactory(&n))

	if err := p.Start(context.Background(), "c"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	leased, err := p.Acquire(context.Background(), "c")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p.Stop(context.Background())

	stats := p.Stats()
	if stats.Warm != 0 || stats.InUse != 0 || stats.Cleanup != 0 {
		t.Fatalf("stats after Stop = %+v, want all drained and GC'd", stats)
	}
	if leased.IsRunning(context.Background()) {
		t.Fatal("leased sandbox should have been stopped by final GC")
	}
}

func TestPoolAcquireSkipsDeadEntryAndReusesLiveOneBehindIt(t *testing.T) {
	var n int64
	p := New(Config{TargetSize: 0, MaxSize: 5, MaxConcurrentStarts: 2}, fakeFactory(&n))

	dead := &fakeSandbox{name: "go-dead"}
	live := &fakeSandbox{name: "go-live"}
	_ = live.Start(context.Background(), backend.Config{})

	p.warm.PushBack(&entry{sandbox: dead, runtimeTag: "go", createdAt: time.Now(), lastUsedAt: time.Now()})
	p.warm.PushBack(&entry{sandbox: live, runtimeTag: "go", createdAt: time.Now(), lastUsedAt: time.Now()})

	sb, err := p.Acquire(context.Background(), "go")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if sb.Name() != "go-live" {
		t.Fatalf("Acquire returned %s, want go-live (dead entry in front should be skipped, not stop the scan)", sb.Name())
	}

	stats := p.Stats()
	if stats.Warm != 0 {
		t.Fatalf("Warm = %d, want 0 (dead entry removed, live entry acquired)", stats.Warm)
	}
}

func TestPoolAcquireConcurrentRespectsStartSemaphore(t *testing.T) {
	var n int64
	var inflight int32
	var maxInflight int32
	factory := func(ctx context.Context, runtimeTag string) (backend.Sandbox, error) {
		cur := atomic.AddInt32(&inflight, 1)
		defer atomic.AddInt32(&inflight, -1)
		for {
			m := atomic.LoadInt32(&maxInflight)
			if cur <= m || atomic.CompareAndSwapInt32(&maxInflight, m, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		nn := atomic.AddInt64(&n, 1)
		sb := &fakeSandbox{name: fmt.Sprintf("%s-%d", runtimeTag, nn)}
		_ = sb.Start(ctx, backend.Config{})
		return sb, nil
	}

	p := New(Config{TargetSize: 0, MaxSize: 20, MaxConcurrentStarts: 2}, factory)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Acquire(context.Background(), "dotnet")
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&maxInflight) > 2 {
		t.Fatalf("max concurrent provisions = %d, want <= 2", maxInflight)
	}
}
