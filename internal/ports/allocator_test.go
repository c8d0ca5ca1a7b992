package ports

import (
	"errors"
	"sync"
	"testing"
)

func newTestAllocator(t *testing.T, start, end int) *Allocator {
	t.Helper()
	a, err := New(start, end)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Skip the real bind probe; reservation bookkeeping is what's under test.
	a.probe = func(int) bool { return true }
	return a
}

func TestAllocateConcurrentUnique(t *testing.T) {
	const n = 50
	a := newTestAllocator(t, 8000, 8000+n)

	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate()
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			results <- port
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct ports, got %d", n, len(seen))
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := newTestAllocator(t, 9000, 9002)
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestReleaseReturnsPort(t *testing.T) {
	a := newTestAllocator(t, 9100, 9101)
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion before release, got %v", err)
	}
	a.Release(port)
	again, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if again != port {
		t.Fatalf("expected released port %d, got %d", port, again)
	}
}

func TestAllocateSkipsBusyPorts(t *testing.T) {
	a := newTestAllocator(t, 9200, 9210)
	a.probe = func(port int) bool { return port != 9200 }
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 9201 {
		t.Fatalf("expected 9201, got %d", port)
	}
}

func TestNewRejectsInvalidRange(t *testing.T) {
	if _, err := New(0, 100); err == nil {
		t.Fatal("expected error for zero start")
	}
	if _, err := New(9000, 8000); err == nil {
		t.Fatal("expected error for inverted range")
	}
}
