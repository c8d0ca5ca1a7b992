package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted indicates no free port remains in the managed range.
var ErrExhausted = errors.New("ports: no available port in range")

// Allocator hands out free host ports from a managed range. The availability
// probe and the reservation happen under one lock so concurrent allocations
// never observe the same port as free.
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int
	reserved map[int]struct{}
	probe    func(port int) bool
}

// New creates an Allocator over [start, end).
func New(start, end int) (*Allocator, error) {
	if start <= 0 || end <= start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{
		start:    start,
		end:      end,
		reserved: make(map[int]struct{}),
		probe:    bindProbe,
	}, nil
}

// Allocate reserves and returns a free port. The caller must Release it if
// the port ends up unused.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.start; port < a.end; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, ErrExhausted
}

// Release returns a previously allocated port to the pool. Safe to call once
// the runtime itself holds the port open.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// bindProbe checks availability by actually binding the port.
func bindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
