package logs

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeHub struct {
	mu       sync.Mutex
	payloads map[string][]string
}

func newFakeHub() *fakeHub {
	return &fakeHub{payloads: make(map[string][]string)}
}

func (h *fakeHub) Broadcast(instanceID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads[instanceID] = append(h.payloads[instanceID], string(payload))
}

func (h *fakeHub) count(instanceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads[instanceID])
}

func staticStream(content string) StreamFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCollectorBuffersAndBroadcasts(t *testing.T) {
	hub := newFakeHub()
	c := NewCollector(hub, 10, nil)
	defer c.Close()

	c.Attach("c1", staticStream("one\ntwo\nthree\n"))
	waitFor(t, func() bool { return hub.count("c1") == 3 })

	lines := c.Tail("c1", 0)
	if len(lines) != 3 {
		t.Fatalf("expected 3 buffered lines, got %d", len(lines))
	}
	if lines[0] != "one" || lines[2] != "three" {
		t.Fatalf("unexpected buffer contents: %v", lines)
	}
}

func TestCollectorTailLimit(t *testing.T) {
	c := NewCollector(nil, 10, nil)
	defer c.Close()

	c.Attach("c1", staticStream("a\nb\nc\nd\n"))
	waitFor(t, func() bool { return len(c.Tail("c1", 0)) == 4 })

	lines := c.Tail("c1", 2)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != "c" || lines[1] != "d" {
		t.Fatalf("expected most recent lines, got %v", lines)
	}
}

func TestCollectorBufferWraps(t *testing.T) {
	c := NewCollector(nil, 3, nil)
	defer c.Close()

	c.Attach("c1", staticStream("1\n2\n3\n4\n5\n"))
	waitFor(t, func() bool {
		lines := c.Tail("c1", 0)
		return len(lines) == 3 && lines[0] == "3"
	})

	lines := c.Tail("c1", 0)
	if lines[0] != "3" || lines[1] != "4" || lines[2] != "5" {
		t.Fatalf("expected oldest lines evicted, got %v", lines)
	}
}

func TestDetachDropsBuffer(t *testing.T) {
	c := NewCollector(nil, 10, nil)
	defer c.Close()

	c.Attach("c1", staticStream("line\n"))
	waitFor(t, func() bool { return len(c.Tail("c1", 0)) == 1 })

	c.Detach("c1")
	if lines := c.Tail("c1", 0); lines != nil {
		t.Fatalf("expected nil after detach, got %v", lines)
	}
}

func TestDetachCancelsStream(t *testing.T) {
	cancelled := make(chan struct{})
	blocking := func(ctx context.Context) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			<-ctx.Done()
			pw.Close()
			close(cancelled)
		}()
		return pr, nil
	}

	c := NewCollector(nil, 10, nil)
	defer c.Close()

	c.Attach("c1", blocking)
	c.Detach("c1")

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("stream context was not cancelled on detach")
	}
}
