package logs

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
)

const lineChannelCap = 256

// StreamFunc opens a follow-mode log stream for an instance. The collector
// owns the context so it can cancel the stream when the instance is removed.
type StreamFunc func(ctx context.Context) (io.ReadCloser, error)

// Broadcaster fans collected lines out to live subscribers.
type Broadcaster interface {
	Broadcast(instanceID string, payload []byte)
}

// Collector runs one tail per instance, keeping a bounded in-memory buffer
// of recent lines and optionally broadcasting them to a hub.
type Collector struct {
	log        *slog.Logger
	hub        Broadcaster
	bufferSize int

	mu    sync.Mutex
	tails map[string]*tail
}

type tail struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewCollector creates a Collector. hub may be nil when live streaming is
// not wired.
func NewCollector(hub Broadcaster, bufferSize int, log *slog.Logger) *Collector {
	if bufferSize <= 0 {
		bufferSize = 500
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		log:        log,
		hub:        hub,
		bufferSize: bufferSize,
		tails:      make(map[string]*tail),
	}
}

// Attach starts collecting logs for an instance. Attaching an instance that
// is already tracked restarts its tail.
func (c *Collector) Attach(instanceID string, open StreamFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tail{
		cancel: cancel,
		done:   make(chan struct{}),
		lines:  make([]string, c.bufferSize),
	}

	c.mu.Lock()
	if prev, ok := c.tails[instanceID]; ok {
		prev.cancel()
	}
	c.tails[instanceID] = t
	c.mu.Unlock()

	go c.collect(ctx, instanceID, t, open)
}

// Detach stops collection for an instance and drops its buffer.
func (c *Collector) Detach(instanceID string) {
	c.mu.Lock()
	t, ok := c.tails[instanceID]
	if ok {
		delete(c.tails, instanceID)
	}
	c.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Tail returns up to n of the most recent buffered lines for an instance.
func (c *Collector) Tail(instanceID string, n int) []string {
	c.mu.Lock()
	t, ok := c.tails[instanceID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return t.snapshot(n)
}

// Close cancels every active tail.
func (c *Collector) Close() {
	c.mu.Lock()
	tails := make([]*tail, 0, len(c.tails))
	for id, t := range c.tails {
		tails = append(tails, t)
		delete(c.tails, id)
	}
	c.mu.Unlock()
	for _, t := range tails {
		t.cancel()
	}
}

func (c *Collector) collect(ctx context.Context, instanceID string, t *tail, open StreamFunc) {
	defer close(t.done)

	stream, err := open(ctx)
	if err != nil {
		c.log.Warn("log stream open failed", "instance_id", instanceID, "error", err)
		return
	}
	defer stream.Close()

	// Reader and consumer are decoupled by a bounded channel; when the
	// buffer writer cannot keep up, lines are dropped rather than queued
	// without bound.
	lineCh := make(chan string, lineChannelCap)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lineCh <- scanner.Text():
			case <-ctx.Done():
				return
			default:
				// Channel full: drop the line.
			}
		}
	}()

	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				return
			}
			t.append(line)
			if c.hub != nil {
				c.hub.Broadcast(instanceID, []byte(line))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *tail) append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[t.next] = line
	t.next++
	if t.next == len(t.lines) {
		t.next = 0
		t.full = true
	}
}

func (t *tail) snapshot(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.next
	start := 0
	if t.full {
		size = len(t.lines)
		start = t.next
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, t.lines[(start+i)%len(t.lines)])
	}
	return out
}
