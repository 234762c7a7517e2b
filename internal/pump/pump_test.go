package pump

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dshills/loom/internal/protocol"
)

// recorder collects handled items and lets tests gate the consumer.
type recorder struct {
	mu      sync.Mutex
	methods []string
	gate    chan struct{} // nil means never block
	started chan string   // receives the method when a handler begins
}

func newRecorder(gated bool) *recorder {
	r := &recorder{started: make(chan string, 128)}
	if gated {
		r.gate = make(chan struct{})
	}
	return r
}

func (r *recorder) handle(_ context.Context, item Item) {
	r.started <- item.Method
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.methods = append(r.methods, item.Method)
	r.mu.Unlock()
}

func (r *recorder) release() { close(r.gate) }

func (r *recorder) handled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.methods))
	copy(out, r.methods)
	return out
}

func (r *recorder) waitHandled(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := r.handled(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d handled items, have %v", n, r.handled())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func regular(method string) Item {
	return Item{Method: method, Params: json.RawMessage(`{}`), Priority: protocol.PriorityRegular}
}

func high(method string) Item {
	return Item{Method: method, Params: json.RawMessage(`{}`), Priority: protocol.PriorityHigh}
}

func TestPump_DeliversInOrder(t *testing.T) {
	r := newRecorder(false)
	p := New(r.handle)
	defer p.Close()

	for _, m := range []string{"a", "b", "c", "d"} {
		p.Enqueue(regular(m), nil)
	}

	got := r.waitHandled(t, 4)
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handled = %v, want %v", got, want)
		}
	}
}

func TestPump_DropOldestRegularOnOverflow(t *testing.T) {
	r := newRecorder(true)
	var dropped []string
	var droppedMu sync.Mutex
	onDropped := func(item Item) {
		droppedMu.Lock()
		dropped = append(dropped, item.Method)
		droppedMu.Unlock()
	}

	p := New(r.handle, WithRegularCapacity(2))

	// A is in the handler, so the lane holds only B and C when D arrives.
	p.Enqueue(regular("A"), onDropped)
	if m := <-r.started; m != "A" {
		t.Fatalf("consumer started %q, want A", m)
	}
	p.Enqueue(regular("B"), onDropped)
	p.Enqueue(regular("C"), onDropped)
	p.Enqueue(regular("D"), onDropped)

	r.release()
	got := r.waitHandled(t, 3)

	droppedMu.Lock()
	gotDropped := append([]string(nil), dropped...)
	droppedMu.Unlock()
	if len(gotDropped) != 1 || gotDropped[0] != "B" {
		t.Fatalf("dropped = %v, want [B]", gotDropped)
	}

	want := []string{"A", "C", "D"}
	if len(got) != 3 {
		t.Fatalf("handled = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handled = %v, want %v", got, want)
		}
	}

	stats := p.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if stats.RegularPeak != 2 {
		t.Errorf("RegularPeak = %d, want 2", stats.RegularPeak)
	}
	p.Close()
}

func TestPump_HighNeverDropped(t *testing.T) {
	r := newRecorder(true)
	p := New(r.handle, WithRegularCapacity(1))

	p.Enqueue(regular("blocker"), nil)
	<-r.started

	const floods = 50
	for i := 0; i < floods; i++ {
		p.Enqueue(high("diag"), nil)
		p.Enqueue(regular("log"), nil)
	}

	r.release()
	// blocker + all 50 high + exactly 1 surviving regular.
	got := r.waitHandled(t, 1+floods+1)

	highCount := 0
	for _, m := range got {
		if m == "diag" {
			highCount++
		}
	}
	if highCount != floods {
		t.Errorf("delivered %d high items, want %d", highCount, floods)
	}

	stats := p.Stats()
	if stats.HighPeak != floods {
		t.Errorf("HighPeak = %d, want %d", stats.HighPeak, floods)
	}
	if stats.Dropped != floods-1 {
		t.Errorf("Dropped = %d, want %d", stats.Dropped, floods-1)
	}
	p.Close()
}

func TestPump_HighDrainsFirst(t *testing.T) {
	r := newRecorder(true)
	p := New(r.handle, WithRegularCapacity(8))

	p.Enqueue(regular("blocker"), nil)
	<-r.started

	p.Enqueue(regular("r1"), nil)
	p.Enqueue(regular("r2"), nil)
	p.Enqueue(high("h1"), nil)
	p.Enqueue(high("h2"), nil)

	r.release()
	got := r.waitHandled(t, 5)

	want := []string{"blocker", "h1", "h2", "r1", "r2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handled = %v, want %v", got, want)
		}
	}
	p.Close()
}

func TestPump_CloseDrainsWithoutHandling(t *testing.T) {
	r := newRecorder(true)
	p := New(r.handle, WithRegularCapacity(16))

	p.Enqueue(regular("inflight"), nil)
	<-r.started
	for i := 0; i < 5; i++ {
		p.Enqueue(regular("queued"), nil)
	}

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	// Close clears the lanes immediately, then waits for the in-flight
	// handler; once depth hits zero the queued items are gone for good.
	deadline := time.After(5 * time.Second)
	for p.Stats().RegularDepth != 0 {
		select {
		case <-deadline:
			t.Fatal("Close never cleared the regular lane")
		case <-time.After(5 * time.Millisecond):
		}
	}

	r.release()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned")
	}

	if got := r.handled(); len(got) != 1 || got[0] != "inflight" {
		t.Errorf("handled = %v, want only the in-flight item", got)
	}
}

func TestPump_EnqueueAfterClose(t *testing.T) {
	r := newRecorder(false)
	p := New(r.handle)
	p.Close()

	p.Enqueue(high("late"), nil)
	time.Sleep(20 * time.Millisecond)
	if got := r.handled(); len(got) != 0 {
		t.Errorf("handled = %v after Close", got)
	}
}

func TestPump_HandlerPanicContained(t *testing.T) {
	var mu sync.Mutex
	var survived []string
	p := New(func(_ context.Context, item Item) {
		if item.Method == "boom" {
			panic("handler exploded")
		}
		mu.Lock()
		survived = append(survived, item.Method)
		mu.Unlock()
	})
	defer p.Close()

	p.Enqueue(regular("boom"), nil)
	p.Enqueue(regular("after"), nil)

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(survived)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("item after panic never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
