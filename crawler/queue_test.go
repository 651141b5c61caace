package crawler

import (
	"testing"
	"time"
)

func TestURLQueueFIFO(t *testing.T) {
	q := newURLQueue()
	q.push("a")
	q.push("b")
	q.push("c")
	if q.len() != 3 {
		t.Fatalf("urlQueue#len failed: expected 3 got %d", q.len())
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := q.pop(); got != want {
			t.Errorf("urlQueue#pop failed: expected %s got %s", want, got)
		}
	}
}

func TestURLQueuePopBlocksUntilPush(t *testing.T) {
	q := newURLQueue()
	result := make(chan string, 1)
	go func() { result <- q.pop() }()

	select {
	case <-result:
		t.Fatal("urlQueue#pop returned before any push")
	case <-time.After(20 * time.Millisecond):
	}

	q.push("late")
	select {
	case got := <-result:
		if got != "late" {
			t.Errorf("urlQueue#pop failed: expected late got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("urlQueue#pop never returned after push")
	}
}
