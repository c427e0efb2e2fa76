package voice

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestActivityEdgesOncePerTransition(t *testing.T) {
	var d ActivityDetector
	seq := []bool{false, false, true, true, false}
	want := []ActivityEdge{EdgeNone, EdgeNone, EdgeStarted, EdgeNone, EdgeStopped}
	for i, active := range seq {
		if got := d.Observe(active); got != want[i] {
			t.Fatalf("tick %d: got %v want %v", i, got, want[i])
		}
	}
	if d.Active() {
		t.Fatal("detector should end silent")
	}
}

func TestActivityConcurrentTicksReportEdgeOnce(t *testing.T) {
	var d ActivityDetector
	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Observe(true) == EdgeStarted {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	if started.Load() != 1 {
		t.Fatalf("started edges: got %d want 1", started.Load())
	}
}
