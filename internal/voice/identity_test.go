package voice

import (
	"fmt"
	"sync"
	"testing"
)

func TestIdentityLastWriteWins(t *testing.T) {
	tr := NewIdentityTracker()
	tr.Observe(7, "U1")
	tr.Observe(7, "U2")
	if got, ok := tr.Lookup(7); !ok || got != "U2" {
		t.Fatalf("lookup(7): got %q ok=%v", got, ok)
	}
	if _, ok := tr.Lookup(99); ok {
		t.Fatal("lookup(99) on untouched ssrc should miss")
	}
}

func TestIdentityConcurrentAccess(t *testing.T) {
	tr := NewIdentityTracker()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Observe(uint32(j), fmt.Sprintf("u%d", i))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Lookup(uint32(j))
			}
		}()
	}
	wg.Wait()
	if tr.Len() != 100 {
		t.Fatalf("len: got %d want 100", tr.Len())
	}
}
