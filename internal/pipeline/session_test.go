package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/discord-voice-lab/onair/internal/metrics"
	"github.com/discord-voice-lab/onair/internal/voice"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func silentFrame() voice.MixedFrame {
	return voice.Mix(voice.Tick{})
}

func startMemory(t *testing.T, e *MemoryEngine, opts Options) *Session {
	t.Helper()
	s, err := Start(context.Background(), e, testTopology(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func TestStartPushStop(t *testing.T) {
	e := NewMemoryEngine()
	s := startMemory(t, e, Options{ID: "b1"})
	if s.State() != StateRunning {
		t.Fatalf("state: %v", s.State())
	}
	for i := 0; i < 3; i++ {
		if err := s.Push(context.Background(), silentFrame()); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	g := e.Graphs()[0]
	frames, size := g.Frames()
	if frames != 3 || size != 3*voice.FrameBytes {
		t.Fatalf("graph got %d frames / %d bytes", frames, size)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if g.CloseCount() != 1 || g.State() != StateNull {
		t.Fatalf("graph closed %d times, state %v", g.CloseCount(), g.State())
	}
	if st := s.Stats(); st.Frames != 3 || st.ID != "b1" || st.State != "stopped" {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPushAfterStopIsDeliveryError(t *testing.T) {
	s := startMemory(t, NewMemoryEngine(), Options{})
	_ = s.Stop()
	err := s.Push(context.Background(), silentFrame())
	var de *DeliveryError
	if !errors.As(err, &de) || !errors.Is(err, ErrStopped) {
		t.Fatalf("want DeliveryError wrapping ErrStopped, got %v", err)
	}
}

func TestConcurrentPushesAndStop(t *testing.T) {
	e := NewMemoryEngine()
	s := startMemory(t, e, Options{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, failed := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := s.Push(context.Background(), silentFrame())
				mu.Lock()
				if err == nil {
					ok++
				} else {
					var de *DeliveryError
					if !errors.As(err, &de) {
						t.Errorf("unexpected error type %T: %v", err, err)
					}
					failed++
				}
				mu.Unlock()
			}
		}()
	}
	time.Sleep(time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()

	if s.State() != StateStopped {
		t.Fatalf("state: %v", s.State())
	}
	g := e.Graphs()[0]
	frames, _ := g.Frames()
	if frames != ok || ok+failed != 16*50 {
		t.Fatalf("graph frames=%d ok=%d failed=%d", frames, ok, failed)
	}
	if g.CloseCount() != 1 {
		t.Fatalf("close count: %d", g.CloseCount())
	}
}

func TestStartConstructionFailures(t *testing.T) {
	m := metrics.New()

	e := &MemoryEngine{FailElement: "audio_encode"}
	_, err := Start(context.Background(), e, testTopology(), Options{Metrics: m})
	var ce *ConstructionError
	if !errors.As(err, &ce) || ce.Stage != "audio_encode" || ce.Op != OpConstruct {
		t.Fatalf("want construct failure on audio_encode, got %v", err)
	}
	if got := testutil.ToFloat64(m.ConstructionErrors.WithLabelValues("audio_encode")); got != 1 {
		t.Fatalf("construction metric: %v", got)
	}

	e = &MemoryEngine{StateErr: errors.New("rtmp connection refused")}
	_, err = Start(context.Background(), e, testTopology(), Options{})
	if !errors.As(err, &ce) || ce.Op != OpState {
		t.Fatalf("want state failure, got %v", err)
	}
	if e.Graphs()[0].CloseCount() != 1 {
		t.Fatal("graph that failed to start was not closed")
	}

	bad := testTopology()
	bad.Destination = ""
	e = NewMemoryEngine()
	if _, err = Start(context.Background(), e, bad, Options{}); !errors.As(err, &ce) {
		t.Fatalf("want construction error, got %v", err)
	}
	if len(e.Graphs()) != 0 {
		t.Fatal("engine should not build an invalid topology")
	}
}

func TestPushTimeoutStopsSession(t *testing.T) {
	e := &MemoryEngine{PushDelay: time.Second}
	s := startMemory(t, e, Options{PushTimeout: 10 * time.Millisecond})
	start := time.Now()
	err := s.Push(context.Background(), silentFrame())
	var de *DeliveryError
	if !errors.As(err, &de) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want timeout DeliveryError, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("push was not bounded by the timeout")
	}
	if s.State() != StateStopped {
		t.Fatalf("state after timeout: %v", s.State())
	}
}

func TestRejectedPushStopsSession(t *testing.T) {
	e := &MemoryEngine{PushErr: errors.New("flow error")}
	s := startMemory(t, e, Options{})
	if err := s.Push(context.Background(), silentFrame()); err == nil {
		t.Fatal("expected error")
	}
	if s.State() != StateStopped {
		t.Fatalf("state: %v", s.State())
	}
}

func TestStopAbortsBlockedPush(t *testing.T) {
	e := &MemoryEngine{PushDelay: time.Minute}
	s := startMemory(t, e, Options{PushTimeout: time.Minute})
	errc := make(chan error, 1)
	go func() { errc <- s.Push(context.Background(), silentFrame()) }()
	time.Sleep(10 * time.Millisecond)
	_ = s.Stop()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("want ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight push not aborted by Stop")
	}
}

func TestRuntimeGraphErrorStopsSession(t *testing.T) {
	e := NewMemoryEngine()
	s := startMemory(t, e, Options{})
	e.Graphs()[0].Fail(errors.New("rtmp disconnected"))
	deadline := time.Now().Add(time.Second)
	for s.State() != StateStopped {
		if time.Now().After(deadline) {
			t.Fatal("session not stopped after graph error")
		}
		time.Sleep(time.Millisecond)
	}
}
