package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/metrics"
	"github.com/discord-voice-lab/onair/internal/voice"
	"github.com/google/uuid"
)

// SessionState is the lifecycle of a Session. Stopped is terminal.
type SessionState int32

const (
	StateBuilding SessionState = iota
	StateRunning
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

const defaultPushTimeout = 500 * time.Millisecond

// Options configures Start.
type Options struct {
	ID          string
	PushTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	State       string    `json:"state"`
	Frames      uint64    `json:"frames"`
	StartedAt   time.Time `json:"started_at"`
}

// Session owns one running graph for one voice session. Push may be called
// concurrently with Stop; once Stop begins every Push fails with a
// *DeliveryError wrapping ErrStopped.
type Session struct {
	id          string
	destination string
	graph       Graph
	pushTimeout time.Duration
	metrics     *metrics.Metrics
	startedAt   time.Time

	state atomic.Int32
	// mu is held shared by in-flight pushes and exclusively while the
	// graph is released.
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
	frames   atomic.Uint64
}

// Start builds topo with engine and sets it playing. Any failure is
// returned as a *ConstructionError and leaves nothing running.
func Start(ctx context.Context, engine Engine, topo Topology, opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	s := &Session{
		id:          opts.ID,
		destination: topo.Destination,
		pushTimeout: opts.PushTimeout,
		metrics:     opts.Metrics,
	}
	s.state.Store(int32(StateBuilding))
	fields := []interface{}{"session.id", s.id, "engine", engine.Name()}

	fail := func(err error) (*Session, error) {
		var ce *ConstructionError
		if !errors.As(err, &ce) {
			ce = &ConstructionError{Stage: "pipeline", Op: OpConstruct, Err: err}
		}
		s.state.Store(int32(StateStopped))
		s.metrics.RecordConstructionError(ce.Stage)
		logging.ErrorwCtx(ctx, "pipeline construction failed", append(fields, "stage", ce.Stage, "op", ce.Op, "err", ce.Err)...)
		return nil, ce
	}

	if err := topo.Validate(); err != nil {
		return fail(err)
	}
	g, err := engine.Build(ctx, s.id, topo)
	if err != nil {
		return fail(err)
	}
	if err := g.SetState(StatePlaying); err != nil {
		if cerr := g.Close(); cerr != nil {
			logging.WarnwCtx(ctx, "closing failed pipeline", append(fields, "err", cerr)...)
		}
		return fail(&ConstructionError{Stage: "pipeline", Op: OpState, Err: err})
	}

	s.graph = g
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startedAt = time.Now()
	s.state.Store(int32(StateRunning))
	if r, ok := g.(ErrorReporter); ok {
		go s.watch(r.Errors())
	}
	logging.InfowCtx(ctx, "pipeline running", fields...)
	return s, nil
}

// watch stops the session on the first asynchronous graph failure.
func (s *Session) watch(errs <-chan error) {
	select {
	case <-s.ctx.Done():
	case err, ok := <-errs:
		if !ok {
			return
		}
		logging.Errorw("pipeline runtime error; stopping", "session.id", s.id, "err", err)
		_ = s.Stop()
	}
}

// Push delivers one mixed frame to the live audio endpoint. It waits at
// most the push timeout; a rejected or late frame stops the session.
func (s *Session) Push(ctx context.Context, frame voice.MixedFrame) error {
	if s.State() != StateRunning {
		return &DeliveryError{Frame: s.frames.Load(), Err: ErrStopped}
	}
	s.mu.RLock()
	if s.State() != StateRunning {
		s.mu.RUnlock()
		return &DeliveryError{Frame: s.frames.Load(), Err: ErrStopped}
	}
	pctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	release := context.AfterFunc(s.ctx, cancel)
	start := time.Now()
	err := s.graph.Push(pctx, frame.Bytes())
	release()
	cancel()
	s.mu.RUnlock()
	s.metrics.RecordPush(time.Since(start).Seconds(), err)

	if err != nil {
		n := s.frames.Load()
		if s.State() == StateStopped {
			return &DeliveryError{Frame: n, Err: fmt.Errorf("%w: %v", ErrStopped, err)}
		}
		logging.Errorw("live endpoint rejected frame; stopping pipeline", "session.id", s.id, "frame", n, "err", err)
		_ = s.Stop()
		return &DeliveryError{Frame: n, Err: err}
	}
	s.frames.Add(1)
	return nil
}

// Stop moves the session to Stopped and releases the graph. Only the first
// call has an effect; later calls return the same result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateStopped))
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.graph == nil {
			return
		}
		if err := s.graph.SetState(StateNull); err != nil {
			s.stopErr = fmt.Errorf("set pipeline to null: %w", err)
		}
		if err := s.graph.Close(); err != nil && s.stopErr == nil {
			s.stopErr = fmt.Errorf("close pipeline: %w", err)
		}
		logging.Infow("pipeline stopped", "session.id", s.id, "frames", s.frames.Load(), "uptime", time.Since(s.startedAt).String())
	})
	return s.stopErr
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) ID() string { return s.id }

func (s *Session) Destination() string { return s.destination }

func (s *Session) Stats() Stats {
	return Stats{
		ID:          s.id,
		Destination: s.destination,
		State:       s.State().String(),
		Frames:      s.frames.Load(),
		StartedAt:   s.startedAt,
	}
}
