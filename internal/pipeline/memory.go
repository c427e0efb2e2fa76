package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errGraphClosed = errors.New("graph closed")

// MemoryEngine builds in-process graphs that accept and count buffers
// without encoding anything. It backs the "memory" engine used for dry runs
// and lets tests inject failures at each primitive.
type MemoryEngine struct {
	mu sync.Mutex
	// FailElement makes Build fail constructing the named element.
	FailElement string
	// StateErr is returned by SetState(StatePlaying).
	StateErr error
	// PushErr is returned by every Push.
	PushErr error
	// PushDelay stalls every Push, honouring its context.
	PushDelay time.Duration

	graphs []*MemoryGraph
}

func NewMemoryEngine() *MemoryEngine { return &MemoryEngine{} }

func (e *MemoryEngine) Name() string { return "memory" }

func (e *MemoryEngine) Build(_ context.Context, name string, topo Topology) (Graph, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, el := range topo.Elements {
		if el.Name == e.FailElement {
			return nil, &ConstructionError{Stage: el.Name, Op: OpConstruct, Err: errors.New("element factory unavailable")}
		}
	}
	g := &MemoryGraph{
		name:      name,
		topo:      topo,
		stateErr:  e.StateErr,
		pushErr:   e.PushErr,
		pushDelay: e.PushDelay,
		errs:      make(chan error, 1),
	}
	e.graphs = append(e.graphs, g)
	return g, nil
}

// Graphs returns every graph built so far.
func (e *MemoryEngine) Graphs() []*MemoryGraph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*MemoryGraph(nil), e.graphs...)
}

// MemoryGraph records what a session did to it.
type MemoryGraph struct {
	name      string
	topo      Topology
	stateErr  error
	pushErr   error
	pushDelay time.Duration
	errs      chan error

	mu     sync.Mutex
	state  State
	closed int
	frames int
	bytes  int
	last   []byte
}

func (g *MemoryGraph) SetState(s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed > 0 {
		return errGraphClosed
	}
	if s == StatePlaying && g.stateErr != nil {
		return g.stateErr
	}
	g.state = s
	return nil
}

func (g *MemoryGraph) Push(ctx context.Context, buf []byte) error {
	if g.pushDelay > 0 {
		t := time.NewTimer(g.pushDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.closed > 0:
		return errGraphClosed
	case g.state != StatePlaying:
		return errors.New("graph is not playing")
	case g.pushErr != nil:
		return g.pushErr
	}
	g.frames++
	g.bytes += len(buf)
	g.last = append(g.last[:0], buf...)
	return nil
}

func (g *MemoryGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

func (g *MemoryGraph) Errors() <-chan error { return g.errs }

// Fail reports an asynchronous runtime error, as a broken network sink
// would.
func (g *MemoryGraph) Fail(err error) {
	select {
	case g.errs <- err:
	default:
	}
}

func (g *MemoryGraph) Name() string       { return g.name }
func (g *MemoryGraph) Topology() Topology { return g.topo }

// Frames returns the number and total size of accepted buffers.
func (g *MemoryGraph) Frames() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frames, g.bytes
}

// Last returns a copy of the most recent accepted buffer.
func (g *MemoryGraph) Last() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.last...)
}

func (g *MemoryGraph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// CloseCount is how many times Close was called.
func (g *MemoryGraph) CloseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
