package pipeline

import (
	"context"
	"fmt"

	"github.com/discord-voice-lab/onair/internal/config"
)

// State is the subset of graph states the session drives.
type State int

const (
	StateNull State = iota
	StatePlaying
)

func (s State) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "null"
}

// Graph is one built output graph. Every primitive reports failure as an
// error.
type Graph interface {
	SetState(State) error
	// Push hands one buffer to the live audio endpoint, giving up when ctx
	// is done.
	Push(ctx context.Context, buf []byte) error
	// Close releases the graph. It is called once, after the last Push.
	Close() error
}

// ErrorReporter is implemented by graphs that report asynchronous runtime
// failures, such as a refused network connection.
type ErrorReporter interface {
	Errors() <-chan error
}

// Engine builds graphs from topologies.
type Engine interface {
	Name() string
	Build(ctx context.Context, name string, topo Topology) (Graph, error)
}

// NewEngine returns the engine selected by stream.engine.
func NewEngine(name string) (Engine, error) {
	switch name {
	case config.EngineGStreamer:
		return NewGStreamerEngine()
	case config.EngineMemory:
		return NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unknown pipeline engine %q", name)
	}
}
