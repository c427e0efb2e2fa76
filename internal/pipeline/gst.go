//go:build gst
// +build gst

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
)

var gstInit sync.Once

type gstEngine struct{}

// NewGStreamerEngine initializes GStreamer once and returns an engine that
// builds graphs with gst_parse_launch.
func NewGStreamerEngine() (Engine, error) {
	gstInit.Do(func() { gst.Init(nil) })
	return gstEngine{}, nil
}

func (gstEngine) Name() string { return "gstreamer" }

func (gstEngine) Build(_ context.Context, name string, topo Topology) (Graph, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	for _, el := range topo.Elements {
		if gst.Find(el.Factory) == nil {
			return nil, &ConstructionError{Stage: el.Name, Op: OpConstruct, Err: fmt.Errorf("element factory %q not installed", el.Factory)}
		}
	}

	desc := topo.Launch()
	logging.Debugw("building gstreamer pipeline", "session.id", name, "pipeline", desc)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, &ConstructionError{Stage: "pipeline", Op: OpLink, Err: err}
	}
	el, err := pipeline.GetElementByName(topo.Source)
	if err != nil {
		return nil, &ConstructionError{Stage: topo.Source, Op: OpConstruct, Err: err}
	}

	g := &gstGraph{
		name:     name,
		pipeline: pipeline,
		src:      app.SrcFromElement(el),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	go g.watchBus()
	return g, nil
}

type gstGraph struct {
	name     string
	pipeline *gst.Pipeline
	src      *app.Source
	errs     chan error
	done     chan struct{}

	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func (g *gstGraph) SetState(s State) error {
	target := gst.StateNull
	if s == StatePlaying {
		target = gst.StatePlaying
	}
	return g.pipeline.SetState(target)
}

// Push hands buf to appsrc. With block=true PushBuffer waits while the
// queue is full; the wait is abandoned when ctx is done and released when
// the pipeline goes to null.
func (g *gstGraph) Push(ctx context.Context, buf []byte) error {
	res := make(chan gst.FlowReturn, 1)
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		res <- g.src.PushBuffer(gst.NewBufferFromBytes(buf))
	}()
	select {
	case ret := <-res:
		if ret != gst.FlowOK {
			return fmt.Errorf("appsrc push returned %v", ret)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("appsrc push: %w", ctx.Err())
	}
}

func (g *gstGraph) Errors() <-chan error { return g.errs }

func (g *gstGraph) report(err error) {
	select {
	case g.errs <- err:
	default:
	}
}

func (g *gstGraph) watchBus() {
	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-g.done:
			return
		default:
		}
		msg := bus.TimedPop(gst.ClockTime(1 * time.Second))
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			logging.Errorw("gstreamer error", "session.id", g.name, "source", msg.Source(), "err", gerr.Error(), "debug", gerr.DebugString())
			g.report(fmt.Errorf("%s: %s", msg.Source(), gerr.Error()))
		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			logging.Warnw("gstreamer warning", "session.id", g.name, "source", msg.Source(), "warning", gerr.Error(), "debug", gerr.DebugString())
		case gst.MessageStateChanged:
			if msg.Source() == g.pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				logging.Debugw("pipeline state changed", "session.id", g.name, "state", newState.String())
			}
		case gst.MessageEOS:
			logging.Infow("gstreamer end of stream", "session.id", g.name)
			g.report(errors.New("end of stream"))
		}
	}
}

func (g *gstGraph) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		err = g.pipeline.SetState(gst.StateNull)
		g.inflight.Wait()
	})
	return err
}
