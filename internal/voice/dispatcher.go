package voice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/metrics"
)

// FrameSink receives one mixed frame per tick. *pipeline.Session
// implements it.
type FrameSink interface {
	Push(ctx context.Context, frame MixedFrame) error
	Stop() error
}

// FrameTap observes mixed frames after they are produced. It must not
// block; the capture recorder enqueues without waiting.
type FrameTap interface {
	WriteFrame(frame MixedFrame)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithResolver(r NameResolver) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.resolver = r
		}
	}
}

func WithTap(t FrameTap) DispatcherOption {
	return func(d *Dispatcher) { d.tap = t }
}

// Dispatcher routes the events of one voice session to its identity
// tracker, activity detector, mixer and frame sink. Dispatch may be called
// from several goroutines at once.
type Dispatcher struct {
	identities *IdentityTracker
	activity   ActivityDetector
	sink       FrameSink
	tap        FrameTap
	metrics    *metrics.Metrics
	resolver   NameResolver

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	reasonMu sync.Mutex
	reason   string

	ticks atomic.Int64
}

func NewDispatcher(sink FrameSink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		identities: NewIdentityTracker(),
		sink:       sink,
		resolver:   NoopResolver{},
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch handles one event. Once the dispatcher is closed every event is
// a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if d.closed.Load() {
		return
	}
	switch e := ev.(type) {
	case IdentityUpdate:
		d.identities.Observe(e.SSRC, e.UserID)
		logging.DebugwCtx(ctx, "mapped SSRC to user", "ssrc", e.SSRC, "user.id", e.UserID)
	case TickEvent:
		d.handleTick(ctx, e.Tick)
	case RawPacket:
		logging.DebugwCtx(ctx, "voice packet",
			"ssrc", e.Header.SSRC,
			"seq", e.Header.SequenceNumber,
			"ts", e.Header.Timestamp,
			"payload_type", e.Header.PayloadType,
			"payload_len", e.PayloadLen)
	case Disconnect:
		logging.InfowCtx(ctx, "voice session disconnected", "reason", e.Reason)
		if err := d.sink.Stop(); err != nil {
			logging.WarnwCtx(ctx, "stopping frame sink failed", "err", err)
		}
		d.close(e.Reason)
	default:
		if ev != nil {
			logging.DebugwCtx(ctx, "ignoring unknown session event", "kind", ev.Kind())
		}
	}
}

func (d *Dispatcher) handleTick(ctx context.Context, tick Tick) {
	start := time.Now()
	speaking := len(tick.Speaking)
	total := tick.Participants()

	switch d.activity.Observe(tick.Active()) {
	case EdgeStarted:
		logging.InfowCtx(ctx, "activity started", "speaking", speaking, "participants", total)
		d.metrics.RecordActivityEdge(EdgeStarted.String())
	case EdgeStopped:
		logging.InfowCtx(ctx, "went silent", "participants", total)
		d.metrics.RecordActivityEdge(EdgeStopped.String())
	}
	if speaking > 0 {
		logging.DebugwCtx(ctx, "voice tick", "speaking", speaking, "participants", total, "sources", d.describe(tick))
	}

	frame := Mix(tick)
	d.ticks.Add(1)
	d.metrics.RecordTick(time.Since(start).Seconds(), frame.Contributors, frame.Clipped)
	if d.tap != nil {
		d.tap.WriteFrame(frame)
	}

	if err := d.sink.Push(ctx, frame); err != nil {
		logging.ErrorwCtx(ctx, "mixed frame rejected; stopping broadcast", "err", err)
		if serr := d.sink.Stop(); serr != nil {
			logging.WarnwCtx(ctx, "stopping frame sink failed", "err", serr)
		}
		d.close("delivery failed")
	}
}

// describe renders one line per speaking source, sorted by SSRC.
func (d *Dispatcher) describe(tick Tick) string {
	ssrcs := make([]uint32, 0, len(tick.Speaking))
	for ssrc := range tick.Speaking {
		ssrcs = append(ssrcs, ssrc)
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })

	parts := make([]string, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		c := tick.Speaking[ssrc]
		who := "?"
		if uid, ok := d.identities.Lookup(ssrc); ok {
			who = uid
			if n := d.resolver.UserName(uid); n != "" {
				who = n
			}
		}
		switch {
		case c.DecodeErr != nil:
			parts = append(parts, fmt.Sprintf("%d/%s: decode failed: %v", ssrc, who, c.DecodeErr))
		case c.Decoded == nil:
			parts = append(parts, fmt.Sprintf("%d/%s: decode disabled", ssrc, who))
		case c.Packet == nil:
			parts = append(parts, fmt.Sprintf("%d/%s: missed packet", ssrc, who))
		default:
			parts = append(parts, fmt.Sprintf("%d/%s: seq %d ts %d pt %d", ssrc, who,
				c.Packet.SequenceNumber, c.Packet.Timestamp, c.Packet.PayloadType))
		}
	}
	return strings.Join(parts, "; ")
}

func (d *Dispatcher) close(reason string) {
	d.closeOnce.Do(func() {
		d.reasonMu.Lock()
		d.reason = reason
		d.reasonMu.Unlock()
		d.closed.Store(true)
		close(d.done)
	})
}

// Done is closed once the session has a disconnect or a delivery failure.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Reason returns why the dispatcher closed, or "" while open.
func (d *Dispatcher) Reason() string {
	d.reasonMu.Lock()
	defer d.reasonMu.Unlock()
	return d.reason
}

// Identities exposes the session's identity tracker.
func (d *Dispatcher) Identities() *IdentityTracker { return d.identities }

// Active reports the current activity state.
func (d *Dispatcher) Active() bool { return d.activity.Active() }

// Ticks is the number of ticks mixed so far.
func (d *Dispatcher) Ticks() int64 { return d.ticks.Load() }
