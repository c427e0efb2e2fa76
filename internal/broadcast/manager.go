package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/discord-voice-lab/onair/internal/capture"
	"github.com/discord-voice-lab/onair/internal/config"
	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/metrics"
	"github.com/discord-voice-lab/onair/internal/pipeline"
	"github.com/discord-voice-lab/onair/internal/voice"
	"github.com/google/uuid"
)

var (
	ErrAlreadyActive   = errors.New("a broadcast is already active for this guild")
	ErrDestinationBusy = errors.New("stream destination is used by another broadcast")
	ErrNotFound        = errors.New("no broadcast for this guild")
	ErrStarting        = errors.New("broadcast is still starting")
)

// Options configures a Manager.
type Options struct {
	Stream   config.StreamConfig
	Capture  config.CaptureConfig
	Engine   pipeline.Engine
	Metrics  *metrics.Metrics
	Resolver voice.NameResolver
	// NewDecoder overrides the Opus decoder factory.
	NewDecoder func() (voice.OpusDecoder, error)
}

// Manager owns at most one broadcast per guild. Each broadcast gets its own
// pipeline session, dispatcher and receiver; a failure in one never touches
// another.
type Manager struct {
	opts Options

	mu         sync.RWMutex
	broadcasts map[string]*Broadcast
}

func NewManager(opts Options) *Manager {
	if opts.Resolver == nil {
		opts.Resolver = voice.NoopResolver{}
	}
	return &Manager{opts: opts, broadcasts: make(map[string]*Broadcast)}
}

// Broadcast is one guild's voice session streamed to one destination.
type Broadcast struct {
	ID          string
	GuildID     string
	ChannelID   string
	Destination string
	StartedAt   time.Time

	voice VoiceConn
	done  chan struct{}

	// mu guards the fields below, which are set once the pipeline runs.
	mu         sync.Mutex
	session    *pipeline.Session
	dispatcher *voice.Dispatcher
	recorder   *capture.Recorder
	cancel     context.CancelFunc
	stopReason string
}

// Done is closed after the broadcast has been fully torn down.
func (b *Broadcast) Done() <-chan struct{} { return b.done }

// Start begins streaming guildID's voice connection vc. The pipeline is
// built before any audio is received; if it cannot be built the error is a
// *pipeline.ConstructionError and vc is left to the caller. The broadcast
// runs until Stop or a disconnect, independently of the caller's context.
func (m *Manager) Start(_ context.Context, guildID, channelID string, vc VoiceConn) (*Broadcast, error) {
	dest, err := m.opts.Stream.DestinationFor(guildID)
	if err != nil {
		return nil, err
	}
	b := &Broadcast{
		ID:          uuid.NewString(),
		GuildID:     guildID,
		ChannelID:   channelID,
		Destination: dest,
		voice:       vc,
		done:        make(chan struct{}),
	}

	// Reserve the guild and destination while the pipeline is built.
	m.mu.Lock()
	if _, ok := m.broadcasts[guildID]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	for _, other := range m.broadcasts {
		if other.Destination == dest {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w (guild %s)", ErrDestinationBusy, other.GuildID)
		}
	}
	m.broadcasts[guildID] = b
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.broadcasts, guildID)
		m.mu.Unlock()
	}

	bctx := logging.WithFields(context.Background(), logging.BroadcastFields(b.ID, guildID)...)
	bctx = logging.WithFields(bctx, logging.ChannelFields(channelID, m.opts.Resolver.ChannelName(channelID))...)

	sess, err := pipeline.Start(bctx, m.opts.Engine, pipeline.NewTopology(dest, m.opts.Stream), pipeline.Options{
		ID:          b.ID,
		PushTimeout: m.opts.Stream.PushTimeout(),
		Metrics:     m.opts.Metrics,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("start broadcast for guild %s: %w", guildID, err)
	}

	var rec *capture.Recorder
	dopts := []voice.DispatcherOption{voice.WithMetrics(m.opts.Metrics), voice.WithResolver(m.opts.Resolver)}
	if m.opts.Capture.Enabled {
		r, err := capture.NewRecorder(m.opts.Capture, capture.Meta{BroadcastID: b.ID, GuildID: guildID, ChannelID: channelID})
		if err != nil {
			logging.WarnwCtx(bctx, "capture disabled for broadcast", "err", err)
		} else {
			rec = r
			dopts = append(dopts, voice.WithTap(rec))
		}
	}
	d := voice.NewDispatcher(sess, dopts...)
	runCtx, cancel := context.WithCancel(bctx)

	b.mu.Lock()
	b.session, b.dispatcher, b.recorder, b.cancel = sess, d, rec, cancel
	b.StartedAt = time.Now()
	b.mu.Unlock()

	recv := voice.NewReceiver(func(ev voice.Event) { d.Dispatch(bctx, ev) }, voice.ReceiverOptions{
		NewDecoder: m.opts.NewDecoder,
		Metrics:    m.opts.Metrics,
	})
	vc.OnSpeaking(recv.HandleSpeakingUpdate)

	m.opts.Metrics.RecordBroadcastStarted()
	go recv.Run(runCtx, vc.Packets())
	go m.supervise(bctx, b)

	fields := []interface{}{"destination", RedactDestination(dest)}
	if name := m.opts.Resolver.GuildName(guildID); name != "" {
		fields = append(fields, "guild.name", name)
	}
	logging.InfowCtx(bctx, "broadcast started", fields...)
	return b, nil
}

// supervise tears a broadcast down once its dispatcher closes, whichever
// side caused it.
func (m *Manager) supervise(ctx context.Context, b *Broadcast) {
	<-b.dispatcher.Done()
	b.cancel()
	if err := b.session.Stop(); err != nil {
		logging.WarnwCtx(ctx, "pipeline stop failed", "err", err)
	}
	if b.recorder != nil {
		_ = b.recorder.Close()
	}
	if err := b.voice.Disconnect(); err != nil {
		logging.DebugwCtx(ctx, "voice disconnect failed", "err", err)
	}

	reason := b.dispatcher.Reason()
	b.mu.Lock()
	if b.stopReason != "" {
		reason = b.stopReason
	}
	b.mu.Unlock()

	m.mu.Lock()
	if cur, ok := m.broadcasts[b.GuildID]; ok && cur == b {
		delete(m.broadcasts, b.GuildID)
	}
	m.mu.Unlock()

	m.opts.Metrics.RecordBroadcastStopped(reason)
	logging.InfowCtx(ctx, "broadcast stopped", "reason", reason, "frames", b.session.Stats().Frames)
	close(b.done)
}

// Stop ends guildID's broadcast and waits for teardown or ctx.
func (m *Manager) Stop(ctx context.Context, guildID, reason string) error {
	m.mu.RLock()
	b, ok := m.broadcasts[guildID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	b.mu.Lock()
	cancel := b.cancel
	if cancel != nil && b.stopReason == "" {
		b.stopReason = reason
	}
	b.mu.Unlock()
	if cancel == nil {
		return ErrStarting
	}
	cancel()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every broadcast.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	guilds := make([]string, 0, len(m.broadcasts))
	for g := range m.broadcasts {
		guilds = append(guilds, g)
	}
	m.mu.RUnlock()

	var errs []error
	for _, g := range guilds {
		if err := m.Stop(ctx, g, "shutdown"); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStarting) {
			errs = append(errs, fmt.Errorf("guild %s: %w", g, err))
		}
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of one broadcast.
type Status struct {
	ID           string    `json:"id"`
	GuildID      string    `json:"guild_id"`
	GuildName    string    `json:"guild_name,omitempty"`
	ChannelID    string    `json:"channel_id"`
	ChannelName  string    `json:"channel_name,omitempty"`
	Destination  string    `json:"destination"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	Frames       uint64    `json:"frames"`
	Ticks        int64     `json:"ticks"`
	Speaking     bool      `json:"speaking"`
	Participants int       `json:"participants"`
	Recording    bool      `json:"recording"`
}

func (m *Manager) status(b *Broadcast) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		ID:          b.ID,
		GuildID:     b.GuildID,
		GuildName:   m.opts.Resolver.GuildName(b.GuildID),
		ChannelID:   b.ChannelID,
		ChannelName: m.opts.Resolver.ChannelName(b.ChannelID),
		Destination: RedactDestination(b.Destination),
		State:       pipeline.StateBuilding.String(),
		StartedAt:   b.StartedAt,
		Recording:   b.recorder != nil,
	}
	if b.session != nil {
		st.State = b.session.State().String()
		st.Frames = b.session.Stats().Frames
	}
	if b.dispatcher != nil {
		st.Ticks = b.dispatcher.Ticks()
		st.Speaking = b.dispatcher.Active()
		st.Participants = b.dispatcher.Identities().Len()
	}
	return st
}

// List returns every broadcast, ordered by guild.
func (m *Manager) List() []Status {
	m.mu.RLock()
	bs := make([]*Broadcast, 0, len(m.broadcasts))
	for _, b := range m.broadcasts {
		bs = append(bs, b)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(bs))
	for _, b := range bs {
		out = append(out, m.status(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

// Get returns guildID's broadcast status.
func (m *Manager) Get(guildID string) (Status, bool) {
	m.mu.RLock()
	b, ok := m.broadcasts[guildID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return m.status(b), true
}

// RedactDestination drops the path of a destination URL, which usually
// carries the stream key.
func RedactDestination(dest string) string {
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return "[redacted]"
	}
	return u.Scheme + "://" + u.Host + "/***"
}
