package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/onair/internal/capture"
	"github.com/discord-voice-lab/onair/internal/config"
	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/metrics"
	"github.com/discord-voice-lab/onair/internal/pipeline"
	"github.com/discord-voice-lab/onair/internal/voice"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeVoice struct {
	packets chan *discordgo.Packet

	mu          sync.Mutex
	speaking    func(*discordgo.VoiceConnection, *discordgo.VoiceSpeakingUpdate)
	disconnects int
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{packets: make(chan *discordgo.Packet, 64)}
}

func (f *fakeVoice) Packets() <-chan *discordgo.Packet { return f.packets }

func (f *fakeVoice) OnSpeaking(h func(*discordgo.VoiceConnection, *discordgo.VoiceSpeakingUpdate)) {
	f.mu.Lock()
	f.speaking = h
	f.mu.Unlock()
}

func (f *fakeVoice) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeVoice) speak(ssrc int, user string) {
	f.mu.Lock()
	h := f.speaking
	f.mu.Unlock()
	h(nil, &discordgo.VoiceSpeakingUpdate{SSRC: ssrc, UserID: user, Speaking: true})
}

func (f *fakeVoice) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type constDecoder struct{}

func (constDecoder) Decode([]byte) ([]int16, error) { return make([]int16, voice.FrameSamples), nil }
func (constDecoder) Conceal() ([]int16, error)      { return make([]int16, voice.FrameSamples), nil }

func testOptions(e pipeline.Engine) Options {
	stream := config.Default().Stream
	stream.Destination = "rtmp://live.example/app/default"
	stream.Destinations = map[string]string{"g2": "rtmp://live.example/app/g2"}
	return Options{
		Stream:     stream,
		Engine:     e,
		Metrics:    metrics.New(),
		NewDecoder: func() (voice.OpusDecoder, error) { return constDecoder{}, nil },
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStreamAndStop(t *testing.T) {
	e := pipeline.NewMemoryEngine()
	opts := testOptions(e)
	m := NewManager(opts)
	fv := newFakeVoice()

	b, err := m.Start(context.Background(), "g1", "c1", fv)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fv.speak(11, "alice")
	fv.packets <- &discordgo.Packet{SSRC: 11, Sequence: 1, Opus: []byte{1, 2, 3}}

	g := e.Graphs()[0]
	waitFor(t, "frames to reach the graph", func() bool { n, _ := g.Frames(); return n >= 3 })

	st, ok := m.Get("g1")
	if !ok || st.ID != b.ID || st.State != "running" || st.Participants != 1 {
		t.Fatalf("status: %+v", st)
	}
	if st.Destination != "rtmp://live.example/***" {
		t.Fatalf("destination not redacted: %s", st.Destination)
	}

	if err := m.Stop(context.Background(), "g1", "requested"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-b.Done()
	if len(m.List()) != 0 {
		t.Fatalf("broadcast still listed: %+v", m.List())
	}
	if fv.disconnectCount() != 1 || g.CloseCount() != 1 {
		t.Fatalf("disconnects=%d closes=%d", fv.disconnectCount(), g.CloseCount())
	}
	if got := testutil.ToFloat64(opts.Metrics.BroadcastsStopped.WithLabelValues("requested")); got != 1 {
		t.Fatalf("stopped{requested}: %v", got)
	}
	if got := testutil.ToFloat64(opts.Metrics.ActiveBroadcasts); got != 0 {
		t.Fatalf("active broadcasts: %v", got)
	}
	if err := m.Stop(context.Background(), "g1", "again"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestExclusivity(t *testing.T) {
	m := NewManager(testOptions(pipeline.NewMemoryEngine()))
	defer m.Shutdown(context.Background())

	if _, err := m.Start(context.Background(), "g1", "c1", newFakeVoice()); err != nil {
		t.Fatalf("Start g1: %v", err)
	}
	if _, err := m.Start(context.Background(), "g1", "c9", newFakeVoice()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("same guild: %v", err)
	}
	if _, err := m.Start(context.Background(), "g3", "c3", newFakeVoice()); !errors.Is(err, ErrDestinationBusy) {
		t.Fatalf("same destination: %v", err)
	}
	if _, err := m.Start(context.Background(), "g2", "c2", newFakeVoice()); err != nil {
		t.Fatalf("override destination: %v", err)
	}
	if n := len(m.List()); n != 2 {
		t.Fatalf("broadcasts: %d", n)
	}
}

func TestConstructionFailureIsScopedToOneGuild(t *testing.T) {
	e := pipeline.NewMemoryEngine()
	m := NewManager(testOptions(e))
	defer m.Shutdown(context.Background())

	if _, err := m.Start(context.Background(), "g2", "c2", newFakeVoice()); err != nil {
		t.Fatalf("Start g2: %v", err)
	}
	e.FailElement = "sink"
	_, err := m.Start(context.Background(), "g1", "c1", newFakeVoice())
	var ce *pipeline.ConstructionError
	if !errors.As(err, &ce) || ce.Stage != "sink" {
		t.Fatalf("want construction error at sink, got %v", err)
	}
	if _, ok := m.Get("g1"); ok {
		t.Fatal("failed guild still reserved")
	}
	if st, ok := m.Get("g2"); !ok || st.State != "running" {
		t.Fatalf("other broadcast affected: %+v", st)
	}
}

func TestVoiceConnectionClosedTearsDown(t *testing.T) {
	m := NewManager(testOptions(pipeline.NewMemoryEngine()))
	fv := newFakeVoice()
	b, err := m.Start(context.Background(), "g1", "c1", fv)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(fv.packets)
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not torn down")
	}
	if _, ok := m.Get("g1"); ok {
		t.Fatal("broadcast still registered")
	}
}

func TestDeliveryFailureTearsDown(t *testing.T) {
	e := &pipeline.MemoryEngine{PushErr: errors.New("not-negotiated")}
	opts := testOptions(e)
	m := NewManager(opts)
	b, err := m.Start(context.Background(), "g1", "c1", newFakeVoice())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not torn down after delivery failure")
	}
	if got := testutil.ToFloat64(opts.Metrics.BroadcastsStopped.WithLabelValues("delivery failed")); got != 1 {
		t.Fatalf("stopped{delivery failed}: %v", got)
	}
}

func TestCaptureTapRecordsMixedStream(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(pipeline.NewMemoryEngine())
	opts.Capture = config.CaptureConfig{Enabled: true, Dir: dir, SegmentSec: 60}
	m := NewManager(opts)
	b, err := m.Start(context.Background(), "g1", "c1", newFakeVoice())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "ticks", func() bool { st, _ := m.Get("g1"); return st.Ticks >= 3 })
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	<-b.Done()
	sidecars, err := capture.ListSidecars(dir)
	if err != nil || len(sidecars) != 1 {
		t.Fatalf("sidecars: %v %v", sidecars, err)
	}
	if sidecars[0].BroadcastID != b.ID || sidecars[0].Frames < 3 {
		t.Fatalf("sidecar: %+v", sidecars[0])
	}
}

func TestStartLogsRedactedDestinationOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logging.SetLogger(zap.New(core).Sugar())
	defer logging.SetLogger(nil)

	opts := testOptions(pipeline.NewMemoryEngine())
	opts.Stream.Destination = "rtmp://live.example/app/SECRETKEY"
	m := NewManager(opts)
	b, err := m.Start(context.Background(), "g1", "c1", newFakeVoice())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		_ = m.Stop(context.Background(), "g1", "test done")
		<-b.Done()
	}()

	started := logs.FilterMessage("broadcast started").All()
	if len(started) != 1 {
		t.Fatalf("broadcast started logged %d times", len(started))
	}
	guildKeys := 0
	for _, f := range started[0].Context {
		if f.Key == "guild.id" {
			guildKeys++
		}
	}
	if guildKeys != 1 {
		t.Fatalf("guild.id appears %d times in %v", guildKeys, started[0].Context)
	}
	if got := started[0].ContextMap()["destination"]; got != "rtmp://live.example/***" {
		t.Fatalf("destination field: %v", got)
	}
	for _, e := range logs.All() {
		for k, v := range e.ContextMap() {
			if strings.Contains(fmt.Sprint(v), "SECRETKEY") {
				t.Fatalf("%q logged stream key in %s=%v", e.Message, k, v)
			}
		}
	}
}

func TestStopWhileStartingIsDistinct(t *testing.T) {
	m := NewManager(testOptions(pipeline.NewMemoryEngine()))
	// a reserved entry without a cancel func is one whose pipeline is still being built
	m.broadcasts["g1"] = &Broadcast{GuildID: "g1", done: make(chan struct{})}

	if _, ok := m.Get("g1"); !ok {
		t.Fatal("starting broadcast should be listed")
	}
	if err := m.Stop(context.Background(), "g1", "requested"); !errors.Is(err, ErrStarting) {
		t.Fatalf("Stop while starting: %v", err)
	}
	if err := m.Stop(context.Background(), "g9", "requested"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop unknown: %v", err)
	}
}

func TestRedactDestination(t *testing.T) {
	for in, want := range map[string]string{
		"rtmp://live.example/app/SECRETKEY": "rtmp://live.example/***",
		"rtmps://a.b:443/live/k?x=1":        "rtmps://a.b:443/***",
		"not a url":                         "[redacted]",
	} {
		if got := RedactDestination(in); got != want {
			t.Errorf("RedactDestination(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBroadcastOutlivesStartContext(t *testing.T) {
	e := pipeline.NewMemoryEngine()
	m := NewManager(testOptions(e))
	ctx, cancel := context.WithCancel(context.Background())
	b, err := m.Start(ctx, "g1", "c1", newFakeVoice())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	g := e.Graphs()[0]
	waitFor(t, "frames after caller cancel", func() bool { n, _ := g.Frames(); return n >= 3 })
	if st, ok := m.Get("g1"); !ok || st.State != "running" {
		t.Fatalf("status after caller cancel: %+v ok=%v", st, ok)
	}
	if err := m.Stop(context.Background(), "g1", "test done"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-b.Done()
}
