package voice

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/metrics"
	"github.com/pion/rtp"
)

// OpusDecoder decodes one source's packets into interleaved stereo PCM.
type OpusDecoder interface {
	Decode(data []byte) ([]int16, error)
	// Conceal synthesizes one frame for a lost packet.
	Conceal() ([]int16, error)
}

const (
	// maxQueuedPackets bounds the per-SSRC jitter slot; the oldest packet
	// is dropped when a source runs ahead of the tick clock.
	maxQueuedPackets = 3
	// concealWindows is how long after its last packet a source still gets
	// concealed frames instead of being reported silent.
	concealWindows = 5
	// forgetWindows drops sources idle for a minute.
	forgetWindows = 3000
)

// Discord sends this Opus frame when a user stops transmitting.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// ReceiverOptions configures a Receiver. Zero values select defaults.
type ReceiverOptions struct {
	NewDecoder func() (OpusDecoder, error)
	Metrics    *metrics.Metrics
	Window     time.Duration
}

type source struct {
	queue     []*discordgo.Packet
	dec       OpusDecoder
	lastVoice int64
	lastSeen  int64
}

// Receiver turns a discordgo voice connection into session events: speaking
// updates become IdentityUpdate, each received packet a RawPacket, every
// 20ms window a TickEvent, and the end of the packet stream a Disconnect.
type Receiver struct {
	emit    func(Event)
	opts    ReceiverOptions
	mu      sync.Mutex
	sources map[uint32]*source
	window  int64

	decodeWarnOnce sync.Once
}

func NewReceiver(emit func(Event), opts ReceiverOptions) *Receiver {
	if opts.NewDecoder == nil {
		opts.NewDecoder = NewOpusDecoder
	}
	if opts.Window <= 0 {
		opts.Window = TickDuration
	}
	return &Receiver{
		emit:    emit,
		opts:    opts,
		sources: make(map[uint32]*source),
	}
}

// HandleSpeakingUpdate is registered with VoiceConnection.AddHandler.
func (r *Receiver) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	r.emit(IdentityUpdate{SSRC: uint32(su.SSRC), UserID: su.UserID})
}

// Run reads packets until the channel closes or ctx is done, closing a
// window every tick. Either exit emits a Disconnect.
func (r *Receiver) Run(ctx context.Context, packets <-chan *discordgo.Packet) {
	ticker := time.NewTicker(r.opts.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.emit(Disconnect{Reason: "context cancelled"})
			return
		case pkt, ok := <-packets:
			if !ok {
				r.emit(Disconnect{Reason: "voice connection closed"})
				return
			}
			r.ingest(pkt)
		case <-ticker.C:
			r.emit(TickEvent{Tick: r.closeWindow()})
		}
	}
}

func packetHeader(pkt *discordgo.Packet) rtp.Header {
	h := rtp.Header{
		Version:        2,
		SequenceNumber: pkt.Sequence,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
	}
	// Type holds the first two RTP header bytes.
	if len(pkt.Type) >= 2 {
		h.Marker = pkt.Type[1]&0x80 != 0
		h.PayloadType = pkt.Type[1] & 0x7f
	}
	return h
}

func (r *Receiver) ingest(pkt *discordgo.Packet) {
	if pkt == nil {
		return
	}
	r.opts.Metrics.RecordPacket()
	r.emit(RawPacket{Header: packetHeader(pkt), PayloadLen: len(pkt.Opus)})

	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[pkt.SSRC]
	if !ok {
		src = &source{lastVoice: -1, lastSeen: r.window}
		dec, err := r.opts.NewDecoder()
		if err != nil {
			r.decodeWarnOnce.Do(func() {
				logging.Warnw("opus decoder unavailable; mixing without audio", "err", err)
			})
		} else {
			src.dec = dec
		}
		r.sources[pkt.SSRC] = src
	}
	src.queue = append(src.queue, pkt)
	if len(src.queue) > maxQueuedPackets {
		src.queue = src.queue[len(src.queue)-maxQueuedPackets:]
	}
}

// closeWindow assembles the tick for the current window and advances it.
func (r *Receiver) closeWindow() Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.window
	r.window++

	tick := Tick{Speaking: make(map[uint32]TickContribution)}
	for ssrc, src := range r.sources {
		if len(src.queue) > 0 {
			pkt := src.queue[0]
			src.queue = src.queue[1:]
			src.lastSeen = w
			if bytes.Equal(pkt.Opus, silenceFrame) {
				src.lastVoice = -1
				tick.Silent = append(tick.Silent, ssrc)
				continue
			}
			hdr := packetHeader(pkt)
			c := TickContribution{Packet: &hdr}
			if src.dec != nil {
				pcm, err := src.dec.Decode(pkt.Opus)
				if err != nil {
					r.opts.Metrics.RecordDecodeError()
					logging.Debugw("opus decode error", "ssrc", ssrc, "err", err)
					c.DecodeErr = err
				} else {
					c.Decoded = pcm
				}
			}
			src.lastVoice = w
			tick.Speaking[ssrc] = c
			continue
		}

		if src.dec != nil && src.lastVoice >= 0 && w-src.lastVoice <= concealWindows {
			if pcm, err := src.dec.Conceal(); err == nil {
				r.opts.Metrics.RecordConcealed()
				tick.Speaking[ssrc] = TickContribution{Decoded: pcm}
				continue
			}
		}
		if w-src.lastSeen > forgetWindows {
			delete(r.sources, ssrc)
			continue
		}
		tick.Silent = append(tick.Silent, ssrc)
	}
	sort.Slice(tick.Silent, func(i, j int) bool { return tick.Silent[i] < tick.Silent[j] })
	return tick
}
