package voice

import (
	"encoding/binary"
	"time"

	"github.com/pion/rtp"
)

// Output format of the mixer. One tick is 20ms of 48kHz stereo audio.
const (
	SampleRate        = 48000
	Channels          = 2
	TickDuration      = 20 * time.Millisecond
	SamplesPerChannel = SampleRate / 50
	FrameSamples      = SamplesPerChannel * Channels
	FrameBytes        = FrameSamples * 2
)

// TickContribution is what one source produced during a tick. Decoded is
// nil when decoding is disabled for the source. Packet is nil when the
// packet for the window was lost; Decoded without Packet is a concealed
// (synthesized) frame. DecodeErr is set when a packet arrived but could
// not be decoded.
type TickContribution struct {
	Decoded   []int16
	Packet    *rtp.Header
	DecodeErr error
}

// Tick is one 20ms window. Speaking holds every source with any signal,
// Silent every known source without.
type Tick struct {
	Speaking map[uint32]TickContribution
	Silent   []uint32
}

// Active reports whether at least one source had signal.
func (t Tick) Active() bool { return len(t.Speaking) > 0 }

// Participants is the number of sources known during the tick.
func (t Tick) Participants() int { return len(t.Speaking) + len(t.Silent) }

// MixedFrame is one tick of interleaved 16-bit stereo. Samples always has
// FrameSamples entries. Clipped counts samples saturated while mixing.
type MixedFrame struct {
	Samples      []int16
	Contributors int
	Clipped      int
}

// Bytes encodes the frame as little-endian S16 PCM.
func (f MixedFrame) Bytes() []byte {
	b := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// Event kinds delivered by the voice client.
const (
	KindIdentityUpdate = "identity_update"
	KindTick           = "tick"
	KindRawPacket      = "raw_packet"
	KindDisconnect     = "disconnect"
)

// Event is one session event. Dispatchers ignore kinds they do not know.
type Event interface {
	Kind() string
}

// IdentityUpdate associates a source with a participant.
type IdentityUpdate struct {
	SSRC   uint32
	UserID string
}

func (IdentityUpdate) Kind() string { return KindIdentityUpdate }

// TickEvent carries one closed window.
type TickEvent struct {
	Tick Tick
}

func (TickEvent) Kind() string { return KindTick }

// RawPacket is packet metadata for diagnostics.
type RawPacket struct {
	Header     rtp.Header
	PayloadLen int
}

func (RawPacket) Kind() string { return KindRawPacket }

// Disconnect ends the session.
type Disconnect struct {
	Reason string
}

func (Disconnect) Kind() string { return KindDisconnect }
