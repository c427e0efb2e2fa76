package capture

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discord-voice-lab/onair/internal/config"
	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/voice"
	"github.com/google/uuid"
)

const queueFrames = 256

// Meta identifies the broadcast a recorder belongs to.
type Meta struct {
	BroadcastID string
	GuildID     string
	ChannelID   string
}

// Recorder writes the mixed stream of one broadcast to rolling WAV
// segments. WriteFrame never blocks; frames that do not fit the queue are
// dropped and counted.
type Recorder struct {
	dir          string
	framesPerSeg int
	meta         Meta
	now          func() time.Time
	frames       chan voice.MixedFrame
	mu           sync.RWMutex
	closed       bool
	dropped      atomic.Int64
	segments     atomic.Int64
	wg           sync.WaitGroup
}

// NewRecorder starts a recorder writing to cfg.Dir.
func NewRecorder(cfg config.CaptureConfig, meta Meta) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("capture config: %w", err)
	}
	if cfg.Dir == "" || cfg.SegmentSec <= 0 {
		return nil, fmt.Errorf("capture needs a dir and a positive segment length")
	}
	r := &Recorder{
		dir:          cfg.Dir,
		framesPerSeg: cfg.SegmentSec * int(time.Second/voice.TickDuration),
		meta:         meta,
		now:          time.Now,
		frames:       make(chan voice.MixedFrame, queueFrames),
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// WriteFrame enqueues one frame for recording.
func (r *Recorder) WriteFrame(f voice.MixedFrame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.frames <- f:
	default:
		r.dropped.Add(1)
	}
}

// Close flushes the current segment and stops the writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.frames)
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// Segments is the number of segments written.
func (r *Recorder) Segments() int64 { return r.segments.Load() }

// Dropped is the number of frames lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

type segment struct {
	pcm     []byte
	frames  int
	clipped int
	started time.Time
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	var seg segment
	for f := range r.frames {
		if seg.frames == 0 {
			seg.started = r.now()
			seg.pcm = make([]byte, 0, r.framesPerSeg*voice.FrameBytes)
		}
		seg.pcm = append(seg.pcm, f.Bytes()...)
		seg.frames++
		seg.clipped += f.Clipped
		if seg.frames >= r.framesPerSeg {
			r.flush(seg)
			seg = segment{}
		}
	}
	if seg.frames > 0 {
		r.flush(seg)
	}
}

func (r *Recorder) flush(seg segment) {
	id := uuid.NewString()
	base := fmt.Sprintf("%s_%s_%s", r.meta.GuildID, seg.started.UTC().Format("20060102T150405Z"), id[:8])
	wavPath := filepath.Join(r.dir, base+".wav")
	fields := append(logging.BroadcastFields(r.meta.BroadcastID, r.meta.GuildID), "segment_id", id, "path", wavPath)

	if err := SaveFileAtomic(wavPath, BuildWAV(seg.pcm, voice.SampleRate, voice.Channels, 16), 0o644); err != nil {
		logging.Warnw("capture: failed to write segment", append(fields, "err", err)...)
		return
	}
	sc := Sidecar{
		SegmentID:      id,
		BroadcastID:    r.meta.BroadcastID,
		GuildID:        r.meta.GuildID,
		ChannelID:      r.meta.ChannelID,
		WavPath:        wavPath,
		StartedAt:      seg.started,
		EndedAt:        seg.started.Add(time.Duration(seg.frames) * voice.TickDuration),
		Frames:         seg.frames,
		ClippedSamples: seg.clipped,
		DroppedFrames:  r.dropped.Load(),
		SampleRate:     voice.SampleRate,
		Channels:       voice.Channels,
	}
	if err := writeSidecar(filepath.Join(r.dir, base+".json"), sc); err != nil {
		logging.Warnw("capture: failed to write sidecar", append(fields, "err", err)...)
		return
	}
	r.segments.Add(1)
	logging.Infow("capture: segment written", append(fields, "frames", seg.frames, "clipped_samples", seg.clipped)...)
}
