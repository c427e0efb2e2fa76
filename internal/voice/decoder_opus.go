//go:build opus
// +build opus

package voice

import (
	"fmt"

	"github.com/hraban/opus"
)

// DecodeAvailable reports whether this build can decode Opus.
const DecodeAvailable = true

type opusDecoder struct {
	dec *opus.Decoder
}

// NewOpusDecoder returns a 48kHz stereo decoder. Each SSRC needs its own
// decoder since Opus decoding is stateful.
func NewOpusDecoder() (OpusDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(data []byte) ([]int16, error) {
	pcm := make([]int16, FrameSamples)
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n*Channels], nil
}

func (d *opusDecoder) Conceal() ([]int16, error) {
	pcm := make([]int16, FrameSamples)
	if err := d.dec.DecodePLC(pcm); err != nil {
		return nil, err
	}
	return pcm, nil
}
