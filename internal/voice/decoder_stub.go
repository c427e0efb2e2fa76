//go:build !opus
// +build !opus

package voice

import "errors"

// DecodeAvailable reports whether this build can decode Opus. Builds
// without libopus still run: ticks carry packet metadata but no audio.
const DecodeAvailable = false

var errOpusUnavailable = errors.New("opus decoding not compiled in (build with -tags opus)")

func NewOpusDecoder() (OpusDecoder, error) {
	return nil, errOpusUnavailable
}
