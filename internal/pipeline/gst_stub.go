//go:build !gst
// +build !gst

package pipeline

import "errors"

var errGStreamerUnavailable = errors.New("gstreamer engine not compiled in (build with -tags gst)")

// NewGStreamerEngine fails in builds without GStreamer; the memory engine
// is still available.
func NewGStreamerEngine() (Engine, error) {
	return nil, errGStreamerUnavailable
}
