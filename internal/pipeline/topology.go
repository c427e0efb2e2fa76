package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/discord-voice-lab/onair/internal/config"
	"github.com/discord-voice-lab/onair/internal/voice"
)

// Element names used by NewTopology.
const (
	AudioSourceName = "audio_in"
	MuxName         = "mux"
	SinkName        = "sink"
)

// appsrc queue bound: half a second of mixed audio.
const audioQueueBytes = 25 * voice.FrameBytes

// Prop is one element property, kept as the string gst-launch would parse.
type Prop struct {
	Key   string
	Value string
}

type Element struct {
	Name    string
	Factory string
	Props   []Prop
}

// Link connects two elements, optionally filtered by caps.
type Link struct {
	From string
	To   string
	Caps string
}

// Topology describes one output graph independently of the engine that
// builds it. Source names the live audio endpoint.
type Topology struct {
	Elements    []Element
	Links       []Link
	Source      string
	Destination string
}

// AudioCaps describes the mixed frames pushed into the graph.
func AudioCaps() string {
	return fmt.Sprintf("audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d", voice.SampleRate, voice.Channels)
}

// NewTopology builds the broadcast graph: a synthetic clock-overlaid video
// branch and the live audio branch, muxed to FLV and published to
// destination.
func NewTopology(destination string, cfg config.StreamConfig) Topology {
	itoa := strconv.Itoa
	keyint := itoa(cfg.KeyframeInterval)
	t := Topology{Source: AudioSourceName, Destination: destination}
	t.Elements = []Element{
		{Name: "video_src", Factory: "videotestsrc", Props: []Prop{{"is-live", "true"}}},
		{Name: "video_convert", Factory: "videoconvert"},
		{Name: "clock_overlay", Factory: "clockoverlay", Props: []Prop{
			{"halignment", "center"},
			{"valignment", "top"},
			{"shaded-background", "true"},
		}},
		{Name: "video_rate", Factory: "videorate", Props: []Prop{{"drop-only", "true"}}},
		{Name: "video_encode", Factory: "x264enc", Props: []Prop{
			{"bitrate", itoa(cfg.VideoBitrate)},
			{"tune", "zerolatency"},
			{"key-int-max", keyint},
			{"speed-preset", "ultrafast"},
			{"option-string", "keyint=" + keyint + ":min-keyint=" + keyint},
		}},
		{Name: "video_queue", Factory: "queue"},
		{Name: AudioSourceName, Factory: "appsrc", Props: []Prop{
			{"caps", AudioCaps()},
			{"format", "time"},
			{"is-live", "true"},
			{"do-timestamp", "true"},
			{"block", "true"},
			{"max-bytes", itoa(audioQueueBytes)},
		}},
		{Name: "audio_rate", Factory: "audiorate"},
		{Name: "audio_convert", Factory: "audioconvert"},
		{Name: "audio_resample", Factory: "audioresample"},
		{Name: "audio_encode", Factory: "voaacenc", Props: []Prop{{"bitrate", itoa(cfg.AudioBitrate)}}},
		{Name: MuxName, Factory: "flvmux", Props: []Prop{{"streamable", "true"}}},
		{Name: SinkName, Factory: "rtmpsink", Props: []Prop{{"location", destination}}},
	}
	t.Links = []Link{
		{From: "video_src", To: "video_convert", Caps: fmt.Sprintf("video/x-raw,width=%d,height=%d", cfg.Width, cfg.Height)},
		{From: "video_convert", To: "clock_overlay"},
		{From: "clock_overlay", To: "video_rate"},
		{From: "video_rate", To: "video_encode"},
		{From: "video_encode", To: "video_queue"},
		{From: "video_queue", To: MuxName},
		{From: AudioSourceName, To: "audio_rate"},
		{From: "audio_rate", To: "audio_convert"},
		{From: "audio_convert", To: "audio_resample"},
		{From: "audio_resample", To: "audio_encode"},
		{From: "audio_encode", To: MuxName},
		{From: MuxName, To: SinkName},
	}
	return t
}

// Element returns the named element.
func (t Topology) Element(name string) (Element, bool) {
	for _, e := range t.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return Element{}, false
}

// Validate checks that every stage is constructible and every link
// resolves. Failures are returned as *ConstructionError.
func (t Topology) Validate() error {
	if t.Destination == "" {
		return &ConstructionError{Stage: SinkName, Op: OpConstruct, Err: errors.New("no destination")}
	}
	seen := make(map[string]bool, len(t.Elements))
	for _, e := range t.Elements {
		if e.Name == "" || e.Factory == "" {
			return &ConstructionError{Stage: e.Name, Op: OpConstruct, Err: fmt.Errorf("element needs a name and factory, got %q/%q", e.Name, e.Factory)}
		}
		if seen[e.Name] {
			return &ConstructionError{Stage: e.Name, Op: OpConstruct, Err: errors.New("duplicate element name")}
		}
		seen[e.Name] = true
	}
	src, ok := t.Element(t.Source)
	if !ok || src.Factory != "appsrc" {
		return &ConstructionError{Stage: t.Source, Op: OpConstruct, Err: errors.New("live audio source must be an appsrc")}
	}
	linked := make(map[string]bool, len(t.Elements))
	for _, l := range t.Links {
		stage := l.From + "->" + l.To
		if !seen[l.From] || !seen[l.To] {
			return &ConstructionError{Stage: stage, Op: OpLink, Err: errors.New("unknown element")}
		}
		if l.From == l.To {
			return &ConstructionError{Stage: stage, Op: OpLink, Err: errors.New("element linked to itself")}
		}
		linked[l.From], linked[l.To] = true, true
	}
	for _, e := range t.Elements {
		if !linked[e.Name] {
			return &ConstructionError{Stage: e.Name, Op: OpLink, Err: errors.New("element is not linked")}
		}
	}
	return nil
}

// Launch renders the topology as a gst-launch description: every element
// declared by name, then every link by reference.
func (t Topology) Launch() string {
	var b strings.Builder
	for _, e := range t.Elements {
		b.WriteString(e.Factory)
		b.WriteString(" name=")
		b.WriteString(e.Name)
		for _, p := range e.Props {
			b.WriteString(" ")
			b.WriteString(p.Key)
			b.WriteString("=")
			b.WriteString(quoteValue(p.Value))
		}
		b.WriteString("  ")
	}
	for i, l := range t.Links {
		b.WriteString(l.From)
		b.WriteString(". ! ")
		if l.Caps != "" {
			b.WriteString(l.Caps)
			b.WriteString(" ! ")
		}
		b.WriteString(l.To)
		b.WriteString(".")
		if i < len(t.Links)-1 {
			b.WriteString("  ")
		}
	}
	return b.String()
}

func quoteValue(v string) string {
	plain := v != ""
	for _, r := range v {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			plain = false
			break
		}
	}
	if plain {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
