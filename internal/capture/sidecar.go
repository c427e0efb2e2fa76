package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/discord-voice-lab/onair/internal/logging"
)

// Sidecar describes one recorded segment. It is stored as JSON next to the
// WAV it refers to.
type Sidecar struct {
	SegmentID      string    `json:"segment_id"`
	BroadcastID    string    `json:"broadcast_id"`
	GuildID        string    `json:"guild_id"`
	ChannelID      string    `json:"channel_id"`
	WavPath        string    `json:"wav_path"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	Frames         int       `json:"frames"`
	ClippedSamples int       `json:"clipped_samples"`
	DroppedFrames  int64     `json:"dropped_frames"`
	SampleRate     int       `json:"sample_rate"`
	Channels       int       `json:"channels"`

	path    string
	modTime time.Time
}

// Path is where the sidecar was read from.
func (s Sidecar) Path() string { return s.path }

func writeSidecar(path string, sc Sidecar) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return SaveFileAtomic(path, b, 0o644)
}

// ListSidecars reads every sidecar in dir, oldest first. Unreadable files
// are skipped.
func ListSidecars(dir string) ([]Sidecar, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Sidecar
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("capture: failed to read sidecar", "path", path, "err", err)
			continue
		}
		var sc Sidecar
		if err := json.Unmarshal(b, &sc); err != nil {
			logging.Debugw("capture: invalid sidecar JSON", "path", path, "err", err)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if sc.WavPath == "" {
			sc.WavPath = strings.TrimSuffix(path, ".json") + ".wav"
		}
		sc.path = path
		sc.modTime = info.ModTime()
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].modTime.Before(out[j].modTime) })
	return out, nil
}
