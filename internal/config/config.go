package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine names accepted by stream.engine.
const (
	EngineGStreamer = "gstreamer"
	EngineMemory    = "memory"
)

// Config is the full process configuration. It is loaded once in main and
// passed down explicitly.
type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	Stream  StreamConfig  `yaml:"stream"`
	HTTP    HTTPConfig    `yaml:"http"`
	Capture CaptureConfig `yaml:"capture"`
	Logging LoggingConfig `yaml:"logging"`
}

// DiscordConfig holds the bot credential and the optional auto-join target.
type DiscordConfig struct {
	Token          string `yaml:"token"`
	GuildID        string `yaml:"guild_id"`
	VoiceChannelID string `yaml:"voice_channel_id"`
}

// StreamConfig describes the produced audio/video stream.
type StreamConfig struct {
	Destination      string            `yaml:"destination"`
	Destinations     map[string]string `yaml:"destinations"` // guild id -> destination
	Engine           string            `yaml:"engine"`
	AudioBitrate     int               `yaml:"audio_bitrate"` // bit/s
	VideoBitrate     int               `yaml:"video_bitrate"` // kbit/s
	Width            int               `yaml:"width"`
	Height           int               `yaml:"height"`
	KeyframeInterval int               `yaml:"keyframe_interval"` // frames
	PushTimeoutMs    int               `yaml:"push_timeout_ms"`
}

// HTTPConfig controls the status/metrics listener.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// CaptureConfig controls the optional WAV recorder of the mixed stream.
type CaptureConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	SegmentSec   int    `yaml:"segment_sec"`
	RetentionMin int    `yaml:"retention_min"`
	MaxFiles     int    `yaml:"max_files"`
}

// LoggingConfig holds the log level name.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Stream: StreamConfig{
			Engine:           EngineGStreamer,
			AudioBitrate:     96000,
			VideoBitrate:     4000,
			Width:            1280,
			Height:           720,
			KeyframeInterval: 60,
			PushTimeoutMs:    500,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: ":8080",
		},
		Capture: CaptureConfig{
			SegmentSec:   60,
			RetentionMin: 24 * 60,
			MaxFiles:     200,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("DISCORD_BOT_TOKEN", &c.Discord.Token)
	str("GUILD_ID", &c.Discord.GuildID)
	str("VOICE_CHANNEL_ID", &c.Discord.VoiceChannelID)
	str("RTMP_URL", &c.Stream.Destination)
	str("PIPELINE_ENGINE", &c.Stream.Engine)
	str("HTTP_ADDRESS", &c.HTTP.Address)
	str("LOG_LEVEL", &c.Logging.Level)
	if v, ok := lookup("CAPTURE_DIR"); ok && strings.TrimSpace(v) != "" {
		c.Capture.Dir = strings.TrimSpace(v)
		c.Capture.Enabled = true
	}
	if v, ok := lookup("PUSH_TIMEOUT_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PUSH_TIMEOUT_MS=%q: %w", v, err)
		}
		c.Stream.PushTimeoutMs = n
	}
	if v, ok := lookup("HTTP_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_ENABLED=%q: %w", v, err)
		}
		c.HTTP.Enabled = b
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	return nil
}

// Validate checks stream parameters. A missing destination is allowed
// here; it only fails once a broadcast is started for a guild that has
// no destination.
func (s *StreamConfig) Validate() error {
	switch s.Engine {
	case EngineGStreamer, EngineMemory:
	default:
		return fmt.Errorf("engine must be %q or %q, got %q", EngineGStreamer, EngineMemory, s.Engine)
	}
	if s.AudioBitrate <= 0 {
		return fmt.Errorf("audio_bitrate must be positive, got %d", s.AudioBitrate)
	}
	if s.VideoBitrate <= 0 {
		return fmt.Errorf("video_bitrate must be positive, got %d", s.VideoBitrate)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("resolution must be positive, got %dx%d", s.Width, s.Height)
	}
	if s.KeyframeInterval <= 0 {
		return fmt.Errorf("keyframe_interval must be positive, got %d", s.KeyframeInterval)
	}
	if s.PushTimeoutMs <= 0 {
		return fmt.Errorf("push_timeout_ms must be positive, got %d", s.PushTimeoutMs)
	}
	if s.Destination != "" {
		if err := validateDestination(s.Destination); err != nil {
			return fmt.Errorf("destination: %w", err)
		}
	}
	for guild, dest := range s.Destinations {
		if err := validateDestination(dest); err != nil {
			return fmt.Errorf("destinations[%s]: %w", guild, err)
		}
	}
	return nil
}

// DestinationFor returns the stream destination for a guild, preferring a
// per-guild override.
func (s *StreamConfig) DestinationFor(guildID string) (string, error) {
	if d, ok := s.Destinations[guildID]; ok && d != "" {
		return d, nil
	}
	if s.Destination == "" {
		return "", fmt.Errorf("no stream destination configured for guild %s", guildID)
	}
	return s.Destination, nil
}

// PushTimeout is the bounded wait for one live buffer push.
func (s *StreamConfig) PushTimeout() time.Duration {
	return time.Duration(s.PushTimeoutMs) * time.Millisecond
}

var errNoScheme = errors.New("missing scheme")

func validateDestination(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		// url.Error repeats the raw URL, stream key included
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("malformed URL: %w", uerr.Err)
		}
		return errors.New("malformed URL")
	}
	if u.Scheme == "" {
		return errNoScheme
	}
	return nil
}

// Validate checks the HTTP listener settings.
func (h *HTTPConfig) Validate() error {
	if h.Enabled && h.Address == "" {
		return fmt.Errorf("address cannot be empty when http is enabled")
	}
	return nil
}

// Validate checks the capture settings.
func (c *CaptureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Dir == "" {
		return fmt.Errorf("dir cannot be empty when capture is enabled")
	}
	if c.SegmentSec <= 0 {
		return fmt.Errorf("segment_sec must be positive, got %d", c.SegmentSec)
	}
	if c.RetentionMin < 0 || c.MaxFiles < 0 {
		return fmt.Errorf("retention_min and max_files cannot be negative")
	}
	return nil
}
