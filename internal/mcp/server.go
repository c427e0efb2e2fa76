package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/discord-voice-lab/onair/internal/broadcast"
	"github.com/discord-voice-lab/onair/internal/capture"
	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// StatusSource is the read-only view of running broadcasts the tools
// expose. *broadcast.Manager implements it.
type StatusSource interface {
	List() []broadcast.Status
	Get(guildID string) (broadcast.Status, bool)
}

// Server serves MCP over websocket connections.
type Server struct {
	srv      *sdk.Server
	upgrader websocket.Upgrader
}

// BroadcastInfo is the tool-facing form of broadcast.Status.
type BroadcastInfo struct {
	ID           string `json:"id"`
	GuildID      string `json:"guild_id"`
	GuildName    string `json:"guild_name,omitempty"`
	ChannelID    string `json:"channel_id"`
	ChannelName  string `json:"channel_name,omitempty"`
	Destination  string `json:"destination"`
	State        string `json:"state"`
	StartedAt    string `json:"started_at"`
	UptimeSec    int64  `json:"uptime_sec"`
	Frames       uint64 `json:"frames"`
	Ticks        int64  `json:"ticks"`
	Speaking     bool   `json:"speaking"`
	Participants int    `json:"participants"`
	Recording    bool   `json:"recording"`
}

func toInfo(st broadcast.Status) BroadcastInfo {
	info := BroadcastInfo{
		ID:           st.ID,
		GuildID:      st.GuildID,
		GuildName:    st.GuildName,
		ChannelID:    st.ChannelID,
		ChannelName:  st.ChannelName,
		Destination:  st.Destination,
		State:        st.State,
		Frames:       st.Frames,
		Ticks:        st.Ticks,
		Speaking:     st.Speaking,
		Participants: st.Participants,
		Recording:    st.Recording,
	}
	if !st.StartedAt.IsZero() {
		info.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
		info.UptimeSec = int64(time.Since(st.StartedAt).Seconds())
	}
	return info
}

type ListBroadcastsInput struct{}

type ListBroadcastsOutput struct {
	Broadcasts []BroadcastInfo `json:"broadcasts"`
}

type BroadcastStatusInput struct {
	GuildID string `json:"guild_id" jsonschema:"Discord guild ID of the broadcast"`
}

type ListCapturesInput struct {
	GuildID string `json:"guild_id,omitempty" jsonschema:"only list segments of this guild"`
}

type CaptureSegment struct {
	SegmentID      string `json:"segment_id"`
	BroadcastID    string `json:"broadcast_id"`
	GuildID        string `json:"guild_id"`
	WavPath        string `json:"wav_path"`
	StartedAt      string `json:"started_at"`
	DurationMs     int64  `json:"duration_ms"`
	ClippedSamples int    `json:"clipped_samples"`
}

type ListCapturesOutput struct {
	Segments []CaptureSegment `json:"segments"`
}

// NewServer registers the status tools. list_captures is only offered when
// captureDir is set.
func NewServer(src StatusSource, captureDir, version string) *Server {
	srv := sdk.NewServer(&sdk.Implementation{Name: "onair", Version: version}, nil)

	sdk.AddTool(srv, &sdk.Tool{
		Name:        "list_broadcasts",
		Description: "List active voice broadcasts with their pipeline state and frame counters.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, _ ListBroadcastsInput) (*sdk.CallToolResult, ListBroadcastsOutput, error) {
		out := ListBroadcastsOutput{Broadcasts: []BroadcastInfo{}}
		for _, st := range src.List() {
			out.Broadcasts = append(out.Broadcasts, toInfo(st))
		}
		return nil, out, nil
	})

	sdk.AddTool(srv, &sdk.Tool{
		Name:        "broadcast_status",
		Description: "Show the broadcast of one guild.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, in BroadcastStatusInput) (*sdk.CallToolResult, BroadcastInfo, error) {
		st, ok := src.Get(in.GuildID)
		if !ok {
			return nil, BroadcastInfo{}, fmt.Errorf("no broadcast for guild %q", in.GuildID)
		}
		return nil, toInfo(st), nil
	})

	if captureDir != "" {
		sdk.AddTool(srv, &sdk.Tool{
			Name:        "list_captures",
			Description: "List recorded WAV segments of the mixed stream, oldest first.",
		}, func(ctx context.Context, req *sdk.CallToolRequest, in ListCapturesInput) (*sdk.CallToolResult, ListCapturesOutput, error) {
			sidecars, err := capture.ListSidecars(captureDir)
			if err != nil {
				return nil, ListCapturesOutput{}, fmt.Errorf("list captures: %w", err)
			}
			out := ListCapturesOutput{Segments: []CaptureSegment{}}
			for _, sc := range sidecars {
				if in.GuildID != "" && sc.GuildID != in.GuildID {
					continue
				}
				out.Segments = append(out.Segments, CaptureSegment{
					SegmentID:      sc.SegmentID,
					BroadcastID:    sc.BroadcastID,
					GuildID:        sc.GuildID,
					WavPath:        sc.WavPath,
					StartedAt:      sc.StartedAt.UTC().Format(time.RFC3339),
					DurationMs:     sc.EndedAt.Sub(sc.StartedAt).Milliseconds(),
					ClippedSamples: sc.ClippedSamples,
				})
			}
			return nil, out, nil
		})
	}

	return &Server{srv: srv}
}

// ServeHTTP upgrades the request to a websocket and serves one MCP session
// on it until the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	go func() {
		ss, err := s.srv.Connect(context.Background(), newWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("mcp: session connect failed", "err", err)
			_ = conn.Close()
			return
		}
		logging.Debugw("mcp: session started", "session_id", ss.ID(), "remote", r.RemoteAddr)
		if err := ss.Wait(); err != nil {
			logging.Debugw("mcp: session ended", "session_id", ss.ID(), "err", err)
		}
	}()
}
