package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/onair/internal/logging"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny walks a decoded JSON value and replaces values of sensitive
// keys with a placeholder. Maps and slices are modified in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// voiceEvents are the gateway events worth a debug line.
var voiceEvents = map[string]struct{}{
	"VOICE_STATE_UPDATE":  {},
	"VOICE_SERVER_UPDATE": {},
	"GUILD_CREATE":        {},
	"READY":               {},
}

// logGatewayEvent logs voice-related gateway events at debug level with
// credentials removed.
func logGatewayEvent(_ *discordgo.Session, evt *discordgo.Event) {
	if _, ok := voiceEvents[evt.Type]; !ok {
		return
	}
	var payload any = "<raw data omitted>"
	var v any
	if err := json.Unmarshal(evt.RawData, &v); err == nil {
		payload = redactAny(v)
	}
	logging.Debugw("discord event", "type", evt.Type, "seq", evt.Sequence, "payload", payload)
}

// broadcastStopper is the part of broadcast.Manager the voice state
// handler needs.
type broadcastStopper interface {
	Stop(ctx context.Context, guildID, reason string) error
}

// voiceStateHandler stops a guild's broadcast when the bot itself leaves
// (or is removed from) the voice channel.
func voiceStateHandler(m broadcastStopper) func(*discordgo.Session, *discordgo.VoiceStateUpdate) {
	return func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		if vs == nil || vs.VoiceState == nil || s.State == nil || s.State.User == nil {
			return
		}
		if vs.UserID != s.State.User.ID || vs.ChannelID != "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Stop(ctx, vs.GuildID, "bot left voice channel"); err == nil {
			logging.Infow("bot left voice channel; broadcast stopped", logging.GuildFields(vs.GuildID, "")...)
		}
	}
}
