package broadcast

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// VoiceConn is the part of a discordgo voice connection a broadcast uses.
type VoiceConn interface {
	Packets() <-chan *discordgo.Packet
	OnSpeaking(h func(*discordgo.VoiceConnection, *discordgo.VoiceSpeakingUpdate))
	Disconnect() error
}

type discordVoice struct {
	vc *discordgo.VoiceConnection
}

// NewDiscordVoice adapts a joined voice connection.
func NewDiscordVoice(vc *discordgo.VoiceConnection) VoiceConn {
	return &discordVoice{vc: vc}
}

func (d *discordVoice) Packets() <-chan *discordgo.Packet { return d.vc.OpusRecv }

func (d *discordVoice) OnSpeaking(h func(*discordgo.VoiceConnection, *discordgo.VoiceSpeakingUpdate)) {
	d.vc.AddHandler(h)
}

func (d *discordVoice) Disconnect() error { return d.vc.Disconnect() }

// Joiner joins voice channels; *discordgo.Session implements it.
type Joiner interface {
	ChannelVoiceJoin(gID, cID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
}

// JoinDiscord joins channelID undeafened (receiving audio requires it) and
// wraps the connection.
func JoinDiscord(j Joiner, guildID, channelID string) (VoiceConn, error) {
	vc, err := j.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("join voice channel %s in guild %s: %w", channelID, guildID, err)
	}
	return NewDiscordVoice(vc), nil
}
