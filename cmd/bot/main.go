package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/onair/internal/broadcast"
	"github.com/discord-voice-lab/onair/internal/capture"
	"github.com/discord-voice-lab/onair/internal/config"
	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/mcp"
	"github.com/discord-voice-lab/onair/internal/metrics"
	"github.com/discord-voice-lab/onair/internal/pipeline"
	"github.com/discord-voice-lab/onair/internal/server"
	"github.com/discord-voice-lab/onair/internal/voice"
)

var version = "dev"

func main() {
	logging.Init()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logging.FatalExitf("failed to load config", "err", err)
	}
	sugar := logging.InitLevel(cfg.Logging.Level)
	if cfg.Discord.Token == "" {
		logging.FatalExitf("DISCORD_BOT_TOKEN required")
	}
	if !voice.DecodeAvailable {
		sugar.Warnw("built without opus support; broadcasts will carry silence")
	}

	engine, err := pipeline.NewEngine(cfg.Stream.Engine)
	if err != nil {
		logging.FatalExitf("pipeline engine unavailable", "engine", cfg.Stream.Engine, "err", err)
	}
	m := metrics.New()

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logging.FatalExitf("discordgo.New failed", "err", err)
	}
	// Guilds + GuildVoiceStates cover GUILD_CREATE and VoiceStateUpdate,
	// which is all voice receive needs.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	manager := broadcast.NewManager(broadcast.Options{
		Stream:   cfg.Stream,
		Capture:  cfg.Capture,
		Engine:   engine,
		Metrics:  m,
		Resolver: voice.NewDiscordResolver(dg),
	})
	dg.AddHandler(voiceStateHandler(manager))
	dg.AddHandler(logGatewayEvent)

	sugar.Infow("opening discord session", "intents", dg.Identify.Intents, "engine", engine.Name())
	if err := dg.Open(); err != nil {
		logging.FatalExitf("discord session open failed", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	if cfg.Capture.Enabled {
		wg.Add(1)
		capture.StartCleaner(ctx, &wg, cfg.Capture.Dir,
			time.Duration(cfg.Capture.RetentionMin)*time.Minute, time.Minute, cfg.Capture.MaxFiles)
	}

	var httpSrv *server.HTTPServer
	if cfg.HTTP.Enabled {
		captureDir := ""
		if cfg.Capture.Enabled {
			captureDir = cfg.Capture.Dir
		}
		httpSrv = server.NewHTTPServer(cfg.HTTP.Address, manager, m, mcp.NewServer(manager, captureDir, version), version)
		httpSrv.Start()
	}

	if cfg.Discord.GuildID != "" && cfg.Discord.VoiceChannelID != "" {
		autoJoin(ctx, dg, manager, cfg.Discord.GuildID, cfg.Discord.VoiceChannelID)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, closing resources")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("broadcast shutdown error", "err", err)
	}
	if httpSrv != nil {
		if err := httpSrv.Stop(shutdownCtx); err != nil {
			sugar.Warnw("HTTP server shutdown error", "err", err)
		}
	}
	cancel()
	wg.Wait()
	if err := dg.Close(); err != nil {
		sugar.Warnw("discord session close error", "err", err)
	}
	sugar.Infow("shutdown complete")
	_ = logging.Sync()
}

// broadcastStarter is the part of broadcast.Manager autoJoin needs.
type broadcastStarter interface {
	Start(ctx context.Context, guildID, channelID string, vc broadcast.VoiceConn) (*broadcast.Broadcast, error)
}

// autoJoin joins the configured channel and starts its broadcast. A
// pipeline that cannot be built leaves the channel again.
func autoJoin(ctx context.Context, j broadcast.Joiner, manager broadcastStarter, guildID, channelID string) {
	fields := append(logging.GuildFields(guildID, ""), "channel.id", channelID)
	logging.Infow("joining voice channel", fields...)
	vc, err := broadcast.JoinDiscord(j, guildID, channelID)
	if err != nil {
		logging.Warnw("voice join failed", append(fields, "err", err)...)
		return
	}
	b, err := manager.Start(ctx, guildID, channelID, vc)
	if err != nil {
		logging.Errorw("broadcast failed to start; leaving voice channel", append(fields, "err", err)...)
		if derr := vc.Disconnect(); derr != nil {
			logging.Warnw("voice disconnect error", append(fields, "err", derr)...)
		}
		return
	}
	logging.Infow("broadcast started", append(fields, "broadcast.id", b.ID, "destination", broadcast.RedactDestination(b.Destination))...)
}
