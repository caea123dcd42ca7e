package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hendrywilliam/siren-gateway/src/api"
	"github.com/hendrywilliam/siren-gateway/src/audio"
	"github.com/hendrywilliam/siren-gateway/src/gateway"
	"github.com/hendrywilliam/siren-gateway/src/logger"
	"github.com/hendrywilliam/siren-gateway/src/rest"
	"github.com/hendrywilliam/siren-gateway/src/status"
	"github.com/hendrywilliam/siren-gateway/src/utils"
	"github.com/hendrywilliam/siren-gateway/src/voice"
	"github.com/hendrywilliam/siren-gateway/src/voicemanager"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

var signals = []os.Signal{
	os.Interrupt,
	syscall.SIGINT,
	syscall.SIGTERM,
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env file", "error", err)
		os.Exit(1)
	}
	cfg, err := utils.LoadConfiguration()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(os.Stdout, level, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("siren stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg utils.AppConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	restClient := rest.NewREST(cfg.DiscordHTTPBaseURL, cfg.DiscordBotToken)
	var shard *[2]int
	if cfg.Sharded() {
		shard = &[2]int{cfg.DiscordShardID, cfg.DiscordShardCount}
	}
	g := gateway.NewGateway(gateway.DiscordArguments{
		BotToken:       cfg.DiscordBotToken,
		BotIntent:      []int{cfg.DiscordIntents},
		Shard:          shard,
		LargeThreshold: cfg.DiscordLargeThreshold,
		Compress:       cfg.DiscordCompress,
		Version:        cfg.DiscordGatewayVersion,
		HTTPBaseURL:    cfg.DiscordHTTPBaseURL,
		FetchMembers:   cfg.FetchMembers,
		URLs:           gateway.NewURLCache(api.NewGatewayAPI(restClient)),
		Logger:         log,
	})
	g.OnLifecycle(func(e gateway.LifecycleEvent) {
		if e.Kind == gateway.EventTerminal {
			log.Error("gateway cannot recover, shutting down", "event", e)
			stop()
		}
	})

	vm := voicemanager.NewVoiceManager(voicemanager.VoiceManagerArguments{
		Gateway:     g,
		VoiceStates: api.NewVoiceAPI(restClient),
		Voice: voice.NewVoiceArguments{
			Version:             cfg.DiscordVoiceGatewayVersion,
			HeartbeatMultiplier: cfg.VoiceHeartbeatMultiplier,
			Modes:               cfg.VoiceEncryptionModes,
			SelfDeaf:            true,
		},
		Logger: log,
	})
	vm.Register(g.Dispatcher())

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.StatusAddress != "" {
		server := status.NewServer(status.ServerArguments{
			Key:     cfg.StatusKey,
			Gateway: g,
			Voices:  vm,
			Logger:  log,
		})
		eg.Go(func() error {
			return server.StartServer(ctx, cfg.StatusAddress)
		})
	}
	eg.Go(func() error {
		// The gateway outlives ctx long enough for voice connections to leave.
		gatewayCtx, closeGateway := context.WithCancel(context.WithoutCancel(ctx))
		defer closeGateway()
		opening := context.AfterFunc(ctx, closeGateway)
		err := g.Open(gatewayCtx)
		opening()
		if err != nil {
			return err
		}
		log.Info("gateway ready", "user_id", g.UserID(), "session_id", g.SessionID())

		if cfg.VoiceGuildID != "" {
			if err := play(ctx, cfg, vm, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("voice playback failed", "error", err)
			}
		}
		<-ctx.Done()
		vm.LeaveAll()
		return nil
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// play joins the configured channel and streams the configured DCA file once.
func play(ctx context.Context, cfg utils.AppConfig, vm *voicemanager.VoiceManager, log *slog.Logger) error {
	conn, err := vm.Join(ctx, cfg.VoiceGuildID, cfg.VoiceChannelID, false, true)
	if err != nil {
		return err
	}
	if cfg.VoiceDCAFile == "" {
		return nil
	}
	frames := make(chan []byte, 50)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return audio.NewAudio(log).Stream(ctx, cfg.VoiceDCAFile, frames)
	})
	eg.Go(func() error {
		return conn.Play(ctx, frames)
	})
	return eg.Wait()
}
