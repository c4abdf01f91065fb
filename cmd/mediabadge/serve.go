package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/coordinator"
	"github.com/goodtune/mediabadge/internal/database"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/metrics"
	"github.com/goodtune/mediabadge/internal/mint"
	"github.com/goodtune/mediabadge/internal/profile"
	redisstore "github.com/goodtune/mediabadge/internal/storage/redis"
	"github.com/goodtune/mediabadge/internal/systemd"
	"github.com/goodtune/mediabadge/internal/transport"
	"github.com/goodtune/mediabadge/internal/wallet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	Long: `Start the persistent coordinator with its HTTP message transport, change-event
stream, optional login and minting, and metrics endpoint.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting mediabadge")

	ctx := context.Background()

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize durable storage
	store, err := redisstore.Open(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Str("namespace", store.Namespace()).
		Msg("Storage initialized")

	// Initialize minting (optional)
	coordCfg := coordinator.Config{
		PollInterval:      config.MustDuration(cfg.Tracking.PollInterval),
		SilenceMultiplier: cfg.Tracking.SilenceMultiplier,
		GCInterval:        config.MustDuration(cfg.Tracking.GCInterval),
		RecentCompletions: cfg.Tracking.RecentCompletions,
		MintClaimTTL:      config.MustDuration(cfg.Mint.ClaimTTL),
	}

	if cfg.Mint.Endpoint != "" {
		minter, err := setupMinting(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize minting: %w", err)
		}
		coordCfg.Minter = minter
		logger.Info().
			Str("endpoint", cfg.Mint.Endpoint).
			Str("bucket", cfg.ObjectStore.Bucket).
			Msg("Minting enabled")
	} else {
		logger.Info().Msg("Minting disabled (mint.endpoint not set)")
	}

	// Initialize Coordinator
	coord := coordinator.New(store, coordCfg, nil, logger)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	logger.Info().
		Dur("silence_timeout", coordCfg.SilenceTimeout()).
		Msg("Coordinator started")

	// Initialize Transport Server
	transportConfig := transport.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		RateLimit:       cfg.RateLimit.Requests,
		RateLimitWindow: config.MustDuration(cfg.RateLimit.Window),
		RateLimitBurst:  cfg.RateLimit.Burst,
	}

	transportServer := transport.NewServer(transportConfig, coord, store, logger)

	// Initialize login (optional)
	if cfg.Database.URL != "" {
		db, err := database.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		sealer, err := wallet.NewSealer(cfg.Wallet.KeySecret)
		if err != nil {
			return fmt.Errorf("failed to initialize wallet sealer: %w", err)
		}

		profiles := profile.NewService(
			profile.NewPostgresStore(db),
			wallet.NewStore(db, sealer, cfg.Wallet.Network, logger),
			logger,
		)
		transportServer.SetAuthenticator(profiles)

		logger.Info().Str("network", cfg.Wallet.Network).Msg("Login enabled")
	}

	if sdListeners.Activated && sdListeners.HTTP != nil {
		transportServer.SetListener(sdListeners.HTTP)
	}

	if err := transportServer.Start(); err != nil {
		return fmt.Errorf("failed to start transport server: %w", err)
	}

	logger.Info().
		Str("addr", transportConfig.ListenAddr).
		Msg("Transport server started")

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics server started")

	// Log startup complete
	logger.Info().Msg("mediabadge startup complete")
	logger.Info().Msgf("Messages: http://%s%s", transportConfig.ListenAddr, transport.MessagesPath)
	logger.Info().Msgf("Events: ws://%s%s", transportConfig.ListenAddr, transport.EventsPath)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(fmt.Sprintf("%d completion(s) pending", badgeCount(ctx, coord))); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// The watchdog only pings while the mailbox answers
	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go func() {
		healthy := func(ctx context.Context) bool { return badgeCount(ctx, coord) >= 0 }
		if err := systemd.Watchdog(watchdogCtx, healthy); err != nil {
			logger.Warn().Err(err).Msg("Systemd watchdog stopped")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	stopWatchdog()
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := transportServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping transport server")
	}

	coord.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("mediabadge stopped")
	return nil
}

// badgeCount asks the coordinator for the badge counter. It returns -1 when
// the coordinator does not answer within a few seconds.
func badgeCount(ctx context.Context, coord *coordinator.Coordinator) int64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reply, err := coord.Handle(ctx, message.MustNew(message.BadgeCount, message.SourceUI, nil))
	if err != nil {
		return -1
	}
	var badge message.BadgeReply
	if err := reply.Unmarshal(&badge); err != nil {
		return -1
	}
	return badge.Badge
}

// setupMinting wires the mint endpoint client to the metadata bucket.
func setupMinting(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*mint.Service, error) {
	if cfg.ObjectStore.Bucket == "" {
		return nil, fmt.Errorf("object_store.bucket is required when mint.endpoint is set")
	}

	client, err := mint.NewClient(mint.ClientConfig{
		Endpoint: cfg.Mint.Endpoint,
		Timeout:  config.MustDuration(cfg.Mint.Timeout),
		Retries:  cfg.Mint.Retries,
	}, logger)
	if err != nil {
		return nil, err
	}

	metadata, err := mint.NewS3MetadataStore(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, err
	}

	return mint.NewService(client, metadata, logger), nil
}
