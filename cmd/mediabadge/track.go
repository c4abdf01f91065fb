package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/extractor"
	"github.com/goodtune/mediabadge/internal/policy"
	"github.com/goodtune/mediabadge/internal/policy/opa"
	redisstore "github.com/goodtune/mediabadge/internal/storage/redis"
	"github.com/goodtune/mediabadge/internal/tracker"
	"github.com/goodtune/mediabadge/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	trackHTML    string
	trackPageKey string
	trackPrivate bool
)

var trackCmd = &cobra.Command{
	Use:   "track [flags] URL",
	Short: "Track a page against a running coordinator",
	Long: `Run one tracking session for URL. The page snapshot is re-read from --html on
every poll, so any tool that keeps that file current (a headless browser dump,
for example) drives the session. SIGUSR1 marks the page hidden, SIGUSR2 visible,
SIGHUP reloads tracking policies, and an interrupt ends the session.`,
	Example: `  mediabadge track --html /tmp/page.html https://www.youtube.com/watch?v=abc
  mediabadge -s http://coordinator:8080 track --html page.html --private https://www.netflix.com/watch/1`,
	Args: cobra.ExactArgs(1),
	RunE: runTrack,
}

func init() {
	trackCmd.Flags().StringVar(&trackHTML, "html", "", "Path to the page snapshot (required)")
	trackCmd.Flags().StringVar(&trackPageKey, "page-key", "", "Page key (defaults to a random id)")
	trackCmd.Flags().BoolVar(&trackPrivate, "private", false, "Treat the page as a private browsing context")
	_ = trackCmd.MarkFlagRequired("html")
	rootCmd.AddCommand(trackCmd)
}

// filePage serves a page snapshot from disk.
type filePage struct {
	url  string
	path string
}

func (p filePage) Page(ctx context.Context) (extractor.Page, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return extractor.Page{}, fmt.Errorf("read page snapshot: %w", err)
	}
	return extractor.Page{URL: p.url, HTML: string(data), ObservedAt: time.Now()}, nil
}

func runTrack(cmd *cobra.Command, args []string) error {
	pageURL := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	// Settings gate tracking and supply custom sites
	store, err := redisstore.Open(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	engine, err := opa.NewEngine(cfg.Tracking.PolicyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	gate := policy.NewGate(engine, store.Settings(), cfg.Tracking.ExcludedHosts, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	registry := extractor.DefaultRegistry().WithCustomSites(settings.CustomSites)

	if registry.Match(pageURL) == nil {
		return fmt.Errorf("no extractor matches %s", pageURL)
	}

	pageKey := trackPageKey
	if pageKey == "" {
		pageKey = uuid.NewString()
	}

	manager := tracker.NewManager(
		tracker.Config{
			PageKey:             pageKey,
			PollInterval:        config.MustDuration(cfg.Tracking.PollInterval),
			CompletionThreshold: cfg.Tracking.CompletionThreshold,
			HiddenGrace:         config.MustDuration(cfg.Tracking.HiddenGrace),
			Private:             trackPrivate,
		},
		registry,
		filePage{url: pageURL, path: trackHTML},
		transport.NewClient(serverURL, 10*time.Second, logger),
		gate,
		nil,
		logger,
	)

	logger.Info().
		Str("url", pageURL).
		Str("page_key", pageKey).
		Str("server", serverURL).
		Msg("Tracking page")

	visibility := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		manager.Run(ctx, visibility)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-done:
			logger.Info().Str("state", manager.State().String()).Msg("Tracking session ended")
			return nil

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info().Msg("SIGHUP received, reloading policies...")
				if err := engine.Reload(); err != nil {
					logger.Error().Err(err).Msg("Failed to reload policies")
				}
			case syscall.SIGUSR1, syscall.SIGUSR2:
				select {
				case visibility <- sig == syscall.SIGUSR2:
				case <-done:
				}
			default:
				logger.Info().Msg("Interrupt received, ending session...")
				cancel()
				<-done
				return nil
			}
		}
	}
}
