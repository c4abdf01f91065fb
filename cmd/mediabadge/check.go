package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/extractor"
	"github.com/goodtune/mediabadge/internal/policy"
	"github.com/goodtune/mediabadge/internal/policy/opa"
	"github.com/goodtune/mediabadge/internal/storage"
	redisstore "github.com/goodtune/mediabadge/internal/storage/redis"
	"github.com/spf13/cobra"
)

var (
	checkHTML    string
	checkPrivate bool
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL",
	Short: "Check whether a page would be tracked",
	Long: `Check the tracking decision for URL against the stored settings and the
tracking policies. With --html, the page is run through the extractors first so
policies that look at the platform or media type see the same facts as the tracker.`,
	Example: `  mediabadge -c config.yaml check https://www.youtube.com/watch?v=abc
  mediabadge check --private --html watch.html https://www.netflix.com/watch/1`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkHTML, "html", "", "Saved page to extract a snapshot from (optional)")
	checkCmd.Flags().BoolVar(&checkPrivate, "private", false, "Treat the page as a private browsing context")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	pageURL := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := quietLogger()

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

	ctx := context.Background()
	settings, err := store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	snap := storage.MediaSnapshot{SourceURL: pageURL}
	match := extractor.DefaultRegistry().WithCustomSites(settings.CustomSites).Match(pageURL)
	if match != nil {
		snap.Platform = match.Platform
		snap.MediaType = match.MediaType
	}
	if checkHTML != "" && match != nil {
		data, err := os.ReadFile(checkHTML)
		if err != nil {
			return fmt.Errorf("failed to read page: %w", err)
		}
		if s := extractor.Extract(match, extractor.Page{URL: pageURL, HTML: string(data), ObservedAt: time.Now()}); s != nil {
			snap = *s
		}
	}

	allow, err := gate.Allow(ctx, policy.TrackingInput{Snapshot: snap, PageURL: pageURL, Private: checkPrivate})
	if err != nil {
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}

	printCheckResult(pageURL, snap, settings, match != nil, allow)
	return nil
}

// printCheckResult prints the tracking decision with colors
func printCheckResult(pageURL string, snap storage.MediaSnapshot, settings storage.Settings, matched, allow bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("TRACKING POLICY CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("URL:        %s\n", pageURL)
	if matched {
		fmt.Printf("Platform:   %s (%s)\n", snap.Platform, snap.MediaType)
	} else {
		_, _ = yellow.Println("Platform:   (no extractor matches)")
	}
	if snap.Title != "" {
		fmt.Printf("Title:      %s\n", snap.Title)
	}
	fmt.Printf("Private:    %t\n", checkPrivate)
	fmt.Printf("Tracking:   %t\n", settings.TrackingEnabled)
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	switch {
	case !matched:
		_, _ = red.Println("IGNORE")
		fmt.Println("            → No platform recognises this page")
	case allow:
		_, _ = green.Println("TRACK")
		fmt.Println("            → A session will start on the next poll")
	default:
		_, _ = red.Println("SKIP")
		fmt.Println("            → Settings or policy exclude this page")
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
