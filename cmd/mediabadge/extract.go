package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/extractor"
	redisstore "github.com/goodtune/mediabadge/internal/storage/redis"
	"github.com/spf13/cobra"
)

var (
	extractHTML         string
	extractWithSettings bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [flags] URL",
	Short: "Run the platform extractors against a saved page",
	Long: `Match URL against the built-in platforms and print the snapshot the tracker
would read from --html. With --with-settings, custom sites from the store are
matched as well.`,
	Example: `  mediabadge extract --html watch.html https://www.youtube.com/watch?v=abc
  mediabadge extract --with-settings --html post.html https://blog.example.com/post`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVar(&extractHTML, "html", "", "Path to the saved page (required)")
	extractCmd.Flags().BoolVar(&extractWithSettings, "with-settings", false, "Include custom sites from the store")
	_ = extractCmd.MarkFlagRequired("html")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	pageURL := args[0]

	data, err := os.ReadFile(extractHTML)
	if err != nil {
		return fmt.Errorf("failed to read page: %w", err)
	}

	registry := extractor.DefaultRegistry()
	if extractWithSettings {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		store, err := redisstore.Open(cfg.Storage.Redis)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() { _ = store.Close() }()

		settings, err := store.Settings().Get(context.Background())
		if err != nil {
			return fmt.Errorf("failed to read settings: %w", err)
		}
		registry = registry.WithCustomSites(settings.CustomSites)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	match := registry.Match(pageURL)
	if match == nil {
		_, _ = red.Println("✗ No extractor matches this URL")
		fmt.Printf("Known platforms: %s\n", strings.Join(registry.Platforms(), ", "))
		return fmt.Errorf("no match for %s", pageURL)
	}

	_, _ = cyan.Print("Platform:   ")
	fmt.Println(match.Platform)

	snap := extractor.Extract(match, extractor.Page{URL: pageURL, HTML: string(data), ObservedAt: time.Now()})
	if snap == nil {
		_, _ = red.Println("✗ Page not ready (no title found)")
		return nil
	}

	_, _ = cyan.Print("Media type: ")
	fmt.Println(snap.MediaType)
	_, _ = cyan.Print("Title:      ")
	fmt.Println(snap.Title)
	_, _ = cyan.Print("Source:     ")
	fmt.Println(snap.SourceURL)
	_, _ = cyan.Print("Progress:   ")
	if p, ok := snap.Progress(); ok {
		_, _ = green.Printf("%.1f%%\n", p)
	} else {
		fmt.Println("(unknown)")
	}
	return nil
}
