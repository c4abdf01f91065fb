package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/hydrate"
	"github.com/goodtune/mediabadge/internal/storage"
	redisstore "github.com/goodtune/mediabadge/internal/storage/redis"
	"github.com/goodtune/mediabadge/internal/transport"
	"github.com/spf13/cobra"
)

var statusFollow bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, settings, badge and active sessions",
	Long: `Show what a UI surface would render: durable state from the store, refreshed
from the running coordinator at --server. With --follow, keep printing as
changes arrive.`,
	RunE: runStatus,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream raw change events from a running coordinator",
	RunE:  runEvents,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Keep printing as state changes")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	h := hydrate.New(store, transport.NewClient(serverURL, 5*time.Second, logger), nil, logger)

	var mu sync.Mutex
	if statusFollow {
		h.OnChange(func(v hydrate.View) {
			mu.Lock()
			defer mu.Unlock()
			printView(v)
		})
	}

	view, err := h.Mount(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	defer h.Unmount()

	if !statusFollow {
		printView(view)
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	return nil
}

// printView prints a hydrated view with colors
func printView(v hydrate.View) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("MEDIABADGE STATUS")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	_, _ = cyan.Print("Session:        ")
	switch {
	case v.Session == nil:
		fmt.Println("(none)")
	case v.Session.IsConnected && v.Session.Account != nil:
		_, _ = green.Printf("CONNECTED (%s)\n", v.Session.AuthMethod)
		fmt.Printf("Account:        %s on %s\n", v.Session.Account.Address, v.Session.Account.Network)
		fmt.Printf("Profile:        %s\n", v.Session.ProfileRef)
	default:
		_, _ = yellow.Println("DISCONNECTED")
	}
	if v.Session != nil {
		fmt.Printf("Updated:        %s\n", time.UnixMilli(v.Session.UpdatedAtMs).Format(time.RFC3339))
	}
	fmt.Println()

	printToggle("Tracking:       ", v.Settings.TrackingEnabled, green, red)
	printToggle("Notifications:  ", v.Settings.NotificationsEnabled, green, red)
	fmt.Printf("Custom sites:   %d\n", len(v.Settings.CustomSites))
	for _, site := range v.Settings.CustomSites {
		fmt.Printf("                %s (%s)\n", site.Pattern, site.MediaType)
	}
	fmt.Println()

	_, _ = cyan.Print("Badge:          ")
	if v.Badge > 0 {
		_, _ = yellow.Printf("%d pending\n", v.Badge)
	} else {
		fmt.Println("0")
	}

	_, _ = cyan.Printf("Active:         %d session(s)\n", len(v.ActiveSessions))
	for _, s := range v.ActiveSessions {
		printSession(s)
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func printToggle(label string, on bool, onColor, offColor *color.Color) {
	fmt.Print(label)
	if on {
		_, _ = onColor.Println("ON")
	} else {
		_, _ = offColor.Println("OFF")
	}
}

func printSession(s storage.TrackingSession) {
	progress := "-"
	if p, ok := s.Snapshot.Progress(); ok {
		progress = fmt.Sprintf("%.0f%%", p)
	}
	watched := time.Duration(s.AccumulatedWatchSeconds * float64(time.Second)).Round(time.Second)

	line := fmt.Sprintf("  %-10s %-40q %6s  %s", s.Snapshot.Platform, s.Snapshot.Title, progress, watched)
	if s.Completed {
		_, _ = color.New(color.FgGreen).Println(line + "  completed")
		return
	}
	fmt.Println(line)
}

func runEvents(cmd *cobra.Command, args []string) error {
	client := transport.NewClient(serverURL, 5*time.Second, quietLogger())

	green := color.New(color.FgGreen)
	sub, err := client.Subscribe(context.Background(), func(c storage.Change) {
		_, _ = green.Printf("%s  %-16s %s\n", time.UnixMilli(c.AtMs).Format(time.TimeOnly), c.Kind, c.Key)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() { _ = sub.Close() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	return nil
}
