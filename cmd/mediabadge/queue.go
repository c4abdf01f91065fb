package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/transport"
	"github.com/spf13/cobra"
)

var queueAll bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and act on the completion queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending completions",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueDismissCmd = &cobra.Command{
	Use:   "dismiss ID",
	Short: "Dismiss a completion without minting",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDismiss,
}

var queueMintCmd = &cobra.Command{
	Use:   "mint ID",
	Short: "Mint a badge for a completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueMint,
}

func init() {
	queueListCmd.Flags().BoolVarP(&queueAll, "all", "a", false, "Include dismissed completions")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDismissCmd)
	queueCmd.AddCommand(queueMintCmd)
	rootCmd.AddCommand(queueCmd)
}

// request sends one envelope to the coordinator at --server and decodes the reply into out.
func request(t message.Type, payload, out any, timeout time.Duration) error {
	env, err := message.New(t, message.SourceUI, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := transport.NewClient(serverURL, timeout, quietLogger()).Send(ctx, env)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}
	return reply.Unmarshal(out)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	var list message.CompletionListReply
	if err := request(message.CompletionList, message.CompletionListPayload{IncludeDismissed: queueAll}, &list, 10*time.Second); err != nil {
		return err
	}

	if len(list.Completions) == 0 {
		fmt.Println("No completions queued")
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	_, _ = cyan.Printf("%-36s  %-8s  %-10s  %-8s  %s\n", "ID", "TYPE", "PLATFORM", "WATCHED", "TITLE")
	for _, c := range list.Completions {
		watched := time.Duration(c.WatchSeconds * float64(time.Second)).Round(time.Second)
		line := fmt.Sprintf("%-36s  %-8s  %-10s  %-8s  %s", c.ID, c.Snapshot.MediaType, c.Snapshot.Platform, watched, c.Snapshot.Title)
		if c.Dismissed {
			_, _ = gray.Println(line + " (dismissed)")
			continue
		}
		fmt.Println(line)
	}
	return nil
}

func runQueueDismiss(cmd *cobra.Command, args []string) error {
	var badge message.BadgeReply
	if err := request(message.CompletionDismiss, message.IDPayload{ID: args[0]}, &badge, 10*time.Second); err != nil {
		return err
	}

	_, _ = color.New(color.FgYellow).Printf("Dismissed %s\n", args[0])
	fmt.Printf("Badge: %d\n", badge.Badge)
	return nil
}

func runQueueMint(cmd *cobra.Command, args []string) error {
	var minted message.MintReply
	if err := request(message.CompletionMint, message.IDPayload{ID: args[0]}, &minted, 2*time.Minute); err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Printf("✓ Minted %s\n", minted.ID)
	fmt.Printf("Transaction: %s\n", minted.TxHash)
	fmt.Printf("Metadata:    %s\n", minted.MetadataURI)
	fmt.Printf("Badge:       %d\n", minted.Badge)
	return nil
}
