package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pasargamex/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsSearch string
	chatsJSON   bool

	historyJSON bool

	sendTimeout time.Duration
)

func init() {
	chatsCmd.Flags().StringVarP(&chatsSearch, "search", "s", "", "Only show conversations matching this term")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for delivery")

	rootCmd.AddCommand(chatsCmd, directCmd, historyCmd, sendCmd, blockCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var (
			chats []chatsync.Conversation
			err   error
		)
		if chatsSearch != "" {
			chats, err = client.Chats.Search(ctx, chatsSearch)
		} else {
			chats, err = client.Chats.List(ctx)
		}
		if err != nil {
			return apiError(err)
		}
		if chatsJSON {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWITH\tUNREAD\tUPDATED\tLAST MESSAGE")
		for _, c := range chats {
			last := ""
			if c.LastMessage != nil {
				last = truncate(c.LastMessage.Content, 40)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.ID, peerName(c, cfg.Auth.UserID), c.UnreadCount, humanize.Time(c.UpdatedAt), last)
		}
		return w.Flush()
	},
}

// ============================================================================
// direct
// ============================================================================

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open (or create) the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.Chats.GetOrCreateDirect(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, peerName(conv, cfg.Auth.UserID))
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print the messages of a conversation and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		detail, err := client.Chats.Get(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		if err := client.Chats.MarkRead(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: mark read failed: %v\n", apiError(err))
		}
		if historyJSON {
			return printJSON(detail.Messages)
		}
		for _, m := range detail.Messages {
			printMessage(m, cfg.Auth.UserID)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text...>",
	Short: "Send a message and wait for delivery",
	Long:  "Send a message over the socket, falling back to REST when no echo arrives in time.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		sess, cleanup, err := openSession(cfg, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := sess.Start(ctx); err != nil {
			return apiError(err)
		}

		msg, err := sess.SendAndWait(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			if msg.CorrelationID != "" {
				return fmt.Errorf("message %s still sending; it stays in the journal: %w", msg.CorrelationID, err)
			}
			return err
		}
		fmt.Printf("%s [%s] %s\n", msg.ID, msg.Status, msg.Content)
		if msg.Status == chatsync.StatusFailed {
			return fmt.Errorf("message %s not delivered; it stays in the journal for retry", msg.CorrelationID)
		}
		return nil
	},
}

// ============================================================================
// block
// ============================================================================

var blockCmd = &cobra.Command{
	Use:   "block <chat-id>",
	Short: "Toggle blocking of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		blocked, err := client.Chats.ToggleBlock(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		if blocked {
			fmt.Printf("Conversation %s blocked\n", args[0])
		} else {
			fmt.Printf("Conversation %s unblocked\n", args[0])
		}
		return nil
	},
}

func printMessage(m chatsync.Message, selfID string) {
	who := m.Sender.Name
	if who == "" {
		who = m.Sender.ID
	}
	if m.Sender.ID == selfID {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s (%s)\n", humanize.Time(m.CreatedAt), who, m.Content, m.Status)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
