package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pasargamex/chatsync"
)

var (
	watchChat        string
	watchMetricsAddr string
	watchInteractive bool
)

func init() {
	watchCmd.Flags().StringVar(&watchChat, "chat", "", "Conversation to open as the active one")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Send each stdin line to the active conversation")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print live chat events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()

		reg := prometheus.NewRegistry()
		sess, cleanup, err := openSession(cfg, reg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			go serveMetrics(ctx, watchMetricsAddr, reg)
		}

		printEvents(sess, cfg.Auth.UserID)

		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = sess.Start(startCtx)
		cancel()
		if err != nil {
			return apiError(err)
		}

		if watchChat != "" {
			if err := sess.Select(ctx, watchChat); err != nil {
				return apiError(err)
			}
			for _, m := range sess.Messages(watchChat) {
				printMessage(m, cfg.Auth.UserID)
			}
		}

		if watchInteractive {
			if watchChat == "" {
				return errors.New("--interactive requires --chat")
			}
			go readLines(ctx, sess, watchChat)
		}

		<-ctx.Done()
		fmt.Println("\nDisconnecting...")
		return nil
	},
}

func printEvents(sess *chatsync.Session, selfID string) {
	sess.On(chatsync.SessionMessageNew, func(_ string, p any) {
		printMessage(p.(chatsync.Message), selfID)
	})
	sess.On(chatsync.SessionMessageUpdated, func(_ string, p any) {
		m := p.(chatsync.Message)
		fmt.Printf("  ~ %s is now %s\n", shortID(m), m.Status)
	})
	sess.On(chatsync.SessionMessageDeleted, func(_ string, p any) {
		fmt.Printf("  - message %v deleted\n", p)
	})
	sess.On(chatsync.SessionNotification, func(_ string, p any) {
		n := p.(chatsync.Notification)
		fmt.Printf("* %s [%s] %s\n", n.Title, n.ConversationID, n.Body)
	})
	sess.On(chatsync.SessionTypingChanged, func(_ string, p any) {
		t := p.(chatsync.TypingEvent)
		if len(t.Users) > 0 {
			fmt.Printf("  %s typing in %s\n", strings.Join(t.Users, ", "), t.ConversationID)
		}
	})
	sess.On(chatsync.SessionPresenceChanged, func(_ string, p any) {
		e := p.(chatsync.PresenceEvent)
		switch {
		case e.Snapshot != nil:
			fmt.Printf("  online: %s\n", strings.Join(e.Snapshot, ", "))
		case e.Online:
			fmt.Printf("  %s is online\n", e.UserID)
		default:
			fmt.Printf("  %s went offline\n", e.UserID)
		}
	})
	sess.On(chatsync.SessionNotice, func(_ string, p any) {
		n := p.(chatsync.Notice)
		fmt.Printf("# %s %s: %s (%s)\n", time.Now().Format("15:04:05"), n.State, n.Message, n.Level)
	})
}

func shortID(m chatsync.Message) string {
	if m.ID != "" && !chatsync.IsTempID(m.ID) {
		return m.ID
	}
	if len(m.CorrelationID) > 8 {
		return m.CorrelationID[:8]
	}
	return m.CorrelationID
}

func readLines(ctx context.Context, sess *chatsync.Session, chatID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		sess.Keystroke(chatID)
		if _, err := sess.Send(chatID, line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "addr", addr, "error", err)
	}
}
