package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pasargamex/chatsync/devserver"
)

var (
	devAddr  string
	devUsers []string
)

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", ":8080", "Listen address")
	devserverCmd.Flags().StringArrayVar(&devUsers, "user", []string{"alice:Alice:alice-token", "bob:Bob:bob-token"}, "User as id:name:token (repeatable)")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat backend for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := devserver.New(slog.Default())
		for _, u := range devUsers {
			parts := strings.SplitN(u, ":", 3)
			if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
				return fmt.Errorf("invalid --user %q: want id:name:token", u)
			}
			srv.AddUser(parts[0], parts[1], parts[2])
			fmt.Printf("user %s (%s) token=%s\n", parts[0], parts[1], parts[2])
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("listening on %s\n", devAddr)
		if err := srv.ListenAndServe(ctx, devAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
