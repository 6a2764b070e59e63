package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pasargamex/chatsync"
)

var journalPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "Directory of the pending-send journal (overrides default.journal)")
}

// mustConfig loads the config and exits when no credentials are stored.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'chatsync init <token> --user-id <id>' first.")
		os.Exit(1)
	}
	return cfg
}

func newClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chatsync.WithLogger(slog.Default()))
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// openSession builds a session from cfg. The returned cleanup closes the
// session and its journal.
func openSession(cfg *Config, reg prometheus.Registerer) (*chatsync.Session, func(), error) {
	client := newClient(cfg)
	metrics := chatsync.NewMetrics(reg)

	socketURL := cfg.Default.SocketURL
	if socketURL == "" {
		socketURL = client.BaseURL()
	}
	conn := chatsync.NewConnector(chatsync.TransportConfig{
		URL:     socketURL,
		Logger:  slog.Default(),
		Metrics: metrics,
	})

	path := journalPath
	if path == "" {
		path = cfg.Default.Journal
	}
	var journal chatsync.Journal
	if path != "" {
		j, err := chatsync.OpenJournal(path)
		if err != nil {
			return nil, nil, err
		}
		journal = j
	}

	sess, err := chatsync.NewSession(chatsync.SessionConfig{
		Self:      chatsync.UserRef{ID: cfg.Auth.UserID, Name: cfg.Auth.UserName},
		Token:     cfg.Auth.Token,
		Client:    client,
		Connector: conn,
		Journal:   journal,
		Logger:    slog.Default(),
		Metrics:   metrics,
	})
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		sess.Close()
		if journal != nil {
			if err := journal.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
		}
	}
	return sess, cleanup, nil
}

// apiError renders an API failure the way the server reported it.
func apiError(err error) error {
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("API error %s: %s", apiErr.Code, apiErr.Message)
	}
	return err
}

func peerName(c chatsync.Conversation, selfID string) string {
	peer, ok := c.Peer(selfID)
	if !ok {
		return "(no peer)"
	}
	if peer.Name != "" {
		return peer.Name
	}
	return peer.ID
}
