package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultKeepaliveCron pings the API every five minutes.
const DefaultKeepaliveCron = "*/5 * * * *"

// Pinger is the keepalive endpoint.
type Pinger interface {
	Keepalive(ctx context.Context) error
}

// Keepalive pings the API on a cron schedule so an idle hosted backend
// does not go to sleep while a chat session is open.
type Keepalive struct {
	expr   string
	pinger Pinger
	clock  Clock
	logger *slog.Logger
}

// NewKeepalive validates expr and returns a scheduler. An empty expr uses
// DefaultKeepaliveCron.
func NewKeepalive(expr string, pinger Pinger, clock Clock, logger *slog.Logger) (*Keepalive, error) {
	if expr == "" {
		expr = DefaultKeepaliveCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid keepalive cron expression: %s", expr)
	}
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keepalive{expr: expr, pinger: pinger, clock: clock, logger: logger}, nil
}

// Next returns the first tick strictly after t.
func (k *Keepalive) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(k.expr, t, false)
}

// Run pings on every tick until ctx is done.
func (k *Keepalive) Run(ctx context.Context) {
	for {
		now := k.clock.Now()
		next, err := k.Next(now)
		wait := next.Sub(now)
		if err != nil {
			k.logger.Error("keepalive next tick failed", "cron", k.expr, "error", err)
			wait = 30 * time.Second
		}

		tick := make(chan struct{})
		timer := k.clock.AfterFunc(wait, func() { close(tick) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-tick:
		}
		if err != nil {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := k.pinger.Keepalive(pingCtx); err != nil {
			k.logger.Warn("keepalive ping failed", "error", err)
		} else {
			k.logger.Debug("keepalive ping ok")
		}
		cancel()
	}
}
