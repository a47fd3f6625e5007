// temporal/client.go
package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"docdigest/config"
)

// Overridden in tests.
var (
	dialFunc            = client.DialContext
	dialInitialInterval = 500 * time.Millisecond
)

// Dial connects to the Temporal frontend, retrying with exponential backoff
// until cfg.TemporalDialTimeout has elapsed.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (client.Client, error) {
	opts := client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
		Logger:    NewLogger(logger),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dialInitialInterval
	b.MaxElapsedTime = cfg.TemporalDialTimeout

	var c client.Client
	op := func() error {
		var err error
		c, err = dialFunc(ctx, opts)
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Temporal not reachable, retrying", "address", cfg.TemporalAddress, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("unable to create Temporal client for %s: %w", cfg.TemporalAddress, err)
	}

	logger.Info("Temporal client connected", "address", cfg.TemporalAddress, "namespace", cfg.TemporalNamespace)
	return c, nil
}

// NewLogger adapts the process logger for the Temporal SDK.
func NewLogger(logger *slog.Logger) tlog.Logger {
	return tlog.NewStructuredLogger(logger.With("component", "temporal"))
}
