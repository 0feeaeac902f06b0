package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/jobs"
	sdk "github.com/cordum/tenantgate/sdk/client"
)

func watchCmd(g *globalFlags) *cobra.Command {
	defaults := config.DefaultRuntime().Relay
	var (
		baseDelay   time.Duration
		maxDelay    time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job_update events for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			streamURL, err := streamURL(g.gateway, g.tenant)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			enc := json.NewEncoder(out)
			s := sdk.NewStream(sdk.StreamOptions{
				URL:         streamURL,
				APIKey:      g.apiKey,
				Host:        g.host,
				BaseDelay:   baseDelay,
				MaxDelay:    maxDelay,
				MaxAttempts: maxAttempts,
				OnState: func(st sdk.State, err error) {
					if err != nil {
						fmt.Fprintf(errOut, "stream %s: %v\n", st, err)
						return
					}
					fmt.Fprintf(errOut, "stream %s\n", st)
				},
			})
			err = s.Run(ctx, func(ev jobs.Event) { _ = enc.Encode(ev) })
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&baseDelay, "base-delay", defaults.BaseDelay, "reconnect delay per failed attempt")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", defaults.MaxDelay, "reconnect delay cap")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", defaults.MaxAttempts, "consecutive failures before giving up")
	return cmd
}

// streamURL maps the gateway base URL onto the websocket endpoint.
func streamURL(gateway, tenantID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(gateway, "/"))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	if tenantID != "" {
		u.Path += "/" + url.PathEscape(tenantID)
	}
	u.Path += "/api/v1/stream"
	return u.String(), nil
}
