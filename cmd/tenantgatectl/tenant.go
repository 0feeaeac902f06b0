package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cordum/tenantgate/core/infra/redisutil"
	"github.com/cordum/tenantgate/core/tenant"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant records in the Redis registry",
	}
	cmd.AddCommand(tenantPutCmd())
	return cmd
}

func tenantPutCmd() *cobra.Command {
	var (
		redisURL  string
		subdomain string
		status    string
		apiKeys   []string
	)
	cmd := &cobra.Command{
		Use:   "put <tenant-id>",
		Short: "Create or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tlsOpts, err := redisutil.TLSFromEnv()
			if err != nil {
				return err
			}
			client, err := redisutil.Connect(cmd.Context(), redisURL, tlsOpts)
			if err != nil {
				return err
			}
			defer client.Close()
			t := tenant.Tenant{ID: args[0], Subdomain: subdomain, Status: tenant.Status(status)}
			if err := putTenant(cmd, tenant.NewRedisRegistry(client), t, apiKeys); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVar(&redisURL, "redis", envOr("REDIS_URL", "redis://localhost:6379"), "Redis URL")
	cmd.Flags().StringVar(&subdomain, "subdomain", "", "subdomain label")
	cmd.Flags().StringVar(&status, "status", string(tenant.StatusActive), "active or suspended")
	cmd.Flags().StringSliceVar(&apiKeys, "api-key", nil, "API key to attach (repeatable)")
	return cmd
}

func putTenant(cmd *cobra.Command, w tenant.Writer, t tenant.Tenant, apiKeys []string) error {
	ctx := cmd.Context()
	if err := w.Put(ctx, t); err != nil {
		return fmt.Errorf("put tenant: %w", err)
	}
	for _, key := range apiKeys {
		if err := w.AddAPIKey(ctx, t.ID, key); err != nil {
			return fmt.Errorf("add api key: %w", err)
		}
	}
	return nil
}
