package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	sdk "github.com/cordum/tenantgate/sdk/client"
)

const defaultGateway = "http://localhost:8081"

type globalFlags struct {
	gateway string
	apiKey  string
	host    string
	tenant  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "tenantgatectl",
		Short:         "Submit and inspect tenant jobs on a tenantgate gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.gateway, "gateway", envOr("TENANTGATE_GATEWAY", defaultGateway), "gateway base URL")
	pf.StringVar(&g.apiKey, "api-key", envOr("TENANTGATE_API_KEY", ""), "tenant API key")
	pf.StringVar(&g.host, "host", envOr("TENANTGATE_HOST", ""), "Host header, e.g. acme.example.com")
	pf.StringVar(&g.tenant, "tenant", envOr("TENANTGATE_TENANT", ""), "tenant id sent as the first path segment")

	root.AddCommand(
		submitCmd(g),
		getCmd(g),
		listCmd(g),
		cancelCmd(g),
		watchCmd(g),
		tenantCmd(),
	)
	return root
}

func (g *globalFlags) client() *sdk.Client {
	c := sdk.New(strings.TrimRight(g.gateway, "/"), g.apiKey)
	c.Host = g.host
	c.Tenant = g.tenant
	return c
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
