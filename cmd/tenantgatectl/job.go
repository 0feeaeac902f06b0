package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/tenantgate/core/jobs"
	sdk "github.com/cordum/tenantgate/sdk/client"
)

func submitCmd(g *globalFlags) *cobra.Command {
	var (
		payload  string
		file     string
		priority string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Submit a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload, file)
			if err != nil {
				return err
			}
			c := g.client()
			resp, err := c.Submit(cmd.Context(), sdk.SubmitRequest{
				Type:     args[0],
				Payload:  raw,
				Priority: jobs.Priority(priority),
			})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			job, err := c.Wait(cmd.Context(), resp.JobID, 500*time.Millisecond)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "inline JSON payload")
	cmd.Flags().StringVar(&file, "file", "", "read the JSON payload from a file")
	cmd.Flags().StringVar(&priority, "priority", "", "high, normal or low")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	return cmd
}

func readPayload(inline, file string) (json.RawMessage, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--payload and --file are mutually exclusive")
	}
	data := []byte(inline)
	if file != "" {
		// #nosec G304 -- operator-provided path.
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func getCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := g.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func listCmd(g *globalFlags) *cobra.Command {
	var (
		limit  int
		cursor string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := g.client().List(cmd.Context(), limit, cursor)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), page)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED")
			for _, j := range page.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Type, j.Status, j.Priority, j.Attempts, j.CreatedAt.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total: %d\n", page.Total)
			if page.NextCursor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "next cursor: %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw page")
	return cmd
}

func cancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := g.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}
