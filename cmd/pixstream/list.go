package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/spf13/cobra"
)

var listCommand = &cobra.Command{
	Use:   "list [flags] <ispb>",
	Short: "List stored messages of an ISPB",
	Long: `List the stored messages of an ISPB in the order they were produced,
including their claim state. Outputs the messages as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunList(cmd.Context(), flags, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	listCommand.Flags().IntVar(&flags.Limit, "limit",
		100, "Maximum results to return")
	listCommand.Flags().StringVar(&flags.Pivot, "pivot",
		"", "Pagination pivot")
}

func RunList(ctx context.Context, flags FlagParams, ispb string, stdout, stderr io.Writer) error {
	client, err := createClient(flags)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.CloseIdleConnections()

	ctx, cancel, err := requestContext(ctx, flags)
	if err != nil {
		return err
	}
	defer cancel()

	var resp transport.ListResponse
	req := transport.ListRequest{ISPB: ispb, Pivot: flags.Pivot, Limit: flags.Limit}
	if err := client.MessagesList(ctx, &req, &resp); err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	_, _ = fmt.Fprintln(stdout, string(b))

	var claimed int64
	for _, item := range resp.Items {
		if item.Claimed {
			claimed++
		}
	}
	_, _ = fmt.Fprintf(stderr, "Found %s message(s), %s claimed\n",
		humanize.Comma(int64(len(resp.Items))), humanize.Comma(claimed))
	if n := len(resp.Items); n != 0 {
		_, _ = fmt.Fprintf(stderr, "Most recent produced %s\n", humanize.Time(resp.Items[n-1].CreatedAt))
	}
	return nil
}
