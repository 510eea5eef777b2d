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

var statsCommand = &cobra.Command{
	Use:   "stats [flags] <ispb>",
	Short: "Show the active streams of an ISPB",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStats(cmd.Context(), flags, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func RunStats(ctx context.Context, flags FlagParams, ispb string, stdout, stderr io.Writer) error {
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

	var stats transport.StreamStats
	if err := client.StreamStats(ctx, ispb, &stats); err != nil {
		return fmt.Errorf("failed to fetch stream stats: %w", err)
	}

	b, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	_, _ = fmt.Fprintln(stdout, string(b))
	_, _ = fmt.Fprintf(stderr, "%s of %s streams active for ispb '%s'\n",
		humanize.Comma(int64(stats.Active)), humanize.Comma(int64(stats.MaxActive)), ispb)
	return nil
}
