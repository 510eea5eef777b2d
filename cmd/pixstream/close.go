package main

import (
	"context"
	"fmt"
	"io"

	"github.com/kapetan-io/pixstream/transport"
	"github.com/spf13/cobra"
)

var closeCommand = &cobra.Command{
	Use:   "close [flags] <ispb> <interaction-id>",
	Short: "Close a stream",
	Long: `Close the stream identified by the interaction id. Closing always
succeeds; an interaction id which does not identify an active stream closes
one of the active streams of the ISPB, if any.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunClose(cmd.Context(), flags, args[0], args[1], cmd.ErrOrStderr())
	},
}

func RunClose(ctx context.Context, flags FlagParams, ispb, interactionID string, stderr io.Writer) error {
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

	req := transport.StreamRequest{ISPB: ispb, InteractionID: interactionID}
	if err := client.StreamTerminate(ctx, &req); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	_, _ = fmt.Fprintf(stderr, "Closed stream for ispb '%s'\n", ispb)
	return nil
}
