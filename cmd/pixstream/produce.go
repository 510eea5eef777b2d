package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/spf13/cobra"
)

var produceCommand = &cobra.Command{
	Use:   "produce [flags] <ispb>",
	Short: "Produce Pix messages for an ISPB",
	Long: `Produce Pix messages for an ISPB. Reads a JSON object or an array of
objects from stdin, or from the file given with --file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunProduce(cmd.Context(), flags, args[0], cmd.InOrStdin(), cmd.ErrOrStderr())
	},
}

func init() {
	produceCommand.Flags().StringVarP(&flags.File, "file", "f",
		"", "JSON file of messages (if not provided, reads from stdin)")
}

func RunProduce(ctx context.Context, flags FlagParams, ispb string, stdin io.Reader, stderr io.Writer) error {
	client, err := createClient(flags)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.CloseIdleConnections()

	var payload []byte
	if flags.File != "" {
		payload, err = os.ReadFile(flags.File)
	} else {
		payload, err = io.ReadAll(stdin)
	}
	if err != nil {
		return fmt.Errorf("failed to read messages: %w", err)
	}

	msgs, err := decodeMessages(payload)
	if err != nil {
		return err
	}

	ctx, cancel, err := requestContext(ctx, flags)
	if err != nil {
		return err
	}
	defer cancel()

	if err := client.MessagesProduce(ctx, &transport.ProduceRequest{ISPB: ispb, Messages: msgs}); err != nil {
		return fmt.Errorf("failed to produce messages: %w", err)
	}

	_, _ = fmt.Fprintf(stderr, "Produced %s message(s) for ispb '%s' (%s)\n",
		humanize.Comma(int64(len(msgs))), ispb, humanize.Bytes(uint64(len(payload))))
	return nil
}

// decodeMessages accepts either a single JSON object or an array of objects
func decodeMessages(payload []byte) ([]*transport.PixMessage, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	var msgs []*transport.PixMessage
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &msgs); err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
		return msgs, nil
	}

	var msg transport.PixMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return append(msgs, &msg), nil
}
