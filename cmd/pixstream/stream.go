package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/kapetan-io/pixstream"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/spf13/cobra"
)

var streamCommand = &cobra.Command{
	Use:   "stream [flags] <ispb>",
	Short: "Pull Pix messages from a stream",
	Long: `Start a stream for an ISPB and pull messages from it. Each message is
written to stdout as a line of JSON.

Without --follow the command stops after the first poll which returns no
messages. If the first poll claimed messages the stream holds an active slot,
which is closed on exit unless --keep is given. With --keep the interaction id
is printed so the stream can be closed later with 'pixstream close'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return RunStream(ctx, flags, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	streamCommand.Flags().BoolVarP(&flags.Batch, "batch", "b",
		false, "Request batches of messages (multipart/json)")
	streamCommand.Flags().BoolVarP(&flags.Follow, "follow", "F",
		false, "Keep polling until interrupted")
	streamCommand.Flags().IntVar(&flags.MaxPolls, "max-polls",
		0, "Stop after this many polls (0 is unlimited)")
	streamCommand.Flags().BoolVar(&flags.Keep, "keep",
		false, "Leave the stream open on exit")
}

func RunStream(ctx context.Context, flags FlagParams, ispb string, stdout, stderr io.Writer) error {
	client, err := createClient(flags)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.CloseIdleConnections()

	enc := json.NewEncoder(stdout)
	req := transport.StreamRequest{ISPB: ispb, Batch: flags.Batch}
	var received, polls int64
	var bound bool

	for flags.MaxPolls == 0 || polls < int64(flags.MaxPolls) {
		var res transport.StreamResponse
		if err := poll(ctx, client, flags, &req, &res); err != nil {
			if ctx.Err() != nil {
				break
			}
			if pixstream.IsCapacityExceeded(err) {
				return fmt.Errorf("ispb '%s' has reached the maximum number of active streams", ispb)
			}
			return fmt.Errorf("failed to poll stream: %w", err)
		}
		// Only a start which claimed something creates a session. Later ids carry it on.
		if req.InteractionID == "" && len(res.Messages) != 0 {
			bound = true
		}
		polls++
		req.InteractionID = res.InteractionID

		for _, m := range res.Messages {
			if err := enc.Encode(m); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		}
		received += int64(len(res.Messages))

		if len(res.Messages) == 0 && !flags.Follow {
			break
		}
	}

	_, _ = fmt.Fprintf(stderr, "Received %s message(s) in %s poll(s)\n",
		humanize.Comma(received), humanize.Comma(polls))

	if req.InteractionID == "" {
		return nil
	}

	if flags.Keep {
		_, _ = fmt.Fprintf(stderr, "Interaction id: %s\n", req.InteractionID)
		return nil
	}

	// Closing an id which is not bound to a session closes some other consumer's stream
	if !bound {
		return nil
	}

	ctx, cancel, err := requestContext(context.Background(), flags)
	if err != nil {
		return err
	}
	defer cancel()
	if err := client.StreamTerminate(ctx, &req); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

func poll(ctx context.Context, c *pixstream.Client, flags FlagParams,
	req *transport.StreamRequest, res *transport.StreamResponse) error {
	ctx, cancel, err := requestContext(ctx, flags)
	if err != nil {
		return err
	}
	defer cancel()

	if req.InteractionID == "" {
		return c.StreamStart(ctx, req, res)
	}
	return c.StreamContinue(ctx, req, res)
}
