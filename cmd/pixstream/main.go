package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kapetan-io/pixstream"
	"github.com/spf13/cobra"
)

type FlagParams struct {
	Endpoint string
	Timeout  string

	// stream
	Batch    bool
	Follow   bool
	MaxPolls int
	Keep     bool

	// produce
	File string

	// list
	Pivot string
	Limit int
}

var flags FlagParams

var rootCmd = &cobra.Command{
	Use:   "pixstream",
	Short: "Pix message streaming server and client",
	Long: `pixstream delivers Pix messages to consumers through pull based streams.

Run 'pixstream server' to start the daemon. The remaining commands are clients
which talk to a running daemon at --endpoint.`,
	SilenceUsage: true,
	Version:      pixstream.Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.Endpoint, "endpoint", "e",
		"http://localhost:2319", "pixstream server endpoint")
	rootCmd.PersistentFlags().StringVar(&flags.Timeout, "timeout",
		"30s", "Request timeout")

	rootCmd.AddCommand(serverCommand)
	rootCmd.AddCommand(produceCommand)
	rootCmd.AddCommand(streamCommand)
	rootCmd.AddCommand(closeCommand)
	rootCmd.AddCommand(statsCommand)
	rootCmd.AddCommand(listCommand)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func createClient(flags FlagParams) (*pixstream.Client, error) {
	return pixstream.NewClient(pixstream.ClientOptions{Endpoint: flags.Endpoint})
}

func requestContext(ctx context.Context, flags FlagParams) (context.Context, context.CancelFunc, error) {
	timeout, err := time.ParseDuration(flags.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid timeout format: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, nil
}
