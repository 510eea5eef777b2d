package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/kapetan-io/pixstream"
	"github.com/kapetan-io/pixstream/config"
	"github.com/kapetan-io/pixstream/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "Start the pixstream daemon",
	Long: `Start the pixstream daemon server.

Configuration can be provided via a YAML config file, flags or PIXSTREAM_*
environment variables. Flags and environment variables override values
from the config file, for example PIXSTREAM_MAX_ACTIVE=3.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newServerViper(cmd.Flags())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return RunServer(ctx, v, cmd.OutOrStdout())
	},
}

func init() {
	f := serverCommand.Flags()
	f.StringP("config", "c", "", "YAML config file")
	f.String("listen-address", "", "address:port to listen on (default localhost:2319)")
	f.String("log-level", "", "one of (debug, info, warn, error)")
	f.String("log-handler", "", "one of (color, text, json)")
	f.String("storage-driver", "", "one of (memory, bolt, badger, postgres)")
	f.String("storage-dir", "", "data directory for the bolt and badger drivers")
	f.String("connection-string", "", "connection string for the postgres driver")
	f.Int("max-active", 0, "maximum active streams per ISPB (default 6)")
	f.Duration("long-poll-wait", 0, "time an empty poll waits before replying (default 8s)")
	f.Int("batch-limit", 0, "maximum messages per multipart/json poll (default 10)")
	f.String("cursor-secret", "", "secret used to sign interaction ids")
}

// newServerViper binds the server flags and PIXSTREAM_* environment variables
func newServerViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("PIXSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if e := v.BindPFlag(f.Name, f); e != nil && err == nil {
			err = fmt.Errorf("while binding flag '%s': %w", f.Name, e)
		}
	})
	return v, err
}

// RunServer starts the daemon and blocks until ctx is cancelled
func RunServer(ctx context.Context, v *viper.Viper, w io.Writer) error {
	file, err := config.LoadFile(v.GetString("config"))
	if err != nil {
		return fmt.Errorf("while loading config file: %w", err)
	}
	overrideFile(v, &file)

	var conf daemon.Config
	if err := config.ApplyConfigFile(ctx, &conf, file, w); err != nil {
		return fmt.Errorf("while applying config file: %w", err)
	}

	conf.Log.Info(fmt.Sprintf("pixstream %s (%s/%s)", pixstream.Version, runtime.GOARCH, runtime.GOOS))
	d, err := daemon.NewDaemon(ctx, conf)
	if err != nil {
		return fmt.Errorf("while creating daemon: %w", err)
	}
	conf.Log.Info("Server Started", "address", d.Listener.Addr().String())

	<-ctx.Done()
	return d.Shutdown(context.Background())
}

func overrideFile(v *viper.Viper, file *config.File) {
	if v.IsSet("listen-address") {
		file.ListenAddress = v.GetString("listen-address")
	}
	if v.IsSet("log-level") {
		file.Logging.Level = v.GetString("log-level")
	}
	if v.IsSet("log-handler") {
		file.Logging.Handler = v.GetString("log-handler")
	}
	if v.IsSet("storage-driver") {
		file.Storage.Driver = v.GetString("storage-driver")
	}
	for _, key := range []string{"storage-dir", "connection-string"} {
		if v.IsSet(key) {
			if file.Storage.Config == nil {
				file.Storage.Config = make(map[string]string)
			}
			file.Storage.Config[key] = v.GetString(key)
		}
	}
	if v.IsSet("max-active") {
		file.Streams.MaxActive = v.GetInt("max-active")
	}
	if v.IsSet("long-poll-wait") {
		file.Streams.LongPollWait = v.GetDuration("long-poll-wait")
	}
	if v.IsSet("batch-limit") {
		file.Streams.BatchLimit = v.GetInt("batch-limit")
	}
	if v.IsSet("cursor-secret") {
		file.Streams.CursorSecret = v.GetString("cursor-secret")
	}
}
