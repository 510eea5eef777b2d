// Package config provides functionality for loading and parsing pixstream
// daemon configuration from a YAML file, and applying it to a daemon.Config
// by initializing the logger and the selected storage backend.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kapetan-io/pixstream/daemon"
	"github.com/kapetan-io/pixstream/internal/store"
	"github.com/kapetan-io/tackle/color"
	"gopkg.in/yaml.v3"
)

type File struct {
	Logging       Logging `yaml:"logging"`
	Storage       Storage `yaml:"storage"`
	Streams       Streams `yaml:"streams"`
	ListenAddress string  `yaml:"listen-address"`
	// ConfigFile is the path to the config file that was loaded
	ConfigFile string `yaml:"-"`
}

type Logging struct {
	Level   string `yaml:"level"`
	Handler string `yaml:"handler"`
}

// Storage selects the backend used for both messages and sessions
type Storage struct {
	Driver string            `yaml:"driver"`
	Config map[string]string `yaml:"config"`
}

type Streams struct {
	MaxActive           int           `yaml:"max-active"`
	LongPollWait        time.Duration `yaml:"long-poll-wait"`
	BatchLimit          int           `yaml:"batch-limit"`
	CursorSecret        string        `yaml:"cursor-secret"`
	MaxProduceBatchSize int           `yaml:"max-produce-batch-size"`
}

// LoadFile reads and parses the YAML config file at path. An empty path returns an empty File.
func LoadFile(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return File{}, ErrFileNotExist{Msg: err.Error()}
	}
	defer func() { _ = f.Close() }()

	var file File
	if err := yaml.NewDecoder(f).Decode(&file); err != nil && err != io.EOF {
		return File{}, ErrYAMLParse{Msg: err.Error()}
	}
	file.ConfigFile = path
	return file, nil
}

func ApplyConfigFile(_ context.Context, conf *daemon.Config, file File, w io.Writer) error {
	if err := setupLogger(file, w, conf); err != nil {
		return err
	}

	if err := setupStorage(file, conf); err != nil {
		return err
	}

	setupStreams(file, conf)

	if file.ListenAddress != "" {
		conf.ListenAddress = file.ListenAddress
	}

	// Apply defaults if there are required config items missing from the provided config file
	conf.SetDefaults()

	if file.ConfigFile != "" {
		conf.Log.Info("Loaded config from file", "file", file.ConfigFile)
	}
	return nil
}

func setupLogger(file File, w io.Writer, d *daemon.Config) error {
	switch file.Logging.Handler {
	case "color", "":
		d.Log = slog.New(color.NewLog(&color.LogOptions{
			HandlerOptions: slog.HandlerOptions{
				Level: toLogLevel(file.Logging.Level),
			},
			Writer: w,
		}))
		return nil
	case "text":
		d.Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: toLogLevel(file.Logging.Level),
		}))
		return nil
	case "json":
		d.Log = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: toLogLevel(file.Logging.Level),
		}))
		return nil
	default:
		return fmt.Errorf("invalid handler; '%s' is not one of (color, text, json)",
			file.Logging.Handler)
	}
}

func toLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

func setupStorage(file File, d *daemon.Config) error {
	sc := &d.Service.StorageConfig
	conf := file.Storage.Config

	switch strings.ToLower(file.Storage.Driver) {
	case "memory", "":
		sc.Messages = store.NewMemoryMessages()
		sc.Sessions = store.NewMemorySessions()
	case "bolt":
		if conf["storage-dir"] == "" {
			return fmt.Errorf("invalid storage config; 'storage-dir' is required for driver 'bolt'")
		}
		bc := store.BoltConfig{StorageDir: conf["storage-dir"], Log: d.Log}
		sc.Messages = store.NewBoltMessages(bc)
		sc.Sessions = store.NewBoltSessions(bc)
	case "badger":
		if conf["storage-dir"] == "" {
			return fmt.Errorf("invalid storage config; 'storage-dir' is required for driver 'badger'")
		}
		bc := store.BadgerConfig{StorageDir: conf["storage-dir"], Log: d.Log}
		sc.Messages = store.NewBadgerMessages(bc)
		sc.Sessions = store.NewBadgerSessions(bc)
	case "postgres":
		if conf["connection-string"] == "" {
			return fmt.Errorf("invalid storage config; 'connection-string' is required for driver 'postgres'")
		}
		pc := store.PostgresConfig{ConnectionString: conf["connection-string"], Log: d.Log}
		if v, ok := conf["max-conns"]; ok {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid storage config; 'max-conns' is '%s'; must be a positive integer", v)
			}
			pc.MaxConns = int32(n)
		}
		sc.Messages = store.NewPostgresMessages(pc)
		sc.Sessions = store.NewPostgresSessions(pc)
	default:
		return ErrUnsupportedBackendDriverType{driverType: file.Storage.Driver}
	}
	return nil
}

func setupStreams(file File, d *daemon.Config) {
	s := file.Streams
	if s.MaxActive != 0 {
		d.Service.MaxActiveStreams = s.MaxActive
	}
	if s.LongPollWait != 0 {
		d.Service.LongPollWait = s.LongPollWait
	}
	if s.BatchLimit != 0 {
		d.Service.BatchLimit = s.BatchLimit
	}
	if s.CursorSecret != "" {
		d.Service.CursorSecret = []byte(s.CursorSecret)
	}
	if s.MaxProduceBatchSize != 0 {
		d.Service.MaxProduceBatchSize = s.MaxProduceBatchSize
	}
}
