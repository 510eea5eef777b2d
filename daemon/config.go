package daemon

import (
	"crypto/tls"
	"log/slog"

	"github.com/duh-rpc/duh-go"
	"github.com/kapetan-io/pixstream/service"
	"github.com/kapetan-io/tackle/set"
)

const DefaultListenAddress = "localhost:2319"

type Config struct {
	// Service is the config passed to service.New(). See service.Config for a list of options
	Service service.Config
	// Log is the logger used by the daemon. If Service.Log is nil it is used by the service also.
	Log *slog.Logger
	// TLS is the TLS config used for public server and clients
	TLS *duh.TLSConfig
	// ListenAddress is the address:port that pixstream will listen on for public HTTP requests
	ListenAddress string
	// InMemoryListener serves HTTP over net.Pipe connections instead of a TCP socket. Intended for testing.
	InMemoryListener bool

	// MaxProducePayloadSize is the maximum size in bytes read from a client during a produce
	// request. The default size is 1MB.
	MaxProducePayloadSize int64
}

func (c *Config) ClientTLS() *tls.Config {
	if c.TLS != nil {
		return c.TLS.ClientTLS
	}
	return nil
}

func (c *Config) ServerTLS() *tls.Config {
	if c.TLS != nil {
		return c.TLS.ServerTLS
	}
	return nil
}

func (c *Config) SetDefaults() {
	set.Default(&c.Log, slog.Default())
	set.Default(&c.Service.Log, c.Log)
	set.Default(&c.ListenAddress, DefaultListenAddress)
}
