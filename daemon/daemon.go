/*
Copyright 2024 Derrick J. Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/duh-rpc/duh-go"
	"github.com/kapetan-io/pixstream"
	"github.com/kapetan-io/pixstream/service"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Daemon struct {
	service  *service.Service
	client   *pixstream.Client
	servers  []*http.Server
	wg       sync.WaitGroup
	Listener net.Listener
	conf     Config
}

func NewDaemon(ctx context.Context, conf Config) (*Daemon, error) {
	conf.SetDefaults()

	s, err := service.New(conf.Service)
	if err != nil {
		return nil, err
	}

	conf.Log = conf.Log.With("code.namespace", "Daemon")
	d := &Daemon{
		conf:    conf,
		service: s,
	}
	return d, d.Start(ctx)
}

func (d *Daemon) Start(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(d.service)

	handler := transport.NewHTTPHandler(d.service, promhttp.InstrumentMetricHandler(
		registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	), d.conf.MaxProducePayloadSize, d.conf.Log)
	registry.MustRegister(handler)

	if d.conf.InMemoryListener {
		return d.spawnInMemory(handler)
	}

	if d.conf.ServerTLS() != nil {
		return d.spawnHTTPS(ctx, handler)
	}
	return d.spawnHTTP(ctx, handler)
}

// Shutdown stops the HTTP servers, waiting for in flight requests, then closes the storage backends.
func (d *Daemon) Shutdown(ctx context.Context) error {
	for _, srv := range d.servers {
		d.conf.Log.Info("Shutting down server", "address", srv.Addr)
		_ = srv.Shutdown(ctx)
	}
	d.wg.Wait()
	d.servers = nil

	if d.client != nil {
		d.client.CloseIdleConnections()
		d.client = nil
	}

	if err := d.service.Shutdown(ctx); err != nil {
		return err
	}
	d.conf.Log.LogAttrs(ctx, slog.LevelDebug, "Shutdown complete")
	return nil
}

func (d *Daemon) Service() *service.Service {
	return d.service
}

func (d *Daemon) MustClient() *pixstream.Client {
	c, err := d.Client()
	if err != nil {
		panic(fmt.Sprintf("failed to init daemon client - '%s'", err))
	}
	return c
}

func (d *Daemon) Client() (*pixstream.Client, error) {
	var err error
	if d.client != nil {
		return d.client, nil
	}

	if d.conf.InMemoryListener {
		listener := d.Listener.(*InMemoryListener)
		d.client, err = pixstream.NewClient(pixstream.ClientOptions{
			Endpoint: "http://inmemory",
			Client: &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
						serverConn, clientConn := net.Pipe()
						if err := listener.ServeConn(ctx, serverConn); err != nil {
							_ = serverConn.Close()
							_ = clientConn.Close()
							return nil, err
						}
						return clientConn, nil
					},
				},
			},
		})
		return d.client, err
	}

	if d.conf.TLS != nil {
		d.client, err = pixstream.NewClient(pixstream.WithTLS(d.conf.ClientTLS(), d.Listener.Addr().String()))
		return d.client, err
	}
	d.client, err = pixstream.NewClient(pixstream.WithNoTLS(d.Listener.Addr().String()))
	return d.client, err
}

func (d *Daemon) spawnInMemory(h http.Handler) error {
	listener := NewInMemoryListener()
	srv := &http.Server{
		ErrorLog:          slog.NewLogLogger(d.conf.Log.Handler(), slog.LevelError),
		ReadHeaderTimeout: 10 * time.Second,
		Addr:              listener.Addr().String(),
		Handler:           h,
	}
	d.Listener = listener

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.conf.Log.Info("HTTP Listening in memory ...")
		if err := srv.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				d.conf.Log.Error("while serving in memory HTTP", "error", err)
			}
		}
	}()

	d.servers = append(d.servers, srv)
	return nil
}

func (d *Daemon) spawnHTTPS(ctx context.Context, mux http.Handler) error {
	srv := &http.Server{
		ErrorLog:          slog.NewLogLogger(d.conf.Log.Handler(), slog.LevelError),
		TLSConfig:         d.conf.ServerTLS().Clone(),
		ReadHeaderTimeout: 10 * time.Second,
		Addr:              d.conf.ListenAddress,
		Handler:           mux,
	}

	var err error
	d.Listener, err = net.Listen("tcp", d.conf.ListenAddress)
	if err != nil {
		return fmt.Errorf("while starting HTTPS listener: %w", err)
	}
	srv.Addr = d.Listener.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.conf.Log.Info("HTTPS Listening ...", "address", d.Listener.Addr().String())
		if err := srv.ServeTLS(d.Listener, "", ""); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				d.conf.Log.Error("while starting TLS HTTP server", "error", err)
			}
		}
	}()
	if err := duh.WaitForConnect(ctx, d.Listener.Addr().String(), d.conf.ClientTLS()); err != nil {
		return err
	}

	d.servers = append(d.servers, srv)

	return nil
}

func (d *Daemon) spawnHTTP(ctx context.Context, h http.Handler) error {
	srv := &http.Server{
		ErrorLog:          slog.NewLogLogger(d.conf.Log.Handler(), slog.LevelError),
		ReadHeaderTimeout: 10 * time.Second,
		Addr:              d.conf.ListenAddress,
		Handler:           h,
	}
	var err error
	d.Listener, err = net.Listen("tcp", d.conf.ListenAddress)
	if err != nil {
		return fmt.Errorf("while starting HTTP listener: %w", err)
	}
	srv.Addr = d.Listener.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.conf.Log.Info("HTTP Listening ...", "address", d.Listener.Addr().String())
		if err := srv.Serve(d.Listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				d.conf.Log.Error("while starting HTTP server", "error", err)
			}
		}
	}()

	if err := duh.WaitForConnect(ctx, d.Listener.Addr().String(), nil); err != nil {
		return err
	}

	d.servers = append(d.servers, srv)
	return nil
}
