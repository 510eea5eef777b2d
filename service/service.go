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

package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream"
	"github.com/kapetan-io/pixstream/internal"
	"github.com/kapetan-io/pixstream/internal/store"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultListLimit           = 1_000
	DefaultMaxProduceBatchSize = 1_000
)

type Config struct {
	// Log is the logging implementation used by this pixstream instance
	Log *slog.Logger
	// StorageConfig is the configured storage backends. Defaults to in memory storage.
	StorageConfig store.Config
	// MaxActiveStreams is the maximum number of active streams per ISPB. Default is 6
	MaxActiveStreams int
	// LongPollWait is how long a poll which found no messages waits before replying. Default is 8s
	LongPollWait clock.Duration
	// BatchLimit is the maximum number of messages delivered to a multipart/json poll. Default is 10
	BatchLimit int
	// CursorSecret is the key used to sign interaction ids. If empty a random key is generated,
	// which means interaction ids do not survive a restart.
	CursorSecret []byte
	// MaxClaimAttempts is the number of times a claim or session change is attempted when the
	// storage backend reports a conflict. Default is 5
	MaxClaimAttempts int
	// MaxProduceBatchSize is the maximum number of messages a client can produce in a single request
	MaxProduceBatchSize int
	// Clock is a time provider used to preform time related calculations. It is configurable so that it can
	// be overridden for testing.
	Clock *clock.Provider
}

type Service struct {
	terminator *internal.Terminator
	registry   *internal.Registry
	poller     *internal.Poller
	metrics    *metrics
	conf       Config
	log        *slog.Logger
}

func New(conf Config) (*Service, error) {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	set.Default(&conf.MaxProduceBatchSize, DefaultMaxProduceBatchSize)

	if conf.StorageConfig.Messages == nil {
		conf.StorageConfig.Messages = store.NewMemoryMessages()
	}
	if conf.StorageConfig.Sessions == nil {
		conf.StorageConfig.Sessions = store.NewMemorySessions()
	}

	if conf.MaxActiveStreams < 0 {
		return nil, transport.NewInvalidOption("MaxActiveStreams is invalid; cannot be negative")
	}
	if conf.BatchLimit < 0 {
		return nil, transport.NewInvalidOption("BatchLimit is invalid; cannot be negative")
	}

	cursors, err := internal.NewCursors(conf.CursorSecret)
	if err != nil {
		return nil, errors.Errorf("during NewCursors(): %w", err)
	}

	registry := internal.NewRegistry(internal.RegistryConfig{
		Sessions:    conf.StorageConfig.Sessions,
		MaxActive:   conf.MaxActiveStreams,
		MaxAttempts: conf.MaxClaimAttempts,
		Clock:       conf.Clock,
		Log:         conf.Log,
	})

	return &Service{
		poller: internal.NewPoller(internal.PollerConfig{
			Claims: internal.NewClaimEngine(internal.ClaimConfig{
				Messages:    conf.StorageConfig.Messages,
				MaxAttempts: conf.MaxClaimAttempts,
				Clock:       conf.Clock,
				Log:         conf.Log,
			}),
			Registry:     registry,
			Cursors:      cursors,
			LongPollWait: conf.LongPollWait,
			BatchLimit:   conf.BatchLimit,
			Clock:        conf.Clock,
			Log:          conf.Log,
		}),
		terminator: internal.NewTerminator(internal.TerminatorConfig{
			Registry: registry,
			Cursors:  cursors,
			Log:      conf.Log,
		}),
		log:      conf.Log.With(errors.OtelCodeNamespace, "Service"),
		metrics:  newMetrics(),
		registry: registry,
		conf:     conf,
	}, nil
}

func (s *Service) StreamStart(ctx context.Context, req *transport.StreamRequest,
	res *transport.StreamResponse) error {

	if err := validateISPB(req.ISPB); err != nil {
		return err
	}

	var r types.PollResult
	err := s.poller.Poll(ctx, types.PollRequest{
		Representation: representation(req.Batch),
		ISPB:           req.ISPB,
		Start:          true,
	}, &r)
	if err != nil {
		if errors.Is(err, &transport.ErrCapacityExceeded{}) {
			s.metrics.streamsRejected.Inc()
		}
		return err
	}

	if r.SessionID != "" {
		s.metrics.streamsStarted.Inc()
	}
	s.pollResult(&r, res)
	return nil
}

func (s *Service) StreamContinue(ctx context.Context, req *transport.StreamRequest,
	res *transport.StreamResponse) error {

	if err := validateISPB(req.ISPB); err != nil {
		return err
	}
	if err := validateInteractionID(req.InteractionID); err != nil {
		return err
	}

	var r types.PollResult
	err := s.poller.Poll(ctx, types.PollRequest{
		Representation: representation(req.Batch),
		InteractionID:  req.InteractionID,
		ISPB:           req.ISPB,
	}, &r)
	if err != nil {
		return err
	}

	s.pollResult(&r, res)
	return nil
}

// StreamTerminate closes a stream. It always succeeds, even if no stream was active.
func (s *Service) StreamTerminate(ctx context.Context, req *transport.StreamRequest) error {
	if s.terminator.Terminate(ctx, req.ISPB, req.InteractionID) {
		s.metrics.streamsTerminated.Inc()
	}
	return nil
}

func (s *Service) StreamStats(ctx context.Context, ispb string, res *transport.StreamStats) error {
	if err := validateISPB(ispb); err != nil {
		return err
	}

	count, err := s.registry.CountActive(ctx, ispb)
	if err != nil {
		return err
	}

	res.ISPB = ispb
	res.Active = count
	res.MaxActive = s.registry.MaxActive()
	return nil
}

func (s *Service) MessagesProduce(ctx context.Context, req *transport.ProduceRequest) error {
	if err := validateISPB(req.ISPB); err != nil {
		return err
	}

	if len(req.Messages) == 0 {
		return transport.NewInvalidOption("messages cannot be empty; at least one message is required")
	}

	if len(req.Messages) > s.conf.MaxProduceBatchSize {
		return transport.NewInvalidOption("too many messages; max batch size is '%d'",
			s.conf.MaxProduceBatchSize)
	}

	msgs := make([]*types.Message, 0, len(req.Messages))
	for i, in := range req.Messages {
		var msg types.Message
		if err := validatePixMessage(req.ISPB, in, &msg); err != nil {
			return transport.NewInvalidOption("message %d is invalid; %s", i, err)
		}
		msgs = append(msgs, &msg)
	}

	if err := s.conf.StorageConfig.Messages.Add(ctx, msgs, s.conf.Clock.Now()); err != nil {
		return err
	}
	s.metrics.messagesProduced.Add(float64(len(msgs)))
	return nil
}

func (s *Service) MessagesList(ctx context.Context, req *transport.ListRequest,
	res *transport.ListResponse) error {

	if err := validateISPB(req.ISPB); err != nil {
		return err
	}

	if req.Limit < 0 {
		return transport.NewInvalidOption("limit is invalid; cannot be negative")
	}

	opts := types.ListOptions{
		Pivot: req.Pivot,
		Limit: req.Limit,
	}
	set.Default(&opts.Limit, DefaultListLimit)

	var msgs []*types.Message
	if err := s.conf.StorageConfig.Messages.List(ctx, req.ISPB, &msgs, opts); err != nil {
		return err
	}

	res.Items = make([]*transport.StoredMessage, 0, len(msgs))
	for _, msg := range msgs {
		stored := &transport.StoredMessage{
			PixMessage: *toPixMessage(msg),
			ClaimedBy:  msg.ClaimedBy,
			CreatedAt:  msg.CreatedAt,
			Claimed:    msg.Claimed,
			ID:         msg.ID,
		}
		if msg.Claimed {
			at := msg.ClaimedAt
			stored.ClaimedAt = &at
		}
		res.Items = append(res.Items, stored)
	}
	return nil
}

func (s *Service) Health(ctx context.Context) transport.HealthResponse {
	const healthTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	ping := func(id string, fn func(context.Context) error) transport.Check {
		check := transport.Check{
			Time:          s.conf.Clock.Now().UTC().Format(time.RFC3339),
			ComponentType: "datastore",
			Status:        transport.HealthStatusPass,
			ComponentID:   id,
		}
		if err := fn(ctx); err != nil {
			s.log.Warn("health check failed", "component", id, "error", err)
			check.Status = transport.HealthStatusFail
			check.Output = err.Error()
		}
		return check
	}

	return transport.NewHealthResponse(pixstream.Version, map[string][]transport.Check{
		"storage:ping": {
			ping("messages", s.conf.StorageConfig.Messages.Ping),
			ping("sessions", s.conf.StorageConfig.Sessions.Ping),
		},
	})
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.conf.StorageConfig.Close(ctx)
}

// Describe fetches prometheus metrics to be registered
func (s *Service) Describe(ch chan<- *prometheus.Desc) {
	s.metrics.Describe(ch)
}

// Collect fetches metrics from the service for use by prometheus
func (s *Service) Collect(ch chan<- prometheus.Metric) {
	s.metrics.Collect(ch)
}

func (s *Service) pollResult(r *types.PollResult, res *transport.StreamResponse) {
	res.InteractionID = r.InteractionID
	if len(r.Messages) == 0 {
		s.metrics.longPolls.Inc()
		return
	}

	s.metrics.messagesClaimed.Add(float64(len(r.Messages)))
	res.Messages = make([]*transport.PixMessage, 0, len(r.Messages))
	for _, msg := range r.Messages {
		res.Messages = append(res.Messages, toPixMessage(msg))
	}
}

func representation(batch bool) types.Representation {
	if batch {
		return types.RepresentationBatch
	}
	return types.RepresentationSingle
}
