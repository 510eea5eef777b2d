package internal

import (
	"context"
	"log/slog"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
)

const (
	DefaultLongPollWait = 8 * clock.Second
	DefaultBatchLimit   = 10
)

type PollerConfig struct {
	Registry *Registry
	Claims   *ClaimEngine
	Cursors  *Cursors
	// LongPollWait is how long a poll which found nothing waits before replying
	LongPollWait clock.Duration
	// BatchLimit is the maximum number of messages claimed for the batch representation
	BatchLimit int
	// Clock is the time provider used for the long poll wait
	Clock *clock.Provider
	// Log is the logger used by the poller
	Log *slog.Logger
}

// Poller runs a single start or continue request of a stream
type Poller struct {
	conf PollerConfig
	log  *slog.Logger
}

func NewPoller(conf PollerConfig) *Poller {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.LongPollWait, DefaultLongPollWait)
	set.Default(&conf.BatchLimit, DefaultBatchLimit)
	set.Default(&conf.Clock, clock.NewProvider())

	return &Poller{
		log:  conf.Log.With(errors.OtelCodeNamespace, "Poller"),
		conf: conf,
	}
}

// Limit returns the number of messages a poll may claim for the representation
func (p *Poller) Limit(r types.Representation) int {
	if r == types.RepresentationBatch {
		return p.conf.BatchLimit
	}
	return 1
}

// Poll claims messages for the ISPB on behalf of a stream consumer.
//
// A start request is refused with transport.ErrCapacityExceeded if the ISPB already has
// the maximum number of active sessions, otherwise a session is created before the claim.
// If the claim returns nothing the session is discarded and the poll waits LongPollWait
// before returning an empty result. Continue requests never check capacity; if the
// interaction id is bound to an active session, claims are recorded against it.
func (p *Poller) Poll(ctx context.Context, req types.PollRequest, res *types.PollResult) error {
	var session types.Session
	var provisioned, discarded bool
	var claimed []*types.Message

	if req.Start {
		count, err := p.conf.Registry.CountActive(ctx, req.ISPB)
		if err != nil {
			return err
		}
		if count >= p.conf.Registry.MaxActive() {
			return transport.NewCapacityExceeded(MsgCapacityExceeded, req.ISPB, p.conf.Registry.MaxActive())
		}

		session, err = p.conf.Registry.Create(ctx, req.ISPB, p.conf.Clock.Now())
		if err != nil {
			return err
		}
		provisioned = true
	} else if id, ok := p.conf.Cursors.Verify(req.ISPB, req.InteractionID); ok {
		s, found, err := p.conf.Registry.Resolve(ctx, req.ISPB, id)
		if err != nil {
			return err
		}
		if found {
			session = s
		}
	}

	// A new session which never claimed anything must not hold an active slot, no matter
	// how this poll exits.
	discard := func() {
		if !provisioned || discarded {
			return
		}
		discarded = true
		if err := p.conf.Registry.Discard(context.WithoutCancel(ctx), session); err != nil {
			p.log.Error("while discarding empty session", "ispb", req.ISPB,
				"session", session.ID, "error", err)
		}
	}
	defer func() {
		if len(claimed) == 0 {
			discard()
		}
	}()

	claimed, err := p.conf.Claims.ClaimBatch(ctx, req.ISPB, p.Limit(req.Representation), session.ID)
	if err != nil {
		return err
	}

	res.Representation = req.Representation
	if len(claimed) == 0 {
		discard()
		if provisioned {
			session = types.Session{}
		}

		res.InteractionID, err = p.conf.Cursors.Issue(req.ISPB, session.ID)
		if err != nil {
			return err
		}
		res.SessionID = session.ID

		p.log.LogAttrs(ctx, LevelDebug, "nothing to claim; waiting",
			slog.String("ispb", req.ISPB), slog.Duration("wait", p.conf.LongPollWait))

		select {
		case <-p.conf.Clock.After(p.conf.LongPollWait):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	if session.ID != "" {
		if err := p.conf.Registry.Touch(ctx, session, p.conf.Clock.Now()); err != nil {
			// The messages are already claimed, failing the poll would lose them
			p.log.Warn("while recording last pull", "ispb", req.ISPB,
				"session", session.ID, "error", err)
		}
	}

	res.InteractionID, err = p.conf.Cursors.Issue(req.ISPB, session.ID)
	if err != nil {
		return err
	}
	res.Messages = claimed
	res.SessionID = session.ID
	return nil
}
