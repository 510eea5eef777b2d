package internal

import (
	"context"
	"log/slog"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/store"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
)

type ClaimConfig struct {
	// Messages is where Pix messages are stored
	Messages store.Messages
	// MaxAttempts is the number of times a claim is attempted when the store reports a conflict
	MaxAttempts int
	// Clock is the time provider used to stamp claims
	Clock *clock.Provider
	// Log is the logger used by the claim engine
	Log *slog.Logger
}

// ClaimEngine hands unclaimed messages to exactly one caller
type ClaimEngine struct {
	conf ClaimConfig
	log  *slog.Logger
}

func NewClaimEngine(conf ClaimConfig) *ClaimEngine {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.MaxAttempts, DefaultMaxClaimAttempts)
	set.Default(&conf.Clock, clock.NewProvider())

	return &ClaimEngine{
		log:  conf.Log.With(errors.OtelCodeNamespace, "ClaimEngine"),
		conf: conf,
	}
}

// ClaimBatch claims up to limit unclaimed messages for the ISPB in the order they were
// produced. Concurrent calls never return the same message. Returns an empty slice if
// there is nothing to claim. A conflict that persists after all attempts returns
// ErrStorageConflict with nothing claimed.
func (e *ClaimEngine) ClaimBatch(ctx context.Context, ispb string, limit int, sessionID string) ([]*types.Message, error) {
	req := types.ClaimRequest{
		ISPB:      ispb,
		Limit:     limit,
		SessionID: sessionID,
	}

	var claimed []*types.Message
	err := retryOnConflict(ctx, e.conf.Clock, e.conf.MaxAttempts, func() error {
		claimed = claimed[:0]
		return e.conf.Messages.Claim(ctx, req, &claimed, e.conf.Clock.Now().UTC())
	})
	if err != nil {
		if errors.Is(err, ErrStorageConflict) {
			e.log.Warn("claim abandoned after repeated storage conflicts",
				"ispb", ispb, "attempts", e.conf.MaxAttempts)
		}
		return nil, err
	}

	for _, msg := range claimed {
		e.log.LogAttrs(ctx, LevelDebugAll, "claimed",
			slog.String("ispb", ispb),
			slog.String("session", sessionID),
			slog.String("id", msg.ID),
			slog.String("e2e", msg.EndToEndID))
	}
	return claimed, nil
}
