package internal

import (
	"context"
	"time"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/store"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/retry"
)

const (
	LevelDebugAll = store.LevelDebugAll
	LevelDebug    = store.LevelDebug
)

const (
	MsgCapacityExceeded = "too many active streams for ispb '%s'; maximum is %d"
	MsgStorageConflict  = "storage is busy; try your request again"
)

var (
	ErrStorageConflict = transport.NewRetryRequest(MsgStorageConflict)

	conflictBackOff = retry.IntervalBackOff{
		Min:    5 * time.Millisecond,
		Max:    200 * time.Millisecond,
		Factor: 2,
		Jitter: 0.2,
	}
)

// retryOnConflict calls op until it returns something other than store.ErrConflict or the
// number of attempts is exhausted, in which case ErrStorageConflict is returned. The back off
// between attempts waits on clk.
func retryOnConflict(ctx context.Context, clk *clock.Provider, attempts int, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= attempts {
			return ErrStorageConflict
		}

		select {
		case <-clk.After(conflictBackOff.Next(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
