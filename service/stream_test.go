package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/duh-rpc/duh-go/retry"
	"github.com/kapetan-io/pixstream"
	"github.com/kapetan-io/pixstream/internal/store"
	svc "github.com/kapetan-io/pixstream/service"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStream(t *testing.T) {
	for _, tc := range storageBackends() {
		t.Run(tc.Name, func(t *testing.T) {
			testStream(t, tc.Setup)
		})
	}
}

func testStream(t *testing.T, setup func(t testing.TB) store.Config) {
	const ispb = "12345678"

	t.Run("SingleBatchNoContent", func(t *testing.T) {
		d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{StorageConfig: setup(t)})
		defer d.Shutdown(t)

		produced := randomPixMessages(ispb, 3)
		require.NoError(t, c.MessagesProduce(ctx, &transport.ProduceRequest{ISPB: ispb, Messages: produced}))

		var start transport.StreamResponse
		require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb}, &start))
		require.Len(t, start.Messages, 1)
		assert.NotEmpty(t, start.InteractionID)
		assert.Equal(t, produced[0].EndToEndID, start.Messages[0].EndToEndID)
		assert.Equal(t, produced[0].Amount, start.Messages[0].Amount)
		assert.Equal(t, produced[0].Payer, start.Messages[0].Payer)
		assert.Equal(t, produced[0].Payee, start.Messages[0].Payee)
		assert.True(t, produced[0].PaidAt.Equal(start.Messages[0].PaidAt))

		var batch transport.StreamResponse
		require.NoError(t, c.StreamContinue(ctx, &transport.StreamRequest{
			InteractionID: start.InteractionID,
			Batch:         true,
			ISPB:          ispb,
		}, &batch))
		require.Len(t, batch.Messages, 2)
		assert.Equal(t, produced[1].EndToEndID, batch.Messages[0].EndToEndID)
		assert.Equal(t, produced[2].EndToEndID, batch.Messages[1].EndToEndID)

		var empty transport.StreamResponse
		require.NoError(t, c.StreamContinue(ctx, &transport.StreamRequest{
			InteractionID: batch.InteractionID,
			ISPB:          ispb,
		}, &empty))
		assert.Empty(t, empty.Messages)
		assert.NotEmpty(t, empty.InteractionID)
		assert.NotEqual(t, batch.InteractionID, empty.InteractionID)

		require.NoError(t, c.StreamTerminate(ctx, &transport.StreamRequest{
			InteractionID: empty.InteractionID,
			ISPB:          ispb,
		}))

		var stats transport.StreamStats
		require.NoError(t, c.StreamStats(ctx, ispb, &stats))
		assert.Equal(t, 0, stats.Active)
	})

	t.Run("BatchLimit", func(t *testing.T) {
		d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{StorageConfig: setup(t)})
		defer d.Shutdown(t)

		require.NoError(t, c.MessagesProduce(ctx, &transport.ProduceRequest{
			Messages: randomPixMessages(ispb, 15),
			ISPB:     ispb,
		}))

		var res transport.StreamResponse
		require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb, Batch: true}, &res))
		assert.Len(t, res.Messages, 10)

		require.NoError(t, c.StreamContinue(ctx, &transport.StreamRequest{
			InteractionID: res.InteractionID,
			Batch:         true,
			ISPB:          ispb,
		}, &res))
		assert.Len(t, res.Messages, 5)
	})

	t.Run("CapacityExceeded", func(t *testing.T) {
		d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{StorageConfig: setup(t)})
		defer d.Shutdown(t)

		require.NoError(t, c.MessagesProduce(ctx, &transport.ProduceRequest{
			Messages: randomPixMessages(ispb, 10),
			ISPB:     ispb,
		}))

		var cursors []string
		for i := 0; i < 6; i++ {
			var res transport.StreamResponse
			require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb}, &res))
			require.Len(t, res.Messages, 1)
			cursors = append(cursors, res.InteractionID)
		}

		var res transport.StreamResponse
		err := c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb}, &res)
		require.Error(t, err)
		assert.True(t, pixstream.IsCapacityExceeded(err))
		assert.Contains(t, err.Error(), "maximum is 6")

		var stats transport.StreamStats
		require.NoError(t, c.StreamStats(ctx, ispb, &stats))
		assert.Equal(t, transport.StreamStats{ISPB: ispb, Active: 6, MaxActive: 6}, stats)

		// Existing streams keep pulling while at capacity
		require.NoError(t, c.StreamContinue(ctx, &transport.StreamRequest{
			InteractionID: cursors[5],
			ISPB:          ispb,
		}, &res))
		assert.Len(t, res.Messages, 1)

		require.NoError(t, c.StreamTerminate(ctx, &transport.StreamRequest{
			InteractionID: cursors[0],
			ISPB:          ispb,
		}))
		require.NoError(t, c.StreamStats(ctx, ispb, &stats))
		assert.Equal(t, 5, stats.Active)

		require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb}, &res))
		assert.Len(t, res.Messages, 1)
	})

	t.Run("Exclusive", func(t *testing.T) {
		d, c, ctx := newDaemon(t, 30*clock.Second, svc.Config{StorageConfig: setup(t)})
		defer d.Shutdown(t)

		const total = 100
		require.NoError(t, c.MessagesProduce(ctx, &transport.ProduceRequest{
			Messages: randomPixMessages(ispb, total),
			ISPB:     ispb,
		}))

		var mu sync.Mutex
		seen := make(map[string]int)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				var res transport.StreamResponse
				err := c.StreamStart(gctx, &transport.StreamRequest{ISPB: ispb, Batch: i%2 == 0}, &res)
				if err != nil {
					if pixstream.IsCapacityExceeded(err) {
						return nil
					}
					return err
				}
				for len(res.Messages) != 0 {
					mu.Lock()
					for _, msg := range res.Messages {
						seen[msg.EndToEndID]++
					}
					mu.Unlock()

					err := c.StreamContinue(gctx, &transport.StreamRequest{
						InteractionID: res.InteractionID,
						Batch:         i%2 == 0,
						ISPB:          ispb,
					}, &res)
					if err != nil {
						return err
					}
				}
				return c.StreamTerminate(gctx, &transport.StreamRequest{
					InteractionID: res.InteractionID,
					ISPB:          ispb,
				})
			})
		}
		require.NoError(t, g.Wait())

		assert.Len(t, seen, total)
		for id, count := range seen {
			assert.Equal(t, 1, count, "message '%s' was delivered %d times", id, count)
		}

		var list transport.ListResponse
		require.NoError(t, c.MessagesList(ctx, &transport.ListRequest{ISPB: ispb}, &list))
		require.Len(t, list.Items, total)
		for _, item := range list.Items {
			assert.True(t, item.Claimed)
		}
	})

	t.Run("PartitionIsolation", func(t *testing.T) {
		d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{StorageConfig: setup(t)})
		defer d.Shutdown(t)

		require.NoError(t, c.MessagesProduce(ctx, &transport.ProduceRequest{
			Messages: randomPixMessages("AAAAAAAA", 5),
			ISPB:     "AAAAAAAA",
		}))

		var res transport.StreamResponse
		require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: "BBBBBBBB", Batch: true}, &res))
		assert.Empty(t, res.Messages)
		assert.NotEmpty(t, res.InteractionID)

		// The empty start does not hold a slot
		var stats transport.StreamStats
		require.NoError(t, c.StreamStats(ctx, "BBBBBBBB", &stats))
		assert.Equal(t, 0, stats.Active)

		require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: "AAAAAAAA", Batch: true}, &res))
		assert.Len(t, res.Messages, 5)
	})

	t.Run("EmptyThenClaim", func(t *testing.T) {
		d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{StorageConfig: setup(t)})
		defer d.Shutdown(t)

		var res transport.StreamResponse
		require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb}, &res))
		assert.Empty(t, res.Messages)

		produced := randomPixMessages(ispb, 1)
		require.NoError(t, c.MessagesProduce(ctx, &transport.ProduceRequest{ISPB: ispb, Messages: produced}))

		require.NoError(t, c.StreamContinue(ctx, &transport.StreamRequest{
			InteractionID: res.InteractionID,
			ISPB:          ispb,
		}, &res))
		require.Len(t, res.Messages, 1)
		assert.Equal(t, produced[0].EndToEndID, res.Messages[0].EndToEndID)
	})

	t.Run("TerminateIdempotent", func(t *testing.T) {
		d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{StorageConfig: setup(t)})
		defer d.Shutdown(t)

		for i := 0; i < 2; i++ {
			require.NoError(t, c.StreamTerminate(ctx, &transport.StreamRequest{
				InteractionID: random.String("", 16),
				ISPB:          ispb,
			}))
		}

		var stats transport.StreamStats
		require.NoError(t, c.StreamStats(ctx, ispb, &stats))
		assert.Equal(t, 0, stats.Active)
	})
}

func TestStreamInvalidRequests(t *testing.T) {
	d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{})
	defer d.Shutdown(t)

	for _, test := range []struct {
		name string
		req  transport.StreamRequest
		err  string
	}{
		{
			name: "ISPBTooLong",
			req:  transport.StreamRequest{ISPB: "1234567890", InteractionID: "abc"},
			err:  "ispb is invalid; cannot be greater than '8' characters",
		},
		{
			name: "ISPBNotAlphaNumeric",
			req:  transport.StreamRequest{ISPB: "1234.678", InteractionID: "abc"},
			err:  "ispb is invalid; '1234.678' must only contain letters and digits",
		},
		{
			name: "InteractionIDTooLong",
			req:  transport.StreamRequest{ISPB: "12345678", InteractionID: random.String("", 129)},
			err:  "interaction id is invalid; cannot be greater than '128' characters",
		},
		{
			name: "InteractionIDInvalidCharacter",
			req:  transport.StreamRequest{ISPB: "12345678", InteractionID: "abc*def"},
			err:  "interaction id is invalid; contains invalid character '*'",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			var res transport.StreamResponse
			err := c.StreamContinue(ctx, &test.req, &res)
			require.Error(t, err)

			var se *pixstream.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 400, se.Code)
			assert.Equal(t, test.err, se.Message)
		})
	}
}

func TestStreamCancelledClient(t *testing.T) {
	d, c, ctx := newDaemon(t, 10*clock.Second, svc.Config{LongPollWait: clock.Minute})
	defer d.Shutdown(t)

	// A consumer which hangs up during the long poll must not leave a session behind
	cctx, cancel := context.WithTimeout(ctx, 100*clock.Millisecond)
	defer cancel()

	var res transport.StreamResponse
	err := c.StreamStart(cctx, &transport.StreamRequest{ISPB: "12345678"}, &res)
	require.Error(t, err)

	err = retry.On(ctx, RetryTenTimes, func(ctx context.Context, i int) error {
		var stats transport.StreamStats
		if err := c.StreamStats(ctx, "12345678", &stats); err != nil {
			return err
		}
		if stats.Active != 0 {
			return fmt.Errorf("expected 0 active streams; got %d", stats.Active)
		}
		return nil
	})
	require.NoError(t, err)
}
