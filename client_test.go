package pixstream_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/kapetan-io/pixstream"
	"github.com/kapetan-io/pixstream/daemon"
	"github.com/kapetan-io/pixstream/service"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewClient(t *testing.T) {
	_, err := pixstream.NewClient(pixstream.ClientOptions{})
	require.EqualError(t, err, "opts.Endpoint is empty; must provide an http endpoint")
}

func TestClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := daemon.NewDaemon(ctx, daemon.Config{
		InMemoryListener: true,
		Log:              slog.New(slog.DiscardHandler),
		Service: service.Config{
			MaxActiveStreams: 1,
			LongPollWait:     10 * clock.Millisecond,
		},
	})
	require.NoError(t, err)
	defer func() { _ = d.Shutdown(context.Background()) }()
	c := d.MustClient()

	const ispb = "00000000"

	t.Run("ProduceAndStream", func(t *testing.T) {
		require.NoError(t, c.MessagesProduce(ctx, &transport.ProduceRequest{
			ISPB:     ispb,
			Messages: pixMessages(ispb, 2),
		}))

		var res transport.StreamResponse
		require.NoError(t, c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb}, &res))
		require.Len(t, res.Messages, 1)
		require.NotEmpty(t, res.InteractionID)

		t.Run("CapacityExceeded", func(t *testing.T) {
			var other transport.StreamResponse
			err := c.StreamStart(ctx, &transport.StreamRequest{ISPB: ispb}, &other)
			require.Error(t, err)
			assert.True(t, pixstream.IsCapacityExceeded(err))

			var e *pixstream.StatusError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, http.StatusTooManyRequests, e.Code)
			assert.Contains(t, e.Message, "too many active streams for ispb '00000000'")
		})

		req := transport.StreamRequest{ISPB: ispb, InteractionID: res.InteractionID, Batch: true}
		require.NoError(t, c.StreamContinue(ctx, &req, &res))
		require.Len(t, res.Messages, 1)

		req.InteractionID = res.InteractionID
		require.NoError(t, c.StreamContinue(ctx, &req, &res))
		assert.Len(t, res.Messages, 0)
		assert.NotEmpty(t, res.InteractionID)

		require.NoError(t, c.StreamTerminate(ctx, &req))

		var stats transport.StreamStats
		require.NoError(t, c.StreamStats(ctx, ispb, &stats))
		assert.Equal(t, 0, stats.Active)
		assert.Equal(t, 1, stats.MaxActive)
	})

	t.Run("List", func(t *testing.T) {
		var list transport.ListResponse
		require.NoError(t, c.MessagesList(ctx, &transport.ListRequest{ISPB: ispb, Limit: 10}, &list))
		require.Len(t, list.Items, 2)
		for _, item := range list.Items {
			assert.True(t, item.Claimed)
			assert.NotEmpty(t, item.ID)
		}
	})

	t.Run("StatusError", func(t *testing.T) {
		err := c.MessagesProduce(ctx, &transport.ProduceRequest{ISPB: "not-valid-ispb"})
		require.Error(t, err)
		assert.False(t, pixstream.IsCapacityExceeded(err))

		var e *pixstream.StatusError
		require.ErrorAs(t, err, &e)
		assert.Equal(t, http.StatusBadRequest, e.Code)
		assert.Contains(t, e.Error(), "400")
	})

	t.Run("Health", func(t *testing.T) {
		var h transport.HealthResponse
		require.NoError(t, c.Health(ctx, &h))
		assert.Equal(t, transport.HealthStatusPass, h.Status)
	})
}

func pixMessages(ispb string, count int) []*transport.PixMessage {
	var msgs []*transport.PixMessage
	for i := 0; i < count; i++ {
		msgs = append(msgs, &transport.PixMessage{
			EndToEndID: random.String("E", 31),
			Amount:     fmt.Sprintf("%d.00", i+1),
			Payer: transport.Party{
				Name: "Payer",
				ISPB: "11111111",
			},
			Payee: transport.Party{
				Name: "Payee",
				ISPB: ispb,
			},
			TxID:   random.String("tx-", 10),
			PaidAt: time.Now().UTC().Truncate(time.Second),
		})
	}
	return msgs
}
