package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kapetan-io/pixstream/internal/store"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStorage(t *testing.T) {
	for _, tc := range storageBackends() {
		t.Run(tc.Name, func(t *testing.T) {
			testMessages(t, tc)
			testSessions(t, tc)
		})
	}
}

func testMessages(t *testing.T, tc testStorage) {
	newStore := func(t *testing.T) (store.Messages, context.Context) {
		conf := tc.Setup(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*clock.Second)
		t.Cleanup(func() {
			require.NoError(t, conf.Close(context.Background()))
			tc.Teardown()
			cancel()
		})
		return conf.Messages, ctx
	}

	t.Run("AddAndList", func(t *testing.T) {
		s, ctx := newStore(t)
		written := randomMessages("12345678", 20)
		require.NoError(t, s.Add(ctx, written, clock.Now()))

		var listed []*types.Message
		require.NoError(t, s.List(ctx, "12345678", &listed, types.ListOptions{Limit: 100}))
		require.Len(t, listed, 20)
		for i := range written {
			assert.NotEmpty(t, listed[i].ID)
			assert.Equal(t, written[i].EndToEndID, listed[i].EndToEndID)
			assert.Equal(t, written[i].Payee, listed[i].Payee)
			assert.Equal(t, written[i].Amount, listed[i].Amount)
			assert.False(t, listed[i].Claimed)
			assert.False(t, listed[i].CreatedAt.IsZero())
		}

		t.Run("Pivot", func(t *testing.T) {
			var page []*types.Message
			require.NoError(t, s.List(ctx, "12345678", &page,
				types.ListOptions{Pivot: listed[10].ID, Limit: 5}))
			require.Len(t, page, 5)
			assert.Equal(t, listed[10].ID, page[0].ID)
			assert.Equal(t, listed[14].ID, page[4].ID)
		})

		t.Run("InvalidPivot", func(t *testing.T) {
			var page []*types.Message
			err := s.List(ctx, "12345678", &page, types.ListOptions{Pivot: "not-a-ksuid", Limit: 5})
			require.Error(t, err)
			var e *transport.ErrInvalidOption
			assert.True(t, errors.As(err, &e))
		})

		t.Run("OtherPartitionEmpty", func(t *testing.T) {
			var page []*types.Message
			require.NoError(t, s.List(ctx, "87654321", &page, types.ListOptions{Limit: 5}))
			assert.Empty(t, page)
		})
	})

	t.Run("DuplicateEndToEndID", func(t *testing.T) {
		s, ctx := newStore(t)
		first := randomMessages("12345678", 1)
		require.NoError(t, s.Add(ctx, first, clock.Now()))

		dup := randomMessages("12345678", 2)
		dup[1].EndToEndID = first[0].EndToEndID
		err := s.Add(ctx, dup, clock.Now())
		require.Error(t, err)
		var e *transport.ErrInvalidOption
		assert.True(t, errors.As(err, &e))

		// Nothing from the rejected batch is written
		var listed []*types.Message
		require.NoError(t, s.List(ctx, "12345678", &listed, types.ListOptions{Limit: 10}))
		assert.Len(t, listed, 1)
	})

	t.Run("ClaimInsertionOrder", func(t *testing.T) {
		s, ctx := newStore(t)
		written := randomMessages("12345678", 5)
		require.NoError(t, s.Add(ctx, written, clock.Now()))

		var claimed []*types.Message
		require.NoError(t, claim(ctx, s, types.ClaimRequest{ISPB: "12345678", Limit: 3, SessionID: "s1"}, &claimed))
		require.Len(t, claimed, 3)
		for i := range claimed {
			assert.Equal(t, written[i].EndToEndID, claimed[i].EndToEndID)
			assert.True(t, claimed[i].Claimed)
			assert.Equal(t, "s1", claimed[i].ClaimedBy)
		}

		claimed = nil
		require.NoError(t, claim(ctx, s, types.ClaimRequest{ISPB: "12345678", Limit: 10}, &claimed))
		require.Len(t, claimed, 2)
		assert.Equal(t, written[3].EndToEndID, claimed[0].EndToEndID)
		assert.Equal(t, "", claimed[0].ClaimedBy)

		claimed = nil
		require.NoError(t, claim(ctx, s, types.ClaimRequest{ISPB: "12345678", Limit: 10}, &claimed))
		assert.Empty(t, claimed)

		// Claim state is visible through List
		var listed []*types.Message
		require.NoError(t, s.List(ctx, "12345678", &listed, types.ListOptions{Limit: 10}))
		require.Len(t, listed, 5)
		for _, msg := range listed {
			assert.True(t, msg.Claimed)
		}
		assert.Equal(t, "s1", listed[0].ClaimedBy)
	})

	t.Run("ClaimAcrossAdds", func(t *testing.T) {
		s, ctx := newStore(t)
		var written []*types.Message
		for round := 0; round < 10; round++ {
			batch := randomMessages("12345678", 5)
			require.NoError(t, s.Add(ctx, batch, clock.Now()))
			written = append(written, batch...)

			var claimed []*types.Message
			require.NoError(t, claim(ctx, s, types.ClaimRequest{ISPB: "12345678", Limit: 4}, &claimed))
			require.Len(t, claimed, 4)
		}

		// Whatever each round left behind is claimed in the order it was added
		var claimed []*types.Message
		require.NoError(t, claim(ctx, s, types.ClaimRequest{ISPB: "12345678", Limit: 100}, &claimed))
		require.Len(t, claimed, 10)
		for i := range claimed {
			assert.Equal(t, written[40+i].EndToEndID, claimed[i].EndToEndID)
		}
	})

	t.Run("ClaimPartitionIsolation", func(t *testing.T) {
		s, ctx := newStore(t)
		require.NoError(t, s.Add(ctx, randomMessages("AAAAAAAA", 3), clock.Now()))
		require.NoError(t, s.Add(ctx, randomMessages("BBBBBBBB", 3), clock.Now()))

		var claimed []*types.Message
		require.NoError(t, claim(ctx, s, types.ClaimRequest{ISPB: "AAAAAAAA", Limit: 10}, &claimed))
		require.Len(t, claimed, 3)
		for _, msg := range claimed {
			assert.Equal(t, "AAAAAAAA", msg.ISPB())
		}

		claimed = nil
		require.NoError(t, claim(ctx, s, types.ClaimRequest{ISPB: "BBBBBBBB", Limit: 10}, &claimed))
		assert.Len(t, claimed, 3)
	})

	t.Run("ClaimExclusive", func(t *testing.T) {
		s, ctx := newStore(t)
		const total = 100
		require.NoError(t, s.Add(ctx, randomMessages("12345678", total), clock.Now()))

		var mu sync.Mutex
		seen := make(map[string]int)
		var g errgroup.Group
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				for {
					var claimed []*types.Message
					if err := claim(ctx, s, types.ClaimRequest{ISPB: "12345678", Limit: 3}, &claimed); err != nil {
						return err
					}
					if len(claimed) == 0 {
						return nil
					}
					mu.Lock()
					for _, msg := range claimed {
						seen[msg.EndToEndID]++
					}
					mu.Unlock()
				}
			})
		}
		require.NoError(t, g.Wait())

		assert.Len(t, seen, total)
		for id, count := range seen {
			assert.Equal(t, 1, count, "message '%s' claimed more than once", id)
		}
	})
}

func testSessions(t *testing.T, tc testStorage) {
	newStore := func(t *testing.T) (store.Sessions, context.Context) {
		conf := tc.Setup(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*clock.Second)
		t.Cleanup(func() {
			require.NoError(t, conf.Close(context.Background()))
			tc.Teardown()
			cancel()
		})
		return conf.Sessions, ctx
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		s, ctx := newStore(t)
		session := newSession("12345678")
		require.NoError(t, s.Create(ctx, session, 6))

		var got types.Session
		require.NoError(t, s.Get(ctx, "12345678", session.ID, &got))
		assert.Equal(t, session.ID, got.ID)
		assert.Equal(t, "12345678", got.ISPB)
		assert.True(t, got.Active)
		assert.True(t, got.LastPullAt.IsZero())

		err := s.Get(ctx, "87654321", session.ID, &got)
		assert.ErrorIs(t, err, store.ErrSessionNotExist)

		count, err := s.CountActive(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("CapEnforced", func(t *testing.T) {
		s, ctx := newStore(t)
		for i := 0; i < 6; i++ {
			require.NoError(t, s.Create(ctx, newSession("12345678"), 6))
		}
		err := s.Create(ctx, newSession("12345678"), 6)
		assert.ErrorIs(t, err, store.ErrMaxActive)

		// The cap is per ISPB
		require.NoError(t, s.Create(ctx, newSession("87654321"), 6))

		count, err := s.CountActive(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, 6, count)
	})

	t.Run("CapEnforcedConcurrently", func(t *testing.T) {
		s, ctx := newStore(t)
		var mu sync.Mutex
		var created, rejected int

		var g errgroup.Group
		for i := 0; i < 20; i++ {
			g.Go(func() error {
				for {
					err := s.Create(ctx, newSession("12345678"), 6)
					if errors.Is(err, store.ErrConflict) {
						continue
					}
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						created++
					case errors.Is(err, store.ErrMaxActive):
						rejected++
					default:
						return err
					}
					return nil
				}
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 6, created)
		assert.Equal(t, 14, rejected)

		count, err := s.CountActive(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, 6, count)
	})

	t.Run("DiscardReleasesSlot", func(t *testing.T) {
		s, ctx := newStore(t)
		session := newSession("12345678")
		require.NoError(t, s.Create(ctx, session, 1))
		assert.ErrorIs(t, s.Create(ctx, newSession("12345678"), 1), store.ErrMaxActive)

		require.NoError(t, s.Discard(ctx, "12345678", session.ID))
		var got types.Session
		assert.ErrorIs(t, s.Get(ctx, "12345678", session.ID, &got), store.ErrSessionNotExist)

		// Discarding again is not an error
		require.NoError(t, s.Discard(ctx, "12345678", session.ID))
		require.NoError(t, s.Create(ctx, newSession("12345678"), 1))
	})

	t.Run("Deactivate", func(t *testing.T) {
		s, ctx := newStore(t)
		now := clock.Now().UTC()
		first := newSession("12345678")
		first.CreatedAt = now
		second := newSession("12345678")
		second.CreatedAt = now.Add(clock.Second)
		require.NoError(t, s.Create(ctx, second, 6))
		require.NoError(t, s.Create(ctx, first, 6))

		// A specific session
		var closed types.Session
		ok, err := s.Deactivate(ctx, "12345678", second.ID, &closed)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, second.ID, closed.ID)
		assert.False(t, closed.Active)

		// Already inactive
		ok, err = s.Deactivate(ctx, "12345678", second.ID, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		var got types.Session
		require.NoError(t, s.Get(ctx, "12345678", second.ID, &got))
		assert.False(t, got.Active)

		// Any active session
		ok, err = s.Deactivate(ctx, "12345678", "", &closed)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.ID, closed.ID)

		// None left
		ok, err = s.Deactivate(ctx, "12345678", "", nil)
		require.NoError(t, err)
		assert.False(t, ok)

		count, err := s.CountActive(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		// Discarding an inactive session does not release a slot twice
		require.NoError(t, s.Discard(ctx, "12345678", second.ID))
		count, err = s.CountActive(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("DeactivateAfterLongHistory", func(t *testing.T) {
		s, ctx := newStore(t)
		start := clock.Now().UTC()

		for i := 0; i < 50; i++ {
			session := newSession("12345678")
			session.CreatedAt = start.Add(clock.Duration(i) * clock.Second)
			require.NoError(t, s.Create(ctx, session, 2))
			ok, err := s.Deactivate(ctx, "12345678", session.ID, nil)
			require.NoError(t, err)
			require.True(t, ok)
		}

		oldest := newSession("12345678")
		oldest.CreatedAt = start.Add(clock.Minute)
		newest := newSession("12345678")
		newest.CreatedAt = start.Add(2 * clock.Minute)
		require.NoError(t, s.Create(ctx, newest, 2))
		require.NoError(t, s.Create(ctx, oldest, 2))

		count, err := s.CountActive(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.ErrorIs(t, s.Create(ctx, newSession("12345678"), 2), store.ErrMaxActive)

		// An inactive id never falls back to another session
		var closed types.Session
		ok, err := s.Deactivate(ctx, "12345678", oldest.ID, &closed)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.Deactivate(ctx, "12345678", oldest.ID, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Deactivate(ctx, "12345678", "", &closed)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, newest.ID, closed.ID)

		count, err = s.CountActive(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("Touch", func(t *testing.T) {
		s, ctx := newStore(t)
		session := newSession("12345678")
		require.NoError(t, s.Create(ctx, session, 6))

		now := clock.Now().UTC().Truncate(clock.Second)
		require.NoError(t, s.Touch(ctx, "12345678", session.ID, now))

		var got types.Session
		require.NoError(t, s.Get(ctx, "12345678", session.ID, &got))
		assert.True(t, now.Equal(got.LastPullAt))

		err := s.Touch(ctx, "12345678", uuid.NewString(), now)
		assert.ErrorIs(t, err, store.ErrSessionNotExist)
	})
}

// claim retries on conflict the same way the claim engine does
func claim(ctx context.Context, s store.Messages, req types.ClaimRequest, claimed *[]*types.Message) error {
	for {
		err := s.Claim(ctx, req, claimed, clock.Now())
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
}

func newSession(ispb string) types.Session {
	return types.Session{
		ID:        uuid.NewString(),
		ISPB:      ispb,
		CreatedAt: clock.Now().UTC().Truncate(clock.Microsecond),
	}
}
