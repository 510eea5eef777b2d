package store

import (
	"context"
	"log/slog"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/tackle/clock"
)

const (
	LevelDebugAll = slog.LevelDebug
	LevelDebug    = slog.LevelDebug + 1
)

var (
	// ErrConflict is returned when a storage transaction collided with another transaction and
	// nothing was written. The caller may retry the operation.
	ErrConflict = errors.New("storage conflict; transaction aborted")
	// ErrMaxActive is returned by Sessions.Create when the ISPB already has the maximum
	// number of active sessions
	ErrMaxActive = errors.New("maximum number of active sessions reached")
	// ErrSessionNotExist is returned when the requested session does not exist
	ErrSessionNotExist = errors.New("session does not exist")
)

// Messages is storage for Pix messages and their claim state. Implementations must be safe
// for concurrent use, and should employ lazy storage initialization such that they make
// contact or create underlying tables only upon first invocation.
type Messages interface {
	// Add writes the messages to the store, assigning each message a unique storage ID and
	// CreatedAt. If any end-to-end id already exists, no messages are written and an
	// invalid option error is returned.
	Add(ctx context.Context, msgs []*types.Message, now clock.Time) error

	// Claim selects up to req.Limit unclaimed messages for req.ISPB in the order they were
	// added, marks them as claimed by req.SessionID and appends them to claimed. The select
	// and mark MUST be a single atomic operation; two concurrent calls must never claim the
	// same message. If the underlying storage detects a conflicting transaction it returns
	// ErrConflict and claims nothing. Claiming nothing because no messages are eligible is
	// not an error.
	Claim(ctx context.Context, req types.ClaimRequest, claimed *[]*types.Message, now clock.Time) error

	// List lists messages for an ISPB in storage order regardless of claim state. The pivot
	// is included in the results if it exists.
	List(ctx context.Context, ispb string, msgs *[]*types.Message, opts types.ListOptions) error

	// Ping returns an error if the underlying storage is unreachable
	Ping(ctx context.Context) error

	// Close any open connections or files associated with the storage system
	Close(ctx context.Context) error
}

// Sessions is storage for stream sessions. Each implementation tracks the number of active
// sessions per ISPB such that the active session cap can be enforced atomically.
type Sessions interface {
	// Create inserts a new active session if the number of active sessions for the ISPB is
	// below maxActive. The check and insert are atomic; returns ErrMaxActive if the cap
	// has been reached.
	Create(ctx context.Context, session types.Session, maxActive int) error

	// Get fetches a session. Returns ErrSessionNotExist if the session is not found for the ISPB.
	Get(ctx context.Context, ispb, id string, session *types.Session) error

	// CountActive returns the number of active sessions for the ISPB
	CountActive(ctx context.Context, ispb string) (int, error)

	// Discard hard deletes a session, releasing its active slot. Returns without error if the
	// session does not exist.
	Discard(ctx context.Context, ispb, id string) error

	// Deactivate marks a session inactive. If id is empty, the first active session found for
	// the ISPB is deactivated. Returns false if no active session matched. When a session is
	// deactivated and session is not nil, it is filled with the deactivated session.
	Deactivate(ctx context.Context, ispb, id string, session *types.Session) (bool, error)

	// Touch records the time of the most recent delivering poll
	Touch(ctx context.Context, ispb, id string, now clock.Time) error

	// Ping returns an error if the underlying storage is unreachable
	Ping(ctx context.Context) error

	// Close any open connections or files associated with the storage system
	Close(ctx context.Context) error
}

// Config is the storage configuration accepted by the service
type Config struct {
	// Messages is where Pix messages and their claim state are stored
	Messages Messages
	// Sessions is where stream sessions are stored
	Sessions Sessions
}

func (c Config) Close(ctx context.Context) error {
	var first error
	if c.Messages != nil {
		first = c.Messages.Close(ctx)
	}
	if c.Sessions != nil {
		if err := c.Sessions.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
