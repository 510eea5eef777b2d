package internal

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/store"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
)

const (
	DefaultMaxActiveStreams = 6
	DefaultMaxClaimAttempts = 5
)

type RegistryConfig struct {
	// Sessions is where stream sessions are stored
	Sessions store.Sessions
	// MaxActive is the maximum number of active sessions per ISPB
	MaxActive int
	// MaxAttempts is the number of times a storage conflict is retried
	MaxAttempts int
	// Clock is the time provider used to back off between conflicting attempts
	Clock *clock.Provider
	// Log is the logger used by the registry
	Log *slog.Logger
}

// Registry manages the lifecycle of stream sessions and enforces the active
// session cap per ISPB.
type Registry struct {
	conf RegistryConfig
	log  *slog.Logger
}

func NewRegistry(conf RegistryConfig) *Registry {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.MaxActive, DefaultMaxActiveStreams)
	set.Default(&conf.MaxAttempts, DefaultMaxClaimAttempts)
	set.Default(&conf.Clock, clock.NewProvider())

	return &Registry{
		log:  conf.Log.With(errors.OtelCodeNamespace, "Registry"),
		conf: conf,
	}
}

// MaxActive returns the configured active session cap
func (r *Registry) MaxActive() int {
	return r.conf.MaxActive
}

// CountActive returns the number of active sessions for the ISPB
func (r *Registry) CountActive(ctx context.Context, ispb string) (int, error) {
	return r.conf.Sessions.CountActive(ctx, ispb)
}

// Create opens a new active session for the ISPB. Returns transport.ErrCapacityExceeded
// if the ISPB already has the maximum number of active sessions.
func (r *Registry) Create(ctx context.Context, ispb string, now clock.Time) (types.Session, error) {
	session := types.Session{
		ID:        uuid.NewString(),
		ISPB:      ispb,
		CreatedAt: now.UTC(),
	}

	err := retryOnConflict(ctx, r.conf.Clock, r.conf.MaxAttempts, func() error {
		return r.conf.Sessions.Create(ctx, session, r.conf.MaxActive)
	})
	if err != nil {
		if errors.Is(err, store.ErrMaxActive) {
			return types.Session{}, transport.NewCapacityExceeded(MsgCapacityExceeded, ispb, r.conf.MaxActive)
		}
		return types.Session{}, err
	}

	session.Active = true
	r.log.LogAttrs(ctx, LevelDebug, "session created",
		slog.String("ispb", ispb), slog.String("session", session.ID))
	return session, nil
}

// Discard removes a session which never delivered anything, releasing its active slot
func (r *Registry) Discard(ctx context.Context, session types.Session) error {
	err := retryOnConflict(ctx, r.conf.Clock, r.conf.MaxAttempts, func() error {
		return r.conf.Sessions.Discard(ctx, session.ISPB, session.ID)
	})
	if err != nil {
		return err
	}
	r.log.LogAttrs(ctx, LevelDebug, "session discarded",
		slog.String("ispb", session.ISPB), slog.String("session", session.ID))
	return nil
}

// Deactivate marks a session inactive. If id is empty the oldest active session for the
// ISPB is deactivated. Returns false if no matching active session was found.
func (r *Registry) Deactivate(ctx context.Context, ispb, id string) (types.Session, bool, error) {
	var session types.Session
	var found bool

	err := retryOnConflict(ctx, r.conf.Clock, r.conf.MaxAttempts, func() error {
		var err error
		found, err = r.conf.Sessions.Deactivate(ctx, ispb, id, &session)
		return err
	})
	if err != nil {
		return types.Session{}, false, err
	}
	return session, found, nil
}

// Resolve returns the session if it exists and is still active
func (r *Registry) Resolve(ctx context.Context, ispb, id string) (types.Session, bool, error) {
	var session types.Session
	if err := r.conf.Sessions.Get(ctx, ispb, id, &session); err != nil {
		if errors.Is(err, store.ErrSessionNotExist) {
			return types.Session{}, false, nil
		}
		return types.Session{}, false, err
	}
	if !session.Active {
		return types.Session{}, false, nil
	}
	return session, true, nil
}

// Touch records that the session delivered messages at now
func (r *Registry) Touch(ctx context.Context, session types.Session, now clock.Time) error {
	return retryOnConflict(ctx, r.conf.Clock, r.conf.MaxAttempts, func() error {
		return r.conf.Sessions.Touch(ctx, session.ISPB, session.ID, now)
	})
}
