package internal

import (
	"context"
	"log/slog"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/set"
)

type TerminatorConfig struct {
	Registry *Registry
	Cursors  *Cursors
	Log      *slog.Logger
}

// Terminator gracefully closes streams
type Terminator struct {
	conf TerminatorConfig
	log  *slog.Logger
}

func NewTerminator(conf TerminatorConfig) *Terminator {
	set.Default(&conf.Log, slog.Default())
	return &Terminator{
		log:  conf.Log.With(errors.OtelCodeNamespace, "Terminator"),
		conf: conf,
	}
}

// Terminate closes the stream identified by the interaction id. If the id is bound to a
// session only that session is closed, otherwise the oldest active session for the ISPB
// is closed. Termination is idempotent and never fails; it returns true if a session was
// deactivated by this call.
func (t *Terminator) Terminate(ctx context.Context, ispb, interactionID string) bool {
	id, bound := t.conf.Cursors.Verify(ispb, interactionID)

	session, found, err := t.conf.Registry.Deactivate(ctx, ispb, id)
	if err != nil {
		t.log.Error("while deactivating session", "ispb", ispb, "bound", bound, "error", err)
		return false
	}

	if !found {
		t.log.LogAttrs(ctx, LevelDebug, "no active session to terminate",
			slog.String("ispb", ispb), slog.Bool("bound", bound))
		return false
	}

	t.log.Info("stream terminated", "ispb", ispb, "session", session.ID,
		"created", session.CreatedAt, "last-pull", session.LastPullAt)
	return true
}
