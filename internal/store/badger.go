package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/segmentio/ksuid"
)

// Key prefixes used within the badger databases
const (
	badgerMessage   = "m/"
	badgerUnclaimed = "u/"
	badgerE2E       = "e/"
	badgerSession   = "s/"
	badgerCapacity  = "c/"
)

type BadgerConfig struct {
	// StorageDir is the directory where badger will store its data
	StorageDir string
	// Log is used to log warnings and errors
	Log *slog.Logger
	// InMemory runs badger without writing to disk, useful for testing
	InMemory bool
}

// ---------------------------------------------
// Messages Implementation
// ---------------------------------------------

type BadgerMessages struct {
	conf BadgerConfig
	mu   sync.Mutex
	uid  ksuid.KSUID
	db   *badger.DB
}

var _ Messages = &BadgerMessages{}

func NewBadgerMessages(conf BadgerConfig) *BadgerMessages {
	set.Default(&conf.Log, slog.Default())
	return &BadgerMessages{conf: conf, uid: ksuid.New()}
}

func (b *BadgerMessages) Add(_ context.Context, msgs []*types.Message, now clock.Time) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		for _, msg := range msgs {
			_, err := txn.Get([]byte(badgerE2E + msg.EndToEndID))
			if err == nil {
				return transport.NewInvalidOption("invalid message; end-to-end id '%s' already exists",
					msg.EndToEndID)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return errors.Errorf("during Get(): %w", err)
			}

			b.mu.Lock()
			b.uid = b.uid.Next()
			msg.ID = b.uid.String()
			b.mu.Unlock()
			msg.CreatedAt = now.UTC()

			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
				return errors.Errorf("during gob.Encode(): %w", err)
			}

			key := partitionKey(msg.ISPB(), msg.ID)
			if err := txn.Set(badgerKey(badgerMessage, key), buf.Bytes()); err != nil {
				return errors.Errorf("during Set(): %w", err)
			}
			if err := txn.Set(badgerKey(badgerUnclaimed, key), []byte{}); err != nil {
				return errors.Errorf("during Set(): %w", err)
			}
			if err := txn.Set([]byte(badgerE2E+msg.EndToEndID), key); err != nil {
				return errors.Errorf("during Set(): %w", err)
			}
		}
		return nil
	})
	return badgerConflict(err)
}

func (b *BadgerMessages) Claim(_ context.Context, req types.ClaimRequest, claimed *[]*types.Message,
	now clock.Time) error {

	db, err := b.getDB()
	if err != nil {
		return err
	}

	var results []*types.Message
	err = db.Update(func(txn *badger.Txn) error {
		prefix := badgerKey(badgerUnclaimed, partitionPrefix(req.ISPB))

		// Every key read by the iterator is tracked by the transaction, so a concurrent
		// claim of any of these messages causes one of the commits to fail with ErrConflict.
		var keys [][]byte
		iter := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: false,
			PrefetchSize:   100,
			Prefix:         prefix,
		})
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			if len(keys) >= req.Limit {
				break
			}
			keys = append(keys, iter.Item().KeyCopy(nil))
		}
		iter.Close()

		for _, key := range keys {
			msgKey := badgerKey(badgerMessage, key[len(badgerUnclaimed):])
			kvItem, err := txn.Get(msgKey)
			if err != nil {
				return errors.Errorf("during Get(): %w", err)
			}

			var v []byte
			v, err = kvItem.ValueCopy(v)
			if err != nil {
				return errors.Errorf("during ValueCopy(): %w", err)
			}

			msg := new(types.Message)
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(msg); err != nil {
				return errors.Errorf("during Decode(): %w", err)
			}

			msg.Claimed = true
			msg.ClaimedBy = req.SessionID
			msg.ClaimedAt = now.UTC()

			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
				return errors.Errorf("during gob.Encode(): %w", err)
			}
			if err := txn.Set(msgKey, buf.Bytes()); err != nil {
				return errors.Errorf("during Set(): %w", err)
			}
			if err := txn.Delete(key); err != nil {
				return errors.Errorf("during Delete(): %w", err)
			}
			results = append(results, msg)
		}
		return nil
	})
	if err != nil {
		return badgerConflict(err)
	}
	*claimed = append(*claimed, results...)
	return nil
}

func (b *BadgerMessages) List(_ context.Context, ispb string, msgs *[]*types.Message, opts types.ListOptions) error {
	if opts.Pivot != "" {
		if _, err := ksuid.Parse(opts.Pivot); err != nil {
			return transport.NewInvalidOption("invalid storage id; '%s': %s", opts.Pivot, err)
		}
	}

	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(txn *badger.Txn) error {
		prefix := badgerKey(badgerMessage, partitionPrefix(ispb))
		start := prefix
		if opts.Pivot != "" {
			start = badgerKey(badgerMessage, partitionKey(ispb, opts.Pivot))
		}

		var count int
		iter := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         prefix,
		})
		defer iter.Close()

		for iter.Seek(start); iter.ValidForPrefix(prefix); iter.Next() {
			if count >= opts.Limit {
				return nil
			}

			var v []byte
			v, err := iter.Item().ValueCopy(v)
			if err != nil {
				return errors.Errorf("during ValueCopy(): %w", err)
			}

			msg := new(types.Message)
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(msg); err != nil {
				return errors.Errorf("during Decode(): %w", err)
			}
			*msgs = append(*msgs, msg)
			count++
		}
		return nil
	})
}

func (b *BadgerMessages) Ping(_ context.Context) error {
	_, err := b.getDB()
	return err
}

func (b *BadgerMessages) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		return err
	}
	return nil
}

func (b *BadgerMessages) getDB() (*badger.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := openBadger(b.conf, "pix-messages")
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

// ---------------------------------------------
// Sessions Implementation
// ---------------------------------------------

type BadgerSessions struct {
	conf BadgerConfig
	mu   sync.Mutex
	db   *badger.DB
}

var _ Sessions = &BadgerSessions{}

func NewBadgerSessions(conf BadgerConfig) *BadgerSessions {
	set.Default(&conf.Log, slog.Default())
	return &BadgerSessions{conf: conf}
}

func (b *BadgerSessions) Create(_ context.Context, session types.Session, maxActive int) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		active, err := b.count(txn, session.ISPB)
		if err != nil {
			return err
		}
		if active >= int64(maxActive) {
			return ErrMaxActive
		}

		session.Active = true
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(session); err != nil {
			return errors.Errorf("during gob.Encode(): %w", err)
		}

		if err := txn.Set(badgerKey(badgerSession, partitionKey(session.ISPB, session.ID)), buf.Bytes()); err != nil {
			return errors.Errorf("during Set(): %w", err)
		}
		return txn.Set([]byte(badgerCapacity+session.ISPB), encodeCount(active+1))
	})
	return badgerConflict(err)
}

func (b *BadgerSessions) Get(_ context.Context, ispb, id string, session *types.Session) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(txn *badger.Txn) error {
		return b.get(txn, badgerKey(badgerSession, partitionKey(ispb, id)), session)
	})
}

func (b *BadgerSessions) CountActive(_ context.Context, ispb string) (int, error) {
	db, err := b.getDB()
	if err != nil {
		return 0, err
	}

	var active int64
	err = db.View(func(txn *badger.Txn) error {
		active, err = b.count(txn, ispb)
		return err
	})
	return int(active), err
}

func (b *BadgerSessions) Discard(_ context.Context, ispb, id string) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		key := badgerKey(badgerSession, partitionKey(ispb, id))
		var session types.Session
		if err := b.get(txn, key, &session); err != nil {
			if errors.Is(err, ErrSessionNotExist) {
				return nil
			}
			return err
		}

		if err := txn.Delete(key); err != nil {
			return errors.Errorf("during Delete(): %w", err)
		}
		if session.Active {
			return b.release(txn, ispb)
		}
		return nil
	})
	return badgerConflict(err)
}

func (b *BadgerSessions) Deactivate(_ context.Context, ispb, id string, session *types.Session) (bool, error) {
	db, err := b.getDB()
	if err != nil {
		return false, err
	}

	var found bool
	err = db.Update(func(txn *badger.Txn) error {
		prefix := badgerKey(badgerSession, partitionPrefix(ispb))
		if id != "" {
			prefix = badgerKey(badgerSession, partitionKey(ispb, id))
		}

		var s types.Session
		var key []byte
		iter := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   10,
			Prefix:         prefix,
		})
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			v, err := iter.Item().ValueCopy(nil)
			if err != nil {
				iter.Close()
				return errors.Errorf("during ValueCopy(): %w", err)
			}
			var candidate types.Session
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&candidate); err != nil {
				iter.Close()
				return errors.Errorf("during Decode(): %w", err)
			}
			if !candidate.Active || (id != "" && candidate.ID != id) {
				continue
			}
			if key == nil || candidate.CreatedAt.Before(s.CreatedAt) {
				s = candidate
				key = iter.Item().KeyCopy(nil)
			}
		}
		iter.Close()

		if key == nil {
			return nil
		}

		s.Active = false
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(s); err != nil {
			return errors.Errorf("during gob.Encode(): %w", err)
		}
		if err := txn.Set(key, buf.Bytes()); err != nil {
			return errors.Errorf("during Set(): %w", err)
		}
		if err := b.release(txn, ispb); err != nil {
			return err
		}
		found = true
		if session != nil {
			*session = s
		}
		return nil
	})
	if err != nil {
		return false, badgerConflict(err)
	}
	return found, nil
}

func (b *BadgerSessions) Touch(_ context.Context, ispb, id string, now clock.Time) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		key := badgerKey(badgerSession, partitionKey(ispb, id))
		var s types.Session
		if err := b.get(txn, key, &s); err != nil {
			return err
		}
		s.LastPullAt = now.UTC()

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(s); err != nil {
			return errors.Errorf("during gob.Encode(): %w", err)
		}
		return txn.Set(key, buf.Bytes())
	})
	return badgerConflict(err)
}

func (b *BadgerSessions) Ping(_ context.Context) error {
	_, err := b.getDB()
	return err
}

func (b *BadgerSessions) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		return err
	}
	return nil
}

func (b *BadgerSessions) get(txn *badger.Txn, key []byte, session *types.Session) error {
	kvItem, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotExist
		}
		return errors.Errorf("during Get(): %w", err)
	}

	var v []byte
	v, err = kvItem.ValueCopy(v)
	if err != nil {
		return errors.Errorf("during ValueCopy(): %w", err)
	}

	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(session); err != nil {
		return errors.Errorf("during Decode(): %w", err)
	}
	return nil
}

// count reads the active session counter. Reading the counter within an update
// transaction marks it as read, such that concurrent writers of the same ISPB conflict.
func (b *BadgerSessions) count(txn *badger.Txn, ispb string) (int64, error) {
	kvItem, err := txn.Get([]byte(badgerCapacity + ispb))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, errors.Errorf("during Get(): %w", err)
	}

	v, err := kvItem.ValueCopy(nil)
	if err != nil {
		return 0, errors.Errorf("during ValueCopy(): %w", err)
	}
	return decodeCount(v), nil
}

func (b *BadgerSessions) release(txn *badger.Txn, ispb string) error {
	active, err := b.count(txn, ispb)
	if err != nil {
		return err
	}
	if active <= 0 {
		b.conf.Log.Warn("active session count already zero", "ispb", ispb)
		return nil
	}
	return txn.Set([]byte(badgerCapacity+ispb), encodeCount(active-1))
}

func (b *BadgerSessions) getDB() (*badger.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := openBadger(b.conf, "pix-sessions")
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

func openBadger(conf BadgerConfig, name string) (*badger.DB, error) {
	dir := filepath.Join(conf.StorageDir, name)
	opts := badger.DefaultOptions(dir)
	if conf.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = newBadgerLogger(conf.Log)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Errorf("while opening db '%s': %w", dir, err)
	}
	return db, nil
}

func badgerKey(prefix string, key []byte) []byte {
	return append([]byte(prefix), key...)
}

// badgerConflict maps the badger transaction conflict onto ErrConflict
func badgerConflict(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

type badgerLogger struct {
	log *slog.Logger
}

func newBadgerLogger(log *slog.Logger) *badgerLogger {
	return &badgerLogger{log: log.With(errors.OtelCodeNamespace, "badger-lib")}
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(strings.Trim(f, "\n"), v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(strings.Trim(f, "\n"), v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.log.LogAttrs(context.Background(), LevelDebug, fmt.Sprintf(strings.Trim(f, "\n"), v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.LogAttrs(context.Background(), LevelDebug, fmt.Sprintf(strings.Trim(f, "\n"), v...))
}
