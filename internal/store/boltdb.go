package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/segmentio/ksuid"
	bolt "go.etcd.io/bbolt"
)

var (
	messagesBucket  = []byte("messages")
	unclaimedBucket = []byte("unclaimed")
	e2eBucket       = []byte("e2e")
	sessionsBucket  = []byte("sessions")
	capacityBucket  = []byte("capacity")
)

type BoltConfig struct {
	// StorageDir is the directory where bolt will store its data
	StorageDir string
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// ---------------------------------------------
// Messages Implementation
// ---------------------------------------------

type BoltMessages struct {
	conf BoltConfig
	mu   sync.Mutex
	uid  ksuid.KSUID
	db   *bolt.DB
}

var _ Messages = &BoltMessages{}

func NewBoltMessages(conf BoltConfig) *BoltMessages {
	set.Default(&conf.Log, slog.Default())
	return &BoltMessages{conf: conf, uid: ksuid.New()}
}

func (b *BoltMessages) Add(_ context.Context, msgs []*types.Message, now clock.Time) error {
	f := errors.Fields{"category", "bolt", "func", "Messages.Add"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket)
		unclaimed := tx.Bucket(unclaimedBucket)
		e2e := tx.Bucket(e2eBucket)

		for _, msg := range msgs {
			if e2e.Get([]byte(msg.EndToEndID)) != nil {
				return transport.NewInvalidOption("invalid message; end-to-end id '%s' already exists",
					msg.EndToEndID)
			}

			b.mu.Lock()
			b.uid = b.uid.Next()
			msg.ID = b.uid.String()
			b.mu.Unlock()
			msg.CreatedAt = now.UTC()

			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
				return f.Errorf("during gob.Encode(): %w", err)
			}

			key := partitionKey(msg.ISPB(), msg.ID)
			if err := bucket.Put(key, buf.Bytes()); err != nil {
				return f.Errorf("during Put(): %w", err)
			}
			if err := unclaimed.Put(key, []byte{}); err != nil {
				return f.Errorf("during Put(): %w", err)
			}
			if err := e2e.Put([]byte(msg.EndToEndID), key); err != nil {
				return f.Errorf("during Put(): %w", err)
			}
		}
		return nil
	})
}

func (b *BoltMessages) Claim(_ context.Context, req types.ClaimRequest, claimed *[]*types.Message,
	now clock.Time) error {

	f := errors.Fields{"category", "bolt", "func", "Messages.Claim"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	var results []*types.Message
	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket)
		unclaimed := tx.Bucket(unclaimedBucket)

		// Collect the keys first, bolt cursors are invalidated by deletes
		var keys [][]byte
		prefix := partitionPrefix(req.ISPB)
		c := unclaimed.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(keys) >= req.Limit {
				break
			}
			keys = append(keys, bytes.Clone(k))
		}

		for _, key := range keys {
			v := bucket.Get(key)
			if v == nil {
				return f.Errorf("unclaimed index references missing message '%s'", key)
			}

			msg := new(types.Message)
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(msg); err != nil {
				return f.Errorf("during Decode(): %w", err)
			}

			msg.Claimed = true
			msg.ClaimedBy = req.SessionID
			msg.ClaimedAt = now.UTC()

			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
				return f.Errorf("during gob.Encode(): %w", err)
			}
			if err := bucket.Put(key, buf.Bytes()); err != nil {
				return f.Errorf("during Put(): %w", err)
			}
			if err := unclaimed.Delete(key); err != nil {
				return f.Errorf("during Delete(): %w", err)
			}
			results = append(results, msg)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*claimed = append(*claimed, results...)
	return nil
}

func (b *BoltMessages) List(_ context.Context, ispb string, msgs *[]*types.Message, opts types.ListOptions) error {
	f := errors.Fields{"category", "bolt", "func", "Messages.List"}

	if opts.Pivot != "" {
		if _, err := ksuid.Parse(opts.Pivot); err != nil {
			return transport.NewInvalidOption("invalid storage id; '%s': %s", opts.Pivot, err)
		}
	}

	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket)
		prefix := partitionPrefix(ispb)
		start := prefix
		if opts.Pivot != "" {
			start = partitionKey(ispb, opts.Pivot)
		}

		var count int
		c := bucket.Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if count >= opts.Limit {
				return nil
			}

			msg := new(types.Message)
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(msg); err != nil {
				return f.Errorf("during Decode(): %w", err)
			}
			*msgs = append(*msgs, msg)
			count++
		}
		return nil
	})
}

func (b *BoltMessages) Ping(_ context.Context) error {
	_, err := b.getDB()
	return err
}

func (b *BoltMessages) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		return err
	}
	return nil
}

func (b *BoltMessages) getDB() (*bolt.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := openBolt(filepath.Join(b.conf.StorageDir, "pix-messages.db"),
		messagesBucket, unclaimedBucket, e2eBucket)
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

// ---------------------------------------------
// Sessions Implementation
// ---------------------------------------------

type BoltSessions struct {
	conf BoltConfig
	mu   sync.Mutex
	db   *bolt.DB
}

var _ Sessions = &BoltSessions{}

func NewBoltSessions(conf BoltConfig) *BoltSessions {
	set.Default(&conf.Log, slog.Default())
	return &BoltSessions{conf: conf}
}

func (b *BoltSessions) Create(_ context.Context, session types.Session, maxActive int) error {
	f := errors.Fields{"category", "bolt", "func", "Sessions.Create"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		capacity := tx.Bucket(capacityBucket)
		active := decodeCount(capacity.Get([]byte(session.ISPB)))
		if active >= int64(maxActive) {
			return ErrMaxActive
		}

		session.Active = true
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(session); err != nil {
			return f.Errorf("during gob.Encode(): %w", err)
		}

		if err := tx.Bucket(sessionsBucket).Put(partitionKey(session.ISPB, session.ID), buf.Bytes()); err != nil {
			return f.Errorf("during Put(): %w", err)
		}
		if err := capacity.Put([]byte(session.ISPB), encodeCount(active+1)); err != nil {
			return f.Errorf("during Put(): %w", err)
		}
		return nil
	})
}

func (b *BoltSessions) Get(_ context.Context, ispb, id string, session *types.Session) error {
	f := errors.Fields{"category", "bolt", "func", "Sessions.Get"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get(partitionKey(ispb, id))
		if v == nil {
			return ErrSessionNotExist
		}
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(session); err != nil {
			return f.Errorf("during Decode(): %w", err)
		}
		return nil
	})
}

func (b *BoltSessions) CountActive(_ context.Context, ispb string) (int, error) {
	db, err := b.getDB()
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.View(func(tx *bolt.Tx) error {
		count = decodeCount(tx.Bucket(capacityBucket).Get([]byte(ispb)))
		return nil
	})
	return int(count), err
}

func (b *BoltSessions) Discard(_ context.Context, ispb, id string) error {
	f := errors.Fields{"category", "bolt", "func", "Sessions.Discard"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		key := partitionKey(ispb, id)
		v := bucket.Get(key)
		if v == nil {
			return nil
		}

		var session types.Session
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&session); err != nil {
			return f.Errorf("during Decode(): %w", err)
		}

		if err := bucket.Delete(key); err != nil {
			return f.Errorf("during Delete(): %w", err)
		}
		if session.Active {
			return b.release(tx, ispb)
		}
		return nil
	})
}

func (b *BoltSessions) Deactivate(_ context.Context, ispb, id string, session *types.Session) (bool, error) {
	f := errors.Fields{"category", "bolt", "func", "Sessions.Deactivate"}
	db, err := b.getDB()
	if err != nil {
		return false, err
	}

	var found bool
	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		prefix := partitionPrefix(ispb)
		if id != "" {
			prefix = partitionKey(ispb, id)
		}

		// Keys are ordered by session id, so pick the oldest active session by CreatedAt
		var s types.Session
		var key []byte
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var candidate types.Session
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&candidate); err != nil {
				return f.Errorf("during Decode(): %w", err)
			}
			if !candidate.Active || (id != "" && candidate.ID != id) {
				continue
			}
			if key == nil || candidate.CreatedAt.Before(s.CreatedAt) {
				s = candidate
				key = bytes.Clone(k)
			}
		}
		if key == nil {
			return nil
		}

		s.Active = false
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(s); err != nil {
			return f.Errorf("during gob.Encode(): %w", err)
		}
		if err := bucket.Put(key, buf.Bytes()); err != nil {
			return f.Errorf("during Put(): %w", err)
		}
		found = true
		if session != nil {
			*session = s
		}
		return b.release(tx, ispb)
	})
	return found, err
}

func (b *BoltSessions) Touch(_ context.Context, ispb, id string, now clock.Time) error {
	f := errors.Fields{"category", "bolt", "func", "Sessions.Touch"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		key := partitionKey(ispb, id)
		v := bucket.Get(key)
		if v == nil {
			return ErrSessionNotExist
		}

		var s types.Session
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&s); err != nil {
			return f.Errorf("during Decode(): %w", err)
		}
		s.LastPullAt = now.UTC()

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(s); err != nil {
			return f.Errorf("during gob.Encode(): %w", err)
		}
		return bucket.Put(key, buf.Bytes())
	})
}

func (b *BoltSessions) Ping(_ context.Context) error {
	_, err := b.getDB()
	return err
}

func (b *BoltSessions) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		return err
	}
	return nil
}

func (b *BoltSessions) release(tx *bolt.Tx, ispb string) error {
	capacity := tx.Bucket(capacityBucket)
	active := decodeCount(capacity.Get([]byte(ispb)))
	if active <= 0 {
		b.conf.Log.Warn("active session count already zero", "ispb", ispb)
		return nil
	}
	return capacity.Put([]byte(ispb), encodeCount(active-1))
}

func (b *BoltSessions) getDB() (*bolt.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := openBolt(filepath.Join(b.conf.StorageDir, "pix-sessions.db"), sessionsBucket, capacityBucket)
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

func openBolt(file string, buckets ...[]byte) (*bolt.DB, error) {
	f := errors.Fields{"category", "bolt", "func", "openBolt"}

	opts := &bolt.Options{
		FreelistType: bolt.FreelistArrayType,
		Timeout:      clock.Second,
		NoGrowSync:   false,
	}

	db, err := bolt.Open(file, 0600, opts)
	if err != nil {
		return nil, f.Errorf("while opening db '%s': %w", file, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, f.Errorf("while creating buckets '%s': %w", file, err)
	}
	return db, nil
}

// partitionKey returns the storage key for a record owned by an ISPB. ISPB values are
// alphanumeric, so the separator can never appear inside the ISPB.
func partitionKey(ispb, id string) []byte {
	return []byte(ispb + "/" + id)
}

func partitionPrefix(ispb string) []byte {
	return []byte(ispb + "/")
}

func encodeCount(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeCount(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
