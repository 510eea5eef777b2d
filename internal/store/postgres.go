package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/segmentio/ksuid"
)

// ---------------------------------------------
// Global Pool Manager
// ---------------------------------------------

type postgresPoolManager struct {
	pool     *pgxpool.Pool
	refCount atomic.Int32
}

var (
	globalPoolMu sync.Mutex
	globalPools  = make(map[string]*postgresPoolManager)
)

func acquirePool(connString string, maxConns int32, log *slog.Logger) (*pgxpool.Pool, error) {
	globalPoolMu.Lock()
	defer globalPoolMu.Unlock()

	if manager, exists := globalPools[connString]; exists {
		manager.refCount.Add(1)
		return manager.pool, nil
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Errorf("parse connection string: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	var pool *pgxpool.Pool
	delays := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

	for attempt, delay := range delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		pool, err = pgxpool.NewWithConfig(context.Background(), config)
		if err == nil {
			break
		}

		if attempt < len(delays)-1 && log != nil {
			log.Warn("failed to create pool, retrying",
				"attempt", attempt+1,
				"error", err,
				"next_delay", delays[attempt+1])
		}
	}

	if err != nil {
		return nil, errors.Errorf("create pool after retries: %w", err)
	}

	manager := &postgresPoolManager{pool: pool}
	manager.refCount.Store(1)
	globalPools[connString] = manager

	return pool, nil
}

func releasePool(connString string) {
	globalPoolMu.Lock()
	defer globalPoolMu.Unlock()

	manager, exists := globalPools[connString]
	if !exists {
		return
	}

	if manager.refCount.Add(-1) == 0 {
		manager.pool.Close()
		delete(globalPools, connString)
	}
}

// ---------------------------------------------
// PostgreSQL Configuration
// ---------------------------------------------

type PostgresConfig struct {
	// ConnectionString is a libpq style connection string or postgres:// URL
	ConnectionString string
	// MaxConns is the maximum number of connections in the shared pool
	MaxConns int32
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// postgresConn holds the pool reference of a single store instance
type postgresConn struct {
	conf      PostgresConfig
	mu        sync.Mutex
	pool      *pgxpool.Pool
	tableOnce sync.Once
	tableErr  error
}

func (c *postgresConn) getPool(ctx context.Context, ddl ...string) (*pgxpool.Pool, error) {
	c.mu.Lock()
	if c.pool == nil {
		if c.conf.ConnectionString == "" {
			c.mu.Unlock()
			return nil, errors.New("connection string is required")
		}
		pool, err := acquirePool(c.conf.ConnectionString, c.conf.MaxConns, c.conf.Log)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.pool = pool
	}
	pool := c.pool
	c.mu.Unlock()

	c.tableOnce.Do(func() {
		// Table creation should not be bound to a possibly short request deadline
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		for _, stmt := range ddl {
			if _, err := pool.Exec(bgCtx, stmt); err != nil {
				c.conf.Log.Error("Failed to create PostgreSQL table", "error", err)
				c.tableErr = errors.Errorf("create table: %w", err)
				return
			}
		}
	})
	if c.tableErr != nil {
		return nil, c.tableErr
	}
	return pool, nil
}

func (c *postgresConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		releasePool(c.conf.ConnectionString)
		c.pool = nil
	}
}

// postgresConflict maps serialization failures and deadlocks onto ErrConflict
func postgresConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return ErrConflict
		}
	}
	return err
}

func timeToNullable(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	// Truncate to microseconds to match PostgreSQL TIMESTAMPTZ precision
	return t.Truncate(time.Microsecond)
}

func timeToMicroseconds(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

// ---------------------------------------------
// Messages Implementation
// ---------------------------------------------

var messagesDDL = []string{`
	CREATE TABLE IF NOT EXISTS pix_messages (
		id TEXT COLLATE "C" PRIMARY KEY,
		ispb TEXT NOT NULL,
		end_to_end_id TEXT NOT NULL UNIQUE,
		amount BIGINT NOT NULL,
		payer JSONB NOT NULL,
		payee JSONB NOT NULL,
		free_text TEXT NOT NULL DEFAULT '',
		tx_id TEXT NOT NULL DEFAULT '',
		paid_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		claimed BOOLEAN NOT NULL DEFAULT false,
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMPTZ
	)`, `
	CREATE INDEX IF NOT EXISTS idx_pix_messages_unclaimed ON pix_messages(ispb, id)
	WHERE claimed = false`,
}

const messageColumns = `id, ispb, end_to_end_id, amount, payer, payee, free_text, tx_id, paid_at,
	created_at, claimed, claimed_by, claimed_at`

type PostgresMessages struct {
	conn *postgresConn
	mu   sync.Mutex
	uid  ksuid.KSUID
}

var _ Messages = &PostgresMessages{}

func NewPostgresMessages(conf PostgresConfig) *PostgresMessages {
	set.Default(&conf.Log, slog.Default())
	return &PostgresMessages{conn: &postgresConn{conf: conf}, uid: ksuid.New()}
}

func (p *PostgresMessages) Add(ctx context.Context, msgs []*types.Message, now clock.Time) error {
	pool, err := p.conn.getPool(ctx, messagesDDL...)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pgxBatch := &pgx.Batch{}
	p.mu.Lock()
	for _, msg := range msgs {
		p.uid = p.uid.Next()
		msg.ID = p.uid.String()
		msg.CreatedAt = timeToMicroseconds(now.UTC())
		msg.PaidAt = timeToMicroseconds(msg.PaidAt)

		payer, err := json.Marshal(msg.Payer)
		if err != nil {
			p.mu.Unlock()
			return errors.Errorf("marshal payer: %w", err)
		}
		payee, err := json.Marshal(msg.Payee)
		if err != nil {
			p.mu.Unlock()
			return errors.Errorf("marshal payee: %w", err)
		}

		pgxBatch.Queue(`INSERT INTO pix_messages (id, ispb, end_to_end_id, amount, payer, payee,
			free_text, tx_id, paid_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			msg.ID, msg.ISPB(), msg.EndToEndID, msg.Amount, payer, payee,
			msg.FreeText, msg.TxID, msg.PaidAt, msg.CreatedAt)
	}
	p.mu.Unlock()

	br := tx.SendBatch(ctx, pgxBatch)
	for i := 0; i < pgxBatch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return transport.NewInvalidOption("invalid message; end-to-end id '%s' already exists",
					msgs[i].EndToEndID)
			}
			return postgresConflict(errors.Errorf("insert message: %w", err))
		}
	}
	if err := br.Close(); err != nil {
		return errors.Errorf("close batch: %w", err)
	}
	return postgresConflict(tx.Commit(ctx))
}

func (p *PostgresMessages) Claim(ctx context.Context, req types.ClaimRequest, claimed *[]*types.Message,
	now clock.Time) error {

	pool, err := p.conn.getPool(ctx, messagesDDL...)
	if err != nil {
		return err
	}

	// Rows locked by a concurrent claim are skipped, so two claims never select the same message
	rows, err := pool.Query(ctx, `
		UPDATE pix_messages SET claimed = true, claimed_by = $2, claimed_at = $3
		WHERE id IN (
			SELECT id FROM pix_messages
			WHERE ispb = $1 AND claimed = false
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		req.ISPB, req.SessionID, timeToMicroseconds(now.UTC()), req.Limit)
	if err != nil {
		return postgresConflict(errors.Errorf("claim messages: %w", err))
	}

	results, err := scanMessages(rows)
	if err != nil {
		return postgresConflict(err)
	}

	// RETURNING does not preserve the sub select order
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	*claimed = append(*claimed, results...)
	return nil
}

func (p *PostgresMessages) List(ctx context.Context, ispb string, msgs *[]*types.Message, opts types.ListOptions) error {
	if opts.Pivot != "" {
		if _, err := ksuid.Parse(opts.Pivot); err != nil {
			return transport.NewInvalidOption("invalid storage id; '%s': %s", opts.Pivot, err)
		}
	}

	pool, err := p.conn.getPool(ctx, messagesDDL...)
	if err != nil {
		return err
	}

	rows, err := pool.Query(ctx, `SELECT `+messageColumns+` FROM pix_messages
		WHERE ispb = $1 AND id >= $2 ORDER BY id LIMIT $3`, ispb, opts.Pivot, opts.Limit)
	if err != nil {
		return errors.Errorf("list messages: %w", err)
	}

	results, err := scanMessages(rows)
	if err != nil {
		return err
	}
	*msgs = append(*msgs, results...)
	return nil
}

func (p *PostgresMessages) Ping(ctx context.Context) error {
	pool, err := p.conn.getPool(ctx, messagesDDL...)
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (p *PostgresMessages) Close(_ context.Context) error {
	p.conn.close()
	return nil
}

func scanMessages(rows pgx.Rows) ([]*types.Message, error) {
	defer rows.Close()

	var results []*types.Message
	for rows.Next() {
		var msg types.Message
		var ispb string
		var payer, payee []byte
		var claimedAt sql.NullTime

		err := rows.Scan(
			&msg.ID,
			&ispb,
			&msg.EndToEndID,
			&msg.Amount,
			&payer,
			&payee,
			&msg.FreeText,
			&msg.TxID,
			&msg.PaidAt,
			&msg.CreatedAt,
			&msg.Claimed,
			&msg.ClaimedBy,
			&claimedAt,
		)
		if err != nil {
			return nil, errors.Errorf("scan message: %w", err)
		}

		if err := json.Unmarshal(payer, &msg.Payer); err != nil {
			return nil, errors.Errorf("unmarshal payer: %w", err)
		}
		if err := json.Unmarshal(payee, &msg.Payee); err != nil {
			return nil, errors.Errorf("unmarshal payee: %w", err)
		}
		if claimedAt.Valid {
			msg.ClaimedAt = claimedAt.Time
		}
		results = append(results, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("iterate messages: %w", err)
	}
	return results, nil
}

// ---------------------------------------------
// Sessions Implementation
// ---------------------------------------------

var sessionsDDL = []string{`
	CREATE TABLE IF NOT EXISTS stream_sessions (
		id TEXT PRIMARY KEY,
		ispb TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL,
		last_pull_at TIMESTAMPTZ
	)`, `
	CREATE INDEX IF NOT EXISTS idx_stream_sessions_active ON stream_sessions(ispb, created_at)
	WHERE active = true`, `
	CREATE TABLE IF NOT EXISTS stream_capacity (
		ispb TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 0 CHECK (active >= 0)
	)`,
}

type PostgresSessions struct {
	conn *postgresConn
}

var _ Sessions = &PostgresSessions{}

func NewPostgresSessions(conf PostgresConfig) *PostgresSessions {
	set.Default(&conf.Log, slog.Default())
	return &PostgresSessions{conn: &postgresConn{conf: conf}}
}

func (p *PostgresSessions) Create(ctx context.Context, session types.Session, maxActive int) error {
	pool, err := p.conn.getPool(ctx, sessionsDDL...)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO stream_capacity (ispb, active) VALUES ($1, 0)
		ON CONFLICT (ispb) DO NOTHING`, session.ISPB)
	if err != nil {
		return postgresConflict(errors.Errorf("insert capacity: %w", err))
	}

	// The conditional increment holds the row lock until commit, serializing
	// concurrent creates for the same ISPB.
	tag, err := tx.Exec(ctx, `UPDATE stream_capacity SET active = active + 1
		WHERE ispb = $1 AND active < $2`, session.ISPB, maxActive)
	if err != nil {
		return postgresConflict(errors.Errorf("reserve capacity: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrMaxActive
	}

	_, err = tx.Exec(ctx, `INSERT INTO stream_sessions (id, ispb, active, created_at, last_pull_at)
		VALUES ($1, $2, true, $3, $4)`, session.ID, session.ISPB,
		timeToMicroseconds(session.CreatedAt), timeToNullable(session.LastPullAt))
	if err != nil {
		return postgresConflict(errors.Errorf("insert session: %w", err))
	}
	return postgresConflict(tx.Commit(ctx))
}

func (p *PostgresSessions) Get(ctx context.Context, ispb, id string, session *types.Session) error {
	pool, err := p.conn.getPool(ctx, sessionsDDL...)
	if err != nil {
		return err
	}

	var lastPull sql.NullTime
	err = pool.QueryRow(ctx, `SELECT id, ispb, active, created_at, last_pull_at FROM stream_sessions
		WHERE ispb = $1 AND id = $2`, ispb, id).Scan(
		&session.ID, &session.ISPB, &session.Active, &session.CreatedAt, &lastPull)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotExist
		}
		return errors.Errorf("query session: %w", err)
	}
	if lastPull.Valid {
		session.LastPullAt = lastPull.Time
	}
	return nil
}

func (p *PostgresSessions) CountActive(ctx context.Context, ispb string) (int, error) {
	pool, err := p.conn.getPool(ctx, sessionsDDL...)
	if err != nil {
		return 0, err
	}

	var active int
	err = pool.QueryRow(ctx, `SELECT active FROM stream_capacity WHERE ispb = $1`, ispb).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Errorf("query capacity: %w", err)
	}
	return active, nil
}

func (p *PostgresSessions) Discard(ctx context.Context, ispb, id string) error {
	pool, err := p.conn.getPool(ctx, sessionsDDL...)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var active bool
	err = tx.QueryRow(ctx, `DELETE FROM stream_sessions WHERE ispb = $1 AND id = $2 RETURNING active`,
		ispb, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return postgresConflict(errors.Errorf("delete session: %w", err))
	}

	if active {
		if err := p.release(ctx, tx, ispb); err != nil {
			return err
		}
	}
	return postgresConflict(tx.Commit(ctx))
}

func (p *PostgresSessions) Deactivate(ctx context.Context, ispb, id string, session *types.Session) (bool, error) {
	pool, err := p.conn.getPool(ctx, sessionsDDL...)
	if err != nil {
		return false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, errors.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var s types.Session
	var lastPull sql.NullTime
	err = tx.QueryRow(ctx, `
		UPDATE stream_sessions SET active = false
		WHERE id = (
			SELECT id FROM stream_sessions
			WHERE ispb = $1 AND active = true AND ($2 = '' OR id = $2)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE
		)
		RETURNING id, ispb, active, created_at, last_pull_at`, ispb, id).Scan(
		&s.ID, &s.ISPB, &s.Active, &s.CreatedAt, &lastPull)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, postgresConflict(errors.Errorf("deactivate session: %w", err))
	}
	if lastPull.Valid {
		s.LastPullAt = lastPull.Time
	}

	if err := p.release(ctx, tx, ispb); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, postgresConflict(err)
	}

	if session != nil {
		*session = s
	}
	return true, nil
}

func (p *PostgresSessions) Touch(ctx context.Context, ispb, id string, now clock.Time) error {
	pool, err := p.conn.getPool(ctx, sessionsDDL...)
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, `UPDATE stream_sessions SET last_pull_at = $3 WHERE ispb = $1 AND id = $2`,
		ispb, id, timeToMicroseconds(now.UTC()))
	if err != nil {
		return postgresConflict(errors.Errorf("touch session: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotExist
	}
	return nil
}

func (p *PostgresSessions) Ping(ctx context.Context) error {
	pool, err := p.conn.getPool(ctx, sessionsDDL...)
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (p *PostgresSessions) Close(_ context.Context) error {
	p.conn.close()
	return nil
}

func (p *PostgresSessions) release(ctx context.Context, tx pgx.Tx, ispb string) error {
	_, err := tx.Exec(ctx, `UPDATE stream_capacity SET active = active - 1 WHERE ispb = $1 AND active > 0`, ispb)
	if err != nil {
		return postgresConflict(errors.Errorf("release capacity: %w", err))
	}
	return nil
}
