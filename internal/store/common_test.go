package store_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kapetan-io/pixstream/internal/store"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/color"
	"github.com/kapetan-io/tackle/random"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/goleak"
)

var log *slog.Logger

var goleakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("github.com/testcontainers/testcontainers-go.(*Reaper).connect.func1"),
}

func TestMain(m *testing.M) {
	switch os.Getenv("TEST_LOGGING") {
	case "ci":
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	default:
		log = slog.New(color.NewLog(&color.LogOptions{
			HandlerOptions: slog.HandlerOptions{
				ReplaceAttr: color.SuppressAttrs(slog.TimeKey),
				Level:       store.LevelDebugAll,
			},
		}))
	}

	code := m.Run()
	if sharedPostgres != nil {
		if err := sharedPostgres.Stop(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to stop shared postgres container: %v\n", err)
		}
	}

	if code == 0 {
		if err := goleak.Find(goleakOptions...); err != nil {
			fmt.Fprintf(os.Stderr, "goleak: Errors on successful test run: %v\n", err)
			code = 1
		}
	}
	os.Exit(code)
}

type testStorage struct {
	Name     string
	Setup    func(t *testing.T) store.Config
	Teardown func()
}

// storageBackends returns every backend the suite should run against. Postgres requires
// docker and only runs when PIXSTREAM_TEST_POSTGRES is set.
func storageBackends() []testStorage {
	pg := &postgresTestSetup{}
	backends := []testStorage{
		{
			Name: "InMemory",
			Setup: func(t *testing.T) store.Config {
				return store.Config{
					Messages: store.NewMemoryMessages(),
					Sessions: store.NewMemorySessions(),
				}
			},
			Teardown: func() {},
		},
		{
			Name: "BoltDB",
			Setup: func(t *testing.T) store.Config {
				conf := store.BoltConfig{StorageDir: t.TempDir(), Log: log}
				return store.Config{
					Messages: store.NewBoltMessages(conf),
					Sessions: store.NewBoltSessions(conf),
				}
			},
			Teardown: func() {},
		},
		{
			Name: "BadgerDB",
			Setup: func(t *testing.T) store.Config {
				conf := store.BadgerConfig{StorageDir: t.TempDir(), Log: log}
				return store.Config{
					Messages: store.NewBadgerMessages(conf),
					Sessions: store.NewBadgerSessions(conf),
				}
			},
			Teardown: func() {},
		},
	}

	if os.Getenv("PIXSTREAM_TEST_POSTGRES") != "" {
		backends = append(backends, testStorage{
			Name: "PostgreSQL",
			Setup: func(t *testing.T) store.Config {
				return pg.Setup(store.PostgresConfig{})
			},
			Teardown: pg.Teardown,
		})
	}
	return backends
}

// ---------------------------------------------------------------------
// Shared PostgreSQL Container
// ---------------------------------------------------------------------

type sharedPostgresContainer struct {
	container *postgres.PostgresContainer
	host      string
	port      string
	dbCounter atomic.Int64
}

var (
	sharedPostgres     *sharedPostgresContainer
	sharedPostgresOnce sync.Once
	sharedPostgresErr  error
)

func getSharedPostgresContainer() (*sharedPostgresContainer, error) {
	sharedPostgresOnce.Do(func() {
		sharedPostgres = &sharedPostgresContainer{}
		sharedPostgresErr = sharedPostgres.Start(context.Background())
	})
	return sharedPostgres, sharedPostgresErr
}

func (s *sharedPostgresContainer) Start(ctx context.Context) error {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("postgres"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("failed to get mapped port: %w", err)
	}

	s.container = container
	s.host = host
	s.port = mappedPort.Port()
	return nil
}

func (s *sharedPostgresContainer) Stop(ctx context.Context) error {
	if s.container == nil {
		return nil
	}
	return s.container.Terminate(ctx)
}

func (s *sharedPostgresContainer) adminDSN() string {
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres?sslmode=disable", s.host, s.port)
}

func (s *sharedPostgresContainer) CreateDatabase(ctx context.Context) (dsn string, dbName string, err error) {
	dbName = fmt.Sprintf("pixstream_test_%d", s.dbCounter.Add(1))

	conn, err := pgx.Connect(ctx, s.adminDSN())
	if err != nil {
		return "", "", fmt.Errorf("connect to postgres db: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize()))
	if err != nil {
		return "", "", fmt.Errorf("create database %s: %w", dbName, err)
	}

	dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/%s?sslmode=disable", s.host, s.port, dbName)
	return dsn, dbName, nil
}

func (s *sharedPostgresContainer) DropDatabase(ctx context.Context, dbName string) error {
	conn, err := pgx.Connect(ctx, s.adminDSN())
	if err != nil {
		return fmt.Errorf("connect to postgres db: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	_, err = conn.Exec(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		dbName)
	if err != nil {
		log.Warn("failed to terminate connections", "database", dbName, "error", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgx.Identifier{dbName}.Sanitize()))
	if err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}
	return nil
}

type postgresTestSetup struct {
	dbName string
}

func (p *postgresTestSetup) Setup(conf store.PostgresConfig) store.Config {
	container, err := getSharedPostgresContainer()
	if err != nil {
		panic(fmt.Sprintf("failed to get shared postgres container: %v", err))
	}

	dsn, dbName, err := container.CreateDatabase(context.Background())
	if err != nil {
		panic(fmt.Sprintf("failed to create test database: %v", err))
	}
	p.dbName = dbName

	conf.ConnectionString = dsn
	conf.Log = log
	conf.MaxConns = 10

	return store.Config{
		Messages: store.NewPostgresMessages(conf),
		Sessions: store.NewPostgresSessions(conf),
	}
}

func (p *postgresTestSetup) Teardown() {
	if p.dbName == "" {
		return
	}

	container, err := getSharedPostgresContainer()
	if err != nil {
		log.Warn("failed to get shared postgres container for cleanup", "error", err)
		return
	}

	if err := container.DropDatabase(context.Background(), p.dbName); err != nil {
		log.Warn("failed to drop test database", "database", p.dbName, "error", err)
	}
	p.dbName = ""
}

// ---------------------------------------------
// Test Helpers
// ---------------------------------------------

func randomMessages(ispb string, count int) []*types.Message {
	var msgs []*types.Message
	for i := 0; i < count; i++ {
		msgs = append(msgs, &types.Message{
			EndToEndID: random.String("E", 31),
			Amount:     int64(100 + i),
			Payer: types.Party{
				Name:        random.String("payer-", 10),
				TaxID:       digits(11),
				ISPB:        "99999999",
				Branch:      "0001",
				Account:     digits(8),
				AccountType: "CACC",
			},
			Payee: types.Party{
				Name:        random.String("payee-", 10),
				TaxID:       digits(14),
				ISPB:        ispb,
				Branch:      "0002",
				Account:     digits(8),
				AccountType: "SVGS",
			},
			FreeText: fmt.Sprintf("message-%d", i),
			TxID:     random.String("tx-", 20),
			PaidAt:   clock.Now().UTC().Truncate(time.Second),
		})
	}
	return msgs
}

func digits(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('0' + rand.Intn(10))
	}
	return string(b)
}
