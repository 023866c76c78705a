package infra

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	_ "github.com/tursodatabase/libsql-client-go/libsql" // Turso driver
	_ "modernc.org/sqlite"                               // Local SQLite driver
)

// Driver identifies which store a connection string points at.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
	DriverLibSQL   Driver = "libsql"
)

var ErrUnsupportedDriver = errors.New("unsupported database connection string")

// DriverFor picks the store driver from the connection string scheme.
func DriverFor(connString string) (Driver, error) {
	switch {
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		return DriverPostgres, nil
	case strings.HasPrefix(connString, "libsql://"), strings.HasPrefix(connString, "wss://"):
		return DriverLibSQL, nil
	case strings.HasPrefix(connString, "sqlite://"), strings.HasPrefix(connString, "file:"), connString == ":memory:":
		return DriverSQLite, nil
	}
	return "", ErrUnsupportedDriver
}

// NewPostgresPool creates a configured connection pool for PostgreSQL.
func NewPostgresPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// RunMigrations applies every pending migration under migrationsPath.
func RunMigrations(connString, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, connString)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// NewSQLiteDB opens a SQLite or libSQL database. sqlite:// prefixes are
// stripped so the remainder is handed to the modernc driver as-is.
func NewSQLiteDB(ctx context.Context, connString string) (*sql.DB, error) {
	driver, err := DriverFor(connString)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch driver {
	case DriverLibSQL:
		db, err = sql.Open("libsql", connString)
	case DriverSQLite:
		db, err = sql.Open("sqlite", strings.TrimPrefix(connString, "sqlite://"))
	default:
		return nil, ErrUnsupportedDriver
	}
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers; one connection also keeps :memory: databases
	// shared across the pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewCacheClient creates a Redis client from a connection string.
func NewCacheClient(ctx context.Context, connString string) (*redis.Client, error) {
	opt, err := redis.ParseURL(connString)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	return rdb, nil
}

// NewBrokerConnection dials RabbitMQ.
func NewBrokerConnection(connString string) (*amqp.Connection, error) {
	return amqp.DialConfig(connString, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(5 * time.Second),
	})
}
