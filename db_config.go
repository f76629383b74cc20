package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"

	"github.com/ronnin/oldman-club/internal/lock"
	"github.com/ronnin/oldman-club/internal/registry"
	"github.com/ronnin/oldman-club/internal/store"
)

const (
	defaultDbDriver = store.DialectSQLite
	defaultDbName   = "oldman"
	defaultDbPath   = "oldman.db"
)

// dbConfig defines the runtime options for connecting to the registry database and, optionally, the
// Redis server that coordinates locking between processes
type dbConfig struct {
	// the database dialect, either "postgres" or "sqlite"
	driver string
	// Postgres connection settings
	addr, user, pwd, name string
	// the SQLite database file
	path string

	// the TCP host/port of the Redis server, if any
	redisAddr string
	// the lease duration of Redis locks
	lockTTL time.Duration
}

// dbOption defines a functional option that configures a particular database runtime option
type dbOption func(*dbConfig) error

func withDBDriver(driver string) dbOption {
	return func(conf *dbConfig) error {
		switch driver {
		case store.DialectPostgres, store.DialectSQLite:
			conf.driver = driver
			return nil
		default:
			return fmt.Errorf("unsupported database driver %q, must be %q or %q", driver, store.DialectPostgres, store.DialectSQLite)
		}
	}
}

func withDBAddress(addr string) dbOption {
	return func(conf *dbConfig) error {
		conf.addr = addr
		return nil
	}
}

func withDBUser(user string) dbOption {
	return func(conf *dbConfig) error {
		conf.user = user
		return nil
	}
}

func withDBPass(pass string) dbOption {
	return func(conf *dbConfig) error {
		conf.pwd = pass
		return nil
	}
}

func withDBName(db string) dbOption {
	return func(conf *dbConfig) error {
		if db == "" {
			db = defaultDbName
		}
		conf.name = db
		return nil
	}
}

func withDBPath(p string) dbOption {
	return func(conf *dbConfig) error {
		if p == "" {
			p = defaultDbPath
		}
		conf.path = p
		return nil
	}
}

func withRedisAddress(addr string) dbOption {
	return func(conf *dbConfig) error {
		conf.redisAddr = addr
		return nil
	}
}

func withLockTTL(s string) dbOption {
	return func(conf *dbConfig) error {
		ttl, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid lock TTL %q: %w", s, err)
		}
		if ttl <= 0 {
			return fmt.Errorf("lock TTL must be positive, got %s", ttl)
		}
		conf.lockTTL = ttl
		return nil
	}
}

// addDBFlags registers the database CLI flags on fset
func addDBFlags(fset *pflag.FlagSet) {
	fset.String("db-driver", "", "the registry database driver, either 'postgres' or 'sqlite' (default is $DB_DRIVER or 'sqlite')")
	fset.String("db-addr", "", "the TCP host and port of the registry Postgres DB")
	fset.String("db-user", "", "the login to be used when connecting to the registry Postgres DB")
	fset.String("db-pass", "", "the password to be used when connecting to the registry Postgres DB")
	fset.String("db-name", "", "the name of the registry Postgres DB to connect to (default '"+defaultDbName+"')")
	fset.String("db-path", "", "the path of the registry SQLite database file (default '"+defaultDbPath+"')")
	fset.String("redis-addr", "", "the TCP host and port of a Redis server used to serialize writes across processes")
	fset.String("lock-ttl", "", "the lease duration of Redis locks, ex: 30s")
}

// readDBConfigEnv scans the process environment vars and returns a list of 0 or more config options
func readDBConfigEnv() []dbOption {
	var opts []dbOption

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		opts = append(opts, withDBDriver(driver))
	}
	if addr := os.Getenv("DB_ADDR"); addr != "" {
		opts = append(opts, withDBAddress(addr))
	}
	if user := os.Getenv("DB_USER"); user != "" {
		opts = append(opts, withDBUser(user))
	}
	if pwd := os.Getenv("DB_PASS"); pwd != "" {
		opts = append(opts, withDBPass(pwd))
	}
	if db := os.Getenv("DB_NAME"); db != "" {
		opts = append(opts, withDBName(db))
	}
	if p := os.Getenv("DB_PATH"); p != "" {
		opts = append(opts, withDBPath(p))
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		opts = append(opts, withRedisAddress(addr))
	}
	if ttl := os.Getenv("LOCK_TTL"); ttl != "" {
		opts = append(opts, withLockTTL(ttl))
	}

	return opts
}

// readDBConfigFlags scans the CLI flags in the provided flag set and returns a list of 0 or more
// config options
func readDBConfigFlags(fset *pflag.FlagSet) []dbOption {
	var opts []dbOption

	if driver, err := fset.GetString("db-driver"); err == nil && driver != "" {
		opts = append(opts, withDBDriver(driver))
	}
	if addr, err := fset.GetString("db-addr"); err == nil && addr != "" {
		opts = append(opts, withDBAddress(addr))
	}
	if user, err := fset.GetString("db-user"); err == nil && user != "" {
		opts = append(opts, withDBUser(user))
	}
	if pwd, err := fset.GetString("db-pass"); err == nil && pwd != "" {
		opts = append(opts, withDBPass(pwd))
	}
	if db, err := fset.GetString("db-name"); err == nil && db != "" {
		opts = append(opts, withDBName(db))
	}
	if p, err := fset.GetString("db-path"); err == nil && p != "" {
		opts = append(opts, withDBPath(p))
	}
	if addr, err := fset.GetString("redis-addr"); err == nil && addr != "" {
		opts = append(opts, withRedisAddress(addr))
	}
	if ttl, err := fset.GetString("lock-ttl"); err == nil && ttl != "" {
		opts = append(opts, withLockTTL(ttl))
	}

	return opts
}

// parseDBConfig applies the defaults, then the environment, then the CLI flags in fset
func parseDBConfig(fset *pflag.FlagSet) (dbConfig, error) {
	conf := dbConfig{
		driver: defaultDbDriver,
		name:   defaultDbName,
		path:   defaultDbPath,
	}
	var opts []dbOption
	opts = append(opts, readDBConfigEnv()...)
	opts = append(opts, readDBConfigFlags(fset)...)
	for _, fn := range opts {
		if err := fn(&conf); err != nil {
			return dbConfig{}, fmt.Errorf("could not apply database config option: %w", err)
		}
	}
	if conf.driver == store.DialectPostgres && (conf.addr == "" || conf.user == "" || conf.pwd == "") {
		return dbConfig{}, fmt.Errorf("the host, user name, and password for the registry database must be specified")
	}
	return conf, nil
}

// dsn returns the connection string for the configured database
func (conf dbConfig) dsn() string {
	if conf.driver == store.DialectPostgres {
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(conf.user, conf.pwd),
			Host:   conf.addr,
			Path:   "/" + conf.name,
		}
		return u.String()
	}
	return store.SQLiteDSN(conf.path)
}

// backend bundles the registry service with the connections it was built on
type backend struct {
	db  *store.SQLStore
	rdb *goredis.Client
	svc *registry.Service
}

// Registry returns the registry service.
func (b *backend) Registry() *registry.Service {
	return b.svc
}

// Ping checks connectivity to the database and, if configured, the Redis server.
func (b *backend) Ping(ctx context.Context) error {
	if err := b.db.Ping(ctx); err != nil {
		return err
	}
	if b.rdb != nil {
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("unable to reach Redis: %w", err)
		}
	}
	return nil
}

// Migrate applies the registry schema.
func (b *backend) Migrate(ctx context.Context) error {
	return b.db.Migrate(ctx)
}

// Close releases the database and Redis connections.
func (b *backend) Close() error {
	var errs []error
	if b.rdb != nil {
		errs = append(errs, b.rdb.Close())
	}
	errs = append(errs, b.db.Close())
	return errors.Join(errs...)
}

// openBackend connects to the configured database, and Redis if requested, and constructs the
// registry service on top of them.  A nil meter disables metrics.
func openBackend(ctx context.Context, conf dbConfig, meter metric.Meter) (*backend, error) {
	db, err := retryOp(ctx, func() (*store.SQLStore, error) {
		return store.Open(ctx, conf.driver, conf.dsn(), store.WithLog(logger.With("component", "store")))
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to the %s registry database: %w", conf.driver, err)
	}
	logger.Debug("connected to the database", "driver", conf.driver, "addr", conf.addr, "path", conf.path)

	b := &backend{db: db}
	opts := []registry.Option{registry.WithLogger(logger.With("component", "registry"))}
	if meter != nil {
		opts = append(opts, registry.WithMeter(meter))
	}
	if conf.redisAddr != "" {
		b.rdb = goredis.NewClient(&goredis.Options{Addr: conf.redisAddr})
		if err = b.rdb.Ping(ctx).Err(); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("could not connect to Redis at %q: %w", conf.redisAddr, err)
		}
		locker := lock.NewRedis(b.rdb, lock.WithTTL(conf.lockTTL), lock.WithLog(logger.With("component", "lock")))
		opts = append(opts, registry.WithLocker(locker))
		logger.Debug("using Redis locks", "addr", conf.redisAddr)
	}

	if b.svc, err = registry.New(db, opts...); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// openBackendFromFlags parses the database config from the environment and fset and opens the backend.
// For SQLite databases the schema is applied on open so that the CLI works against a fresh file.
func openBackendFromFlags(ctx context.Context, fset *pflag.FlagSet) (*backend, error) {
	conf, err := parseDBConfig(fset)
	if err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, conf, nil)
	if err != nil {
		return nil, err
	}
	if conf.driver == store.DialectSQLite {
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	return b, nil
}
