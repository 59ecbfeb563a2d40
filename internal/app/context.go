package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"stageline/internal/archive"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/logging"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

// Publisher drivers.
const (
	PublisherNone    = "none"
	PublisherAMQP    = "amqp"
	PublisherRedis   = "redis"
	PublisherWebhook = "webhook"
)

type PublisherOptions struct {
	Driver string
	URL    string
	// Secret is sent with webhook deliveries.
	Secret string
	// Stream is the Redis stream key.
	Stream string
	// Events limits relayed event types; empty relays everything.
	Events []string
}

// Options describe how a process opens its store and outbound integrations.
type Options struct {
	Workspace string
	Driver    string
	DSN       string
	// PolicyFile seeds the governance policy of new projects. When empty the
	// workspace stageline.yml is used if present, else the built-in default.
	PolicyFile string
	LogLevel   string
	Logger     *zap.Logger
	Publisher  PublisherOptions
	Archive    archive.Options
}

// App holds an opened, migrated store and the engine built on it.
type App struct {
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
	Logger    *zap.Logger
	Publisher events.Publisher
	relay     PublisherOptions
}

// Open connects to the database, applies migrations and wires the engine
// with its archive and logger. The publisher is opened but not started.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(opts.LogLevel)
		if err != nil {
			return nil, err
		}
	}
	seed, err := loadSeed(opts)
	if err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	arch, err := archive.Open(ctx, opts.Archive)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	pub, err := OpenPublisher(opts.Publisher)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("publisher: %w", err)
	}
	eng := engine.New(conn, dialect, seed)
	eng.Archive = arch
	eng.Log = logger.Named("engine")
	logger.Debug("store ready", zap.String("dialect", string(dialect)), zap.String("archive", opts.Archive.Driver))
	return &App{
		DB:        conn,
		Dialect:   dialect,
		Engine:    eng,
		Logger:    logger,
		Publisher: pub,
		relay:     opts.Publisher,
	}, nil
}

func loadSeed(opts Options) (*config.Config, error) {
	if opts.PolicyFile != "" {
		cfg, err := config.FromFile(opts.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("policy file: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace policy: %w", err)
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	return cfg, nil
}

// OpenPublisher builds the event publisher for opts.Driver. It returns nil
// for the none driver.
func OpenPublisher(opts PublisherOptions) (events.Publisher, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver != "" && driver != PublisherNone && strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("%s publisher requires a url", driver)
	}
	switch driver {
	case "", PublisherNone:
		return nil, nil
	case PublisherAMQP:
		return events.NewAMQPPublisher(opts.URL)
	case PublisherRedis:
		return events.NewRedisPublisher(opts.URL, opts.Stream)
	case PublisherWebhook:
		return events.NewWebhookPublisher(opts.URL, opts.Secret), nil
	default:
		return nil, fmt.Errorf("unknown publisher %q", opts.Driver)
	}
}

// Relay returns an event relay for the configured publisher, or nil when
// no publisher is configured.
func (a *App) Relay(name string) *events.Relay {
	if a.Publisher == nil {
		return nil
	}
	if name == "" {
		name = "relay:" + strings.ToLower(a.relay.Driver)
	}
	return &events.Relay{
		Repo:      a.Engine.Repo,
		Publisher: a.Publisher,
		Logger:    a.Logger.Named("relay"),
		Name:      name,
		Filter:    events.NewFilter(a.relay.Events),
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	errs = append(errs, a.DB.Close())
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

// ResolveProject picks the project a command targets: the override when
// given, otherwise the only project in the store.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		if _, err := r.GetProject(ctx, r.DB, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s not found", id)
			}
			return "", err
		}
		return id, nil
	}
	p, err := r.SingleProject(ctx, r.DB)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("no project exists; create one first")
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
