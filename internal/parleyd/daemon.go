// Package parleyd wires the messaging core into a running process: the
// store, the services on top of it, the event bridge, and the HTTP API.
package parleyd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/api"
	"github.com/tOgg1/parley/internal/auth"
	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/delivery"
	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/messaging"
	"github.com/tOgg1/parley/internal/metrics"
	"github.com/tOgg1/parley/internal/receipts"
	"github.com/tOgg1/parley/internal/support"
	"github.com/tOgg1/parley/internal/threads"
)

// Options configures the daemon beyond the loaded config.
type Options struct {
	// Addr overrides server.addr.
	Addr string

	// Database overrides the configured store. Used by tests and the CLI.
	Database *db.DB

	// DisableBridge skips the cross-process event bridge even when
	// notify.backend is set.
	DisableBridge bool
}

// Daemon owns every long-lived component of a parley process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	database  *db.DB
	ownsDB    bool
	threads   *db.ThreadRepository
	messages  *db.MessageRepository
	eventRepo *db.EventRepository

	publisher *events.InMemoryPublisher
	metrics   *metrics.Metrics
	resolver  *threads.Resolver
	machine   *support.Machine
	store     *messaging.Store
	sender    *messaging.Sender
	poller    *delivery.Poller
	tracker   *receipts.Tracker
	auth      *auth.Authenticator
	server    *api.Server

	bridge    *events.Bridge
	redis     *redis.Client
	nats      *nats.Conn
	closers   []io.Closer
	detachers []func()
}

// New builds a daemon from cfg. The database is opened and migrated; the
// bridge and server start in Run.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	d := &Daemon{cfg: cfg, opts: opts, logger: logger}

	if err := d.openDatabase(); err != nil {
		return nil, err
	}

	d.metrics = metrics.New()
	d.threads = db.NewThreadRepository(d.database)
	d.messages = db.NewMessageRepository(d.database)
	d.eventRepo = db.NewEventRepository(d.database)
	d.publisher = events.NewInMemoryPublisher(events.WithRepository(d.eventRepo))

	d.resolver = threads.NewResolver(d.threads,
		threads.WithPublisher(d.publisher),
		threads.WithMetrics(d.metrics),
	)
	d.machine = support.NewMachine(d.threads, d.publisher, d.metrics)
	d.store = messaging.NewStore(d.threads, d.messages, messaging.Config{
		Timeout:      cfg.Store.Timeout,
		MaxBodyBytes: cfg.Store.MaxBodyBytes,
	},
		messaging.WithPublisher(d.publisher),
		messaging.WithReopener(d.machine),
		messaging.WithMetrics(d.metrics),
	)
	d.sender = messaging.NewSender(d.store, messaging.SenderConfig{
		MaxAttempts: cfg.Sender.MaxAttempts,
		Backoff:     cfg.Sender.Backoff,
	})
	d.poller = delivery.NewPoller(d.store, delivery.Config{
		Interval:     cfg.Delivery.Interval,
		FetchTimeout: cfg.Delivery.FetchTimeout,
	},
		delivery.WithPublisher(d.publisher),
		delivery.WithMetrics(d.metrics),
	)

	cache, err := d.badgeCache()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.tracker = receipts.NewTracker(d.store,
		receipts.WithPublisher(d.publisher),
		receipts.WithBadgeCache(cache),
		receipts.WithMetrics(d.metrics),
	)
	detach, err := d.tracker.Attach(d.publisher)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to attach badge invalidation: %w", err)
	}
	d.detachers = append(d.detachers, detach)

	if cfg.Auth.JWTSecret != "" {
		d.auth = auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	}

	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	d.server = api.New(api.Deps{
		Resolver: d.resolver,
		Store:    d.store,
		Machine:  d.machine,
		Poller:   d.poller,
		Tracker:  d.tracker,
		Auth:     d.auth,
		Metrics:  d.metrics,
	}, api.Options{
		Addr:            addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		SendRate:        cfg.Limits.SendRate,
		SendBurst:       cfg.Limits.SendBurst,
	})

	return d, nil
}

func (d *Daemon) openDatabase() error {
	if d.opts.Database != nil {
		d.database = d.opts.Database
		return nil
	}

	database, err := db.Open(db.Config{
		Driver:         d.cfg.Database.Driver,
		Path:           d.cfg.DatabasePath(),
		DSN:            d.cfg.Database.DSN,
		MaxConnections: d.cfg.Database.MaxConnections,
		BusyTimeoutMs:  d.cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	applied, err := database.MigrateUp(ctx)
	if err != nil {
		_ = database.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if applied > 0 {
		d.logger.Info().Int("applied", applied).Msg("database migrations applied")
	}

	d.database = database
	d.ownsDB = true
	return nil
}

func (d *Daemon) badgeCache() (receipts.BadgeCache, error) {
	if !d.cfg.Badges.Enabled {
		return receipts.NewMemoryBadgeCache(d.cfg.Badges.TTL), nil
	}
	client, err := d.redisClient()
	if err != nil {
		return nil, fmt.Errorf("badge cache: %w", err)
	}
	return receipts.NewRedisBadgeCache(client, d.cfg.Badges.TTL), nil
}

func (d *Daemon) redisClient() (*redis.Client, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := events.DialRedis(ctx, events.RedisOptions{
		Addr:     d.cfg.Notify.RedisAddr,
		Password: d.cfg.Notify.RedisPassword,
		DB:       d.cfg.Notify.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	d.redis = client
	d.closers = append(d.closers, client)
	return client, nil
}

func (d *Daemon) transport() (events.Transport, error) {
	switch strings.ToLower(d.cfg.Notify.Backend) {
	case "redis":
		client, err := d.redisClient()
		if err != nil {
			return nil, err
		}
		return events.NewRedisTransport(client), nil
	case "nats":
		conn, err := events.DialNATS(events.NATSOptions{
			URL:           d.cfg.Notify.NATSURL,
			Name:          "parleyd-" + d.cfg.Global.NodeID,
			ReconnectWait: d.cfg.Notify.ReconnectInterval,
		})
		if err != nil {
			return nil, err
		}
		d.nats = conn
		return events.NewNATSTransport(conn), nil
	default:
		return nil, nil
	}
}

// StartBridge connects the configured transport and starts relaying
// events. It is a no-op when notify.backend is none.
func (d *Daemon) StartBridge(ctx context.Context) error {
	if d.opts.DisableBridge || d.bridge != nil {
		return nil
	}
	transport, err := d.transport()
	if err != nil {
		return fmt.Errorf("event bridge: %w", err)
	}
	if transport == nil {
		return nil
	}

	bridge := events.NewBridge(d.publisher, transport, events.BridgeConfig{
		Subject:           d.cfg.Notify.Subject,
		Origin:            d.cfg.Global.NodeID,
		ReconnectInterval: d.cfg.Notify.ReconnectInterval,
	})
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	d.bridge = bridge
	d.logger.Info().Str("backend", d.cfg.Notify.Backend).Str("subject", d.cfg.Notify.Subject).Msg("event bridge enabled")
	return nil
}

// Run starts the bridge and serves the API until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.StartBridge(ctx); err != nil {
		return err
	}
	return d.server.Run(ctx)
}

// Close releases every resource New or Run acquired.
func (d *Daemon) Close() error {
	if d.bridge != nil {
		d.bridge.Stop()
		d.bridge = nil
	}
	for _, detach := range d.detachers {
		detach()
	}
	d.detachers = nil
	if d.publisher != nil {
		d.publisher.Close()
	}
	if d.nats != nil {
		d.nats.Close()
		d.nats = nil
	}
	for _, c := range d.closers {
		_ = c.Close()
	}
	d.closers = nil
	if d.ownsDB && d.database != nil {
		err := d.database.Close()
		d.database = nil
		return err
	}
	return nil
}

func (d *Daemon) Database() *db.DB                       { return d.database }
func (d *Daemon) EventRepository() *db.EventRepository   { return d.eventRepo }
func (d *Daemon) ThreadRepository() *db.ThreadRepository { return d.threads }
func (d *Daemon) Publisher() *events.InMemoryPublisher   { return d.publisher }
func (d *Daemon) Metrics() *metrics.Metrics              { return d.metrics }
func (d *Daemon) Resolver() *threads.Resolver            { return d.resolver }
func (d *Daemon) Machine() *support.Machine              { return d.machine }
func (d *Daemon) Store() *messaging.Store                { return d.store }
func (d *Daemon) Sender() *messaging.Sender              { return d.sender }
func (d *Daemon) Poller() *delivery.Poller               { return d.poller }
func (d *Daemon) Tracker() *receipts.Tracker             { return d.tracker }
func (d *Daemon) Authenticator() *auth.Authenticator     { return d.auth }
func (d *Daemon) Server() *api.Server                    { return d.server }
