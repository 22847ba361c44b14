package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "parkpay/backend/libs/db"
	libredis "parkpay/backend/libs/redis"
	"parkpay/backend/services/gate-service/internal/config"
	"parkpay/backend/services/gate-service/internal/events"
	"parkpay/backend/services/gate-service/internal/protocol"
	"parkpay/backend/services/gate-service/internal/repository"
	"parkpay/backend/services/gate-service/internal/serial"
	"parkpay/backend/services/gate-service/internal/service"
)

// App wires gate service dependencies.
type App struct {
	transport  *serial.Adapter
	controller *service.SessionController
	db         *sql.DB
	redis      *redis.Client
	kafka      *events.KafkaSink
	logger     *zap.Logger
}

// New opens the serial link and constructs application components.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return newApp(ctx, cfg, serial.OpenTarm, logger)
}

func newApp(ctx context.Context, cfg *config.Config, opener serial.Opener, logger *zap.Logger) (*App, error) {
	ledgerPath, err := cfg.LedgerPath()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var journal service.SettlementJournal
	if dialect := cfg.JournalDialect(); dialect != "" {
		repo, err := a.openJournal(ctx, dialect, cfg.Journal.DSN)
		if err != nil {
			return nil, err
		}
		journal = repo
	}

	sink, err := a.buildSinks(cfg.Events)
	if err != nil {
		return nil, err
	}

	transport, err := serial.Open(ctx, cfg.SerialSettings(), opener, logger)
	if err != nil {
		return nil, err
	}
	a.transport = transport

	ledger := repository.NewLedgerRepository(ledgerPath, loc, logger)
	logger.Info("ledger ready", zap.String("path", ledger.Path()), zap.String("timezone", loc.String()))

	a.controller = service.NewSessionController(
		transport,
		protocol.NewCodec(cfg.Serial.Checksum),
		ledger,
		cfg.TariffSettings(),
		sink,
		journal,
		cfg.SessionSettings(),
		logger,
	)
	ok = true
	return a, nil
}

func (a *App) openJournal(ctx context.Context, dialect repository.Dialect, dsn string) (*repository.SettlementRepository, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch dialect {
	case repository.DialectSQLite:
		sqlDB, err = libdb.NewSQLiteDB(dsn)
	case repository.DialectPostgres:
		sqlDB, err = libdb.NewPostgresDB(dsn)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("open settlement journal: %w", err)
	}
	a.db = sqlDB

	repo := repository.NewSettlementRepository(sqlDB, dialect)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("settlement journal enabled", zap.String("driver", string(dialect)))
	return repo, nil
}

func (a *App) buildSinks(cfg config.EventsConfig) (events.Sink, error) {
	fanout := events.NewFanout(a.logger)
	fanout.Add("log", events.NewLogSink(a.logger))

	if cfg.RedisAddr != "" {
		client, err := libredis.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		a.redis = client
		fanout.Add("redis", events.NewRedisSink(client, cfg.RedisChannel))
		a.logger.Info("publishing events to redis", zap.String("channel", cfg.RedisChannel))
	}

	if len(cfg.KafkaBrokers) > 0 {
		a.kafka = events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		fanout.Add("kafka", a.kafka)
		a.logger.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
		)
	}
	if cfg.MetricsTextfile != "" {
		fanout.Add("metrics", events.NewMetricsSink(cfg.MetricsTextfile))
		a.logger.Info("writing event metrics", zap.String("textfile", cfg.MetricsTextfile))
	}
	return fanout, nil
}

// Run serves the gate controller until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.controller.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn("failed to close serial port", zap.Error(err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("failed to close kafka writer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}
