package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "meterbill/backend/libs/db"
	libredis "meterbill/backend/libs/redis"
	"meterbill/backend/services/billing-service/internal/clients"
	"meterbill/backend/services/billing-service/internal/config"
	"meterbill/backend/services/billing-service/internal/db"
	"meterbill/backend/services/billing-service/internal/events"
	httpserver "meterbill/backend/services/billing-service/internal/http"
	"meterbill/backend/services/billing-service/internal/http/handlers"
	"meterbill/backend/services/billing-service/internal/http/middleware"
	"meterbill/backend/services/billing-service/internal/jobs"
	"meterbill/backend/services/billing-service/internal/locks"
	"meterbill/backend/services/billing-service/internal/metrics"
	"meterbill/backend/services/billing-service/internal/repository"
	"meterbill/backend/services/billing-service/internal/service"
	"meterbill/backend/services/billing-service/internal/storage"
	"meterbill/backend/services/billing-service/internal/ws"
)

const lockTTL = 30 * time.Second

// App wires billing service dependencies.
type App struct {
	server     *httpserver.Server
	worker     *jobs.Worker
	derived    *service.DerivedService
	transport  jobs.Transport
	db         *sql.DB
	redis      *goredis.Client
	closers    []io.Closer
	influx     *metrics.InfluxSink
	sweepEvery time.Duration
	logger     *zap.Logger
}

// New constructs application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := db.NewPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	a := &App{db: sqlDB, sweepEvery: cfg.Derived.SweepInterval, logger: logger}

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx, sqlDB); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Redis.Addr != "" {
		a.redis, err = libredis.NewRedisClient(libredis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			ReadTimeout: cfg.Jobs.PollInterval + 2*time.Second,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := a.wire(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config) error {
	logger := a.logger

	transport, err := newTransport(cfg, a.redis)
	if err != nil {
		return err
	}
	a.transport = transport

	var locker locks.Locker = locks.NewKeyedMutex()
	if a.redis != nil {
		locker = locks.NewRedisLocker(a.redis, "billing", lockTTL)
	}

	files, err := storage.NewLocalStore(cfg.Files.Root, cfg.Files.BaseURL, cfg.Files.SigningKey, cfg.Files.URLTTL)
	if err != nil {
		return err
	}
	renderer := clients.NewPDFRenderer(cfg.Renderer.URL, clients.NewDefaultHTTPClient(cfg.Renderer.Timeout), logger)

	bus := events.NewBus(logger)
	hub := ws.NewHub()
	billEvents := []events.Type{
		events.SingleMeterBillGenerated,
		events.AreaConsolidatedBillGenerated,
		events.CustomerConsolidatedBillGenerated,
	}
	bus.SubscribeAll("ws-hub", hub.Handle, billEvents...)

	if len(cfg.Kafka.Brokers) > 0 {
		forwarder := events.NewKafkaForwarder(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, forwarder)
		bus.SubscribeAll("kafka", forwarder.Handle, append(billEvents,
			events.MeterTariffCreated,
			events.MeterTariffUpdated,
			events.AreaTariffCreated,
			events.AreaTariffUpdated,
		)...)
	}

	if cfg.Influx.URL != "" {
		sink, err := metrics.NewInfluxSink(ctx, cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, logger)
		if err != nil {
			return err
		}
		a.influx = sink
		bus.SubscribeAll("influx", sink.Handle,
			events.ReadingRecorded,
			events.ReadingEdited,
			events.DerivedReadingCalculated,
		)
	}

	txm := libdb.NewTxManager(a.db)
	meterRepo := repository.NewMeterRepository(a.db)
	readingRepo := repository.NewReadingRepository(a.db)
	tariffRepo := repository.NewTariffRepository(a.db)
	billRepo := repository.NewBillRepository(a.db)

	tariffSvc := service.NewTariffService(tariffRepo, readingRepo, meterRepo, txm, bus, logger)
	a.derived = service.NewDerivedService(service.DerivedDeps{
		Meters:   meterRepo,
		Readings: readingRepo,
		Tariffs:  tariffSvc,
		Tx:       txm,
		Locker:   locker,
		Files:    files,
		Bus:      bus,
		Logger:   logger,
	})
	readingSvc := service.NewReadingService(service.ReadingDeps{
		Meters:   meterRepo,
		Readings: readingRepo,
		Tariffs:  tariffSvc,
		Tx:       txm,
		Locker:   locker,
		Files:    files,
		Bus:      bus,
		Derived:  a.derived,
		Logger:   logger,
	})
	billJob := service.NewBillJob(service.BillJobDeps{
		Requests:   billRepo,
		Meters:     meterRepo,
		Aggregator: service.NewAggregator(repository.NewBillingRepository(a.db)),
		Directory:  repository.NewDirectoryRepository(a.db),
		Invoices:   repository.NewInvoiceSequenceRepository(a.db),
		Files:      files,
		Renderer:   renderer,
		Tx:         txm,
		Queue:      transport,
		Bus:        bus,
		Logger:     logger,
		BatchSize:  cfg.Jobs.BatchSize,
	})
	a.worker = jobs.NewWorker("bill-generation", service.BillQueue, transport, billJob.Handle, cfg.Jobs.Concurrency, logger)

	routes := httpserver.Routes{
		Readings: handlers.NewReadingHandlers(readingSvc, logger),
		Tariffs:  handlers.NewTariffHandlers(tariffSvc, logger),
		Bills:    handlers.NewBillHandlers(billJob, logger),
		Files:    handlers.NewFileHandler(files, logger),
		BillsWS:  ws.NewServer(hub, cfg.WS.WriteTimeout, logger).HandleWS,
		Health:   handlers.NewHealthHandler(a.db),
	}
	router := httpserver.NewRouter(routes, middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger, httpserver.RequestLogger(logger))
	return nil
}

func newTransport(cfg *config.Config, client *goredis.Client) (jobs.Transport, error) {
	switch cfg.Jobs.Transport {
	case config.TransportRedis:
		if client == nil {
			return nil, errors.New("app: redis transport needs a redis client")
		}
		return jobs.NewRedisTransport(client, "billing", cfg.Jobs.PollInterval), nil
	case config.TransportRabbitMQ:
		return jobs.NewRabbitTransport(cfg.Jobs.RabbitMQURL, cfg.Jobs.Concurrency)
	default:
		return jobs.NewMemoryTransport(256), nil
	}
}

// Run serves HTTP, consumes bill jobs and sweeps derived meters until ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		a.sweepLoop(ctx)
	}()

	err := a.server.Run(ctx)
	cancel()
	wg.Wait()
	a.derived.Wait()

	if err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// sweepLoop fills in derived readings that no sub-meter reading triggered.
func (a *App) sweepLoop(ctx context.Context) {
	if a.sweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := a.derived.Sweep(ctx, now.UTC())
			if err != nil {
				a.logger.Warn("derived sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("derived sweep calculated readings", zap.Int("count", n))
			}
		}
	}
}

// Close releases resources.
func (a *App) Close() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn("failed to close job transport", zap.Error(err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close event forwarder", zap.Error(err))
		}
	}
	if a.influx != nil {
		a.influx.Close()
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
