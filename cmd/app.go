package cmd

import (
	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/accesslink"
	"example.com/eduwallet/services/partners/internal/cache"
	"example.com/eduwallet/services/partners/internal/certificates"
	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/database"
	"example.com/eduwallet/services/partners/internal/dispatch"
	"example.com/eduwallet/services/partners/internal/ledger"
	"example.com/eduwallet/services/partners/internal/messaging"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/repositories"
	"example.com/eduwallet/services/partners/internal/search"
	"example.com/eduwallet/services/partners/internal/services"
	"example.com/eduwallet/services/partners/internal/tracing"
	"example.com/eduwallet/services/partners/internal/webhooks"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// app holds the wired components shared by every subcommand
type app struct {
	cfg        config.Config
	db         *gorm.DB
	store      repositories.Store
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
	cache      *cache.RedisCache
	elastic    *search.ElasticClient
	bus        *messaging.ServiceBus
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Ledger
	catalog    *services.Catalog
	registry   *services.Registry
	verifier   *credentials.Verifier
	tokens     *accesslink.TokenIssuer
	processor  *webhooks.Processor
}

// newApp connects to the database and wires the domain components. Optional
// infrastructure that fails to initialise is logged and left disabled.
func newApp(cfg config.Config, source string) (*app, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		store:   repositories.NewGormStore(db),
		metrics: metrics.NewMetrics(),
	}

	a.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		a.tracer = &tracing.Tracer{}
	}

	a.cache, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching and rate limiting")
		a.cache = cache.Disabled()
	}

	a.elastic, err = search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without change event search")
		a.elastic = nil
	}

	a.bus, err = messaging.NewServiceBus(cfg.Azure, source)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Azure Service Bus, notifications will be delivered in process")
		a.bus = nil
	}

	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(a.metrics)}
	ledgerOpts := []ledger.Option{
		ledger.WithConfig(ledger.ConfigFrom(cfg)),
		ledger.WithMetrics(a.metrics),
	}
	if a.bus != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithPublisher(a.bus))
	}
	if a.elastic != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithIndexer(a.elastic))
		ledgerOpts = append(ledgerOpts, ledger.WithIndexer(a.elastic))
	}
	if gateway := certificates.NewHTTPGateway(cfg.Certificates); gateway != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithGateway(gateway))
	}

	a.dispatcher = dispatch.New(a.store, dispatch.ConfigFrom(cfg), dispatchOpts...)
	ledgerOpts = append(ledgerOpts, ledger.WithNotifier(a.dispatcher))
	a.ledger = ledger.New(a.store, ledgerOpts...)

	a.catalog = services.NewCatalog(a.store, a.cache, cfg.Redis.CourseTTL)
	a.registry = services.NewRegistry(a.store)
	a.verifier = credentials.NewVerifier(a.store, cfg.Webhook.FreshnessWindow)
	a.tokens = accesslink.NewTokenIssuer(cfg.AccessLink.Issuer, cfg.AccessLink.TokenTTL)
	a.processor = webhooks.NewProcessor(a.ledger, a.catalog, webhooks.WithMetrics(a.metrics))

	return a, nil
}

// Close waits for in-process deliveries and releases connections
func (a *app) Close() {
	a.dispatcher.Wait()

	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Service Bus client")
		}
	}
	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis client")
	}
	a.tracer.Close()
	if err := database.Close(a.db); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}
