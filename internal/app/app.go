package app

import (
	"errors"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/config"
	"github.com/nimasrn/campaign-gateway/internal/fanout"
	gateway "github.com/nimasrn/campaign-gateway/internal/gateways"
	"github.com/nimasrn/campaign-gateway/internal/handlers"
	"github.com/nimasrn/campaign-gateway/internal/processor"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	"github.com/nimasrn/campaign-gateway/internal/repository"
	"github.com/nimasrn/campaign-gateway/internal/services"
	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
	"github.com/nimasrn/campaign-gateway/pkg/redis"
)

const APIPrefix = "/api"

// App is the wired object graph shared by the api and processor binaries.
type App struct {
	Config *config.Config

	DB    *pg.DB
	Redis redis.RedisAdapter

	SMSQueue      *queue.Queue
	CampaignQueue *queue.Queue

	Gateway     *gateway.Client
	Idempotency *processor.IdempotencyService

	Campaigns  *repository.CampaignRepository
	Contacts   *repository.ContactRepository
	Messages   *repository.MessageRepository
	Recipients *repository.CampaignRecipientRepository

	Dispatcher *fanout.Dispatcher
	Service    *services.CampaignService
}

// New connects postgres and redis from cfg and wires everything on top.
func New(cfg *config.Config) (*App, error) {
	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "development")
	if err != nil {
		return nil, err
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	opts.ClientName = cfg.AppName
	adapter, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithResources(cfg, db, adapter)
}

// NewWithResources wires the application on already opened connections.
func NewWithResources(cfg *config.Config, db *pg.DB, adapter redis.RedisAdapter) (*App, error) {
	if db == nil || adapter == nil {
		return nil, errors.New("database and redis are required")
	}

	smsCfg := processor.SMSQueueConfig()
	smsCfg.VisibilityTimeout = cfg.QueueVisibilityTimeout
	smsCfg.PollInterval = cfg.QueuePollInterval
	smsQueue, err := queue.NewQueue(adapter, smsCfg)
	if err != nil {
		return nil, err
	}

	campaignCfg := processor.CampaignQueueConfig()
	campaignCfg.VisibilityTimeout = cfg.QueueVisibilityTimeout
	campaignCfg.PollInterval = cfg.QueuePollInterval
	campaignQueue, err := queue.NewQueue(adapter, campaignCfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:        cfg,
		DB:            db,
		Redis:         adapter,
		SMSQueue:      smsQueue,
		CampaignQueue: campaignQueue,
		Gateway: gateway.NewClient(gateway.Config{
			AccountSID:       cfg.TwilioAccountSID,
			AuthToken:        cfg.TwilioAuthToken,
			FromNumber:       cfg.TwilioPhoneNumber,
			BaseURL:          cfg.TwilioBaseURL,
			SandboxMode:      cfg.TwilioSandboxMode,
			DevRouteAll:      cfg.DevRouting(),
			DevVirtualNumber: cfg.DevVirtualPhone,
			TestNumber:       cfg.SMSTestNumber,
			Timeout:          cfg.ProviderTimeout,
			MaxConns:         cfg.ProviderMaxConns,
		}),
		Idempotency: processor.NewIdempotencyService(adapter, processor.DefaultIdempotencyConfig()),
		Campaigns:   repository.NewCampaignRepository(db),
		Contacts:    repository.NewContactRepository(db),
		Messages:    repository.NewMessageRepository(db),
		Recipients:  repository.NewCampaignRecipientRepository(db),
	}

	a.Dispatcher = fanout.NewDispatcher(db, a.Messages, a.Recipients, a.Campaigns, a.Contacts, smsQueue, cfg.FanoutStagger)
	a.Service = services.NewCampaignService(a.Campaigns, a.Contacts, a.Messages, a.Recipients, a.Dispatcher, campaignQueue)
	return a, nil
}

// ServiceConfig maps the worker settings onto the processor defaults.
func (a *App) ServiceConfig() processor.ServiceConfig {
	sc := processor.DefaultServiceConfig()
	sc.SMSConcurrency = a.Config.SMSConcurrency
	sc.SMSRateMax = a.Config.SMSRateMax
	sc.SMSRateDuration = a.Config.SMSRateDuration
	sc.CampaignConcurrency = a.Config.CampaignConcurrency
	sc.PendingSweepSpec = a.Config.PendingSweepSpec
	sc.PendingStaleAfter = a.Config.PendingStaleAfter
	if a.Config.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = a.Config.ShutdownTimeout
	}
	return sc
}

// NewProcessorService builds the worker pools with both job handlers registered.
func (a *App) NewProcessorService() *processor.ProcessorService {
	svc := processor.NewProcessorService(a.Redis, a.SMSQueue, a.CampaignQueue, a.Dispatcher, a.ServiceConfig())
	svc.RegisterProcessor(processor.NewSMSProcessor(a.Gateway, a.Campaigns, a.Messages, a.Recipients, a.Idempotency, a.Config.DefaultCountryCode))
	svc.RegisterProcessor(processor.NewCampaignStartProcessor(a.Campaigns, a.Contacts, a.Dispatcher))
	return svc
}

// RegisterRoutes mounts the api under /api and the operational endpoints at
// the root. workers is nil when the pools run in another process.
func (a *App) RegisterRoutes(r *xhttp.Router, workers handlers.WorkerReporter) {
	g := r.Group(APIPrefix)
	handlers.RegisterCampaignRoutes(g, handlers.NewCampaignHandler(a.Service))
	handlers.RegisterWebhookRoutes(g, handlers.NewWebhookHandler(a.Service))

	handlers.RegisterHealthRoutes(r, handlers.NewHealthHandler(a.Redis, a.SMSQueue, a.CampaignQueue, workers, a.Gateway))
}

// Close stops the queues and releases the connections.
func (a *App) Close(timeout time.Duration) {
	for _, q := range []*queue.Queue{a.SMSQueue, a.CampaignQueue} {
		if err := q.Stop(timeout); err != nil {
			logger.Warn("queue did not stop cleanly", "queue", q.Name(), "error", err)
		}
	}
	if err := a.Redis.Close(); err != nil {
		logger.Warn("failed to close redis", "error", err)
	}
	if err := a.DB.Close(); err != nil {
		logger.Warn("failed to close database", "error", err)
	}
}
