package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/prom"
	"github.com/nimasrn/campaign-gateway/pkg/redis"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

const (
	SMSQueueName      = "sms-processing"
	CampaignQueueName = "campaign-start"
)

// SMSQueueConfig and CampaignQueueConfig are the queue defaults the API and
// the processor agree on.
func SMSQueueConfig() queue.QueueConfig {
	return queue.QueueConfig{
		Name:            SMSQueueName,
		DefaultAttempts: 3,
		Backoff:         queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
		KeepCompleted:   100,
		KeepFailed:      50,
	}
}

func CampaignQueueConfig() queue.QueueConfig {
	return queue.QueueConfig{
		Name:            CampaignQueueName,
		DefaultAttempts: 2,
		Backoff:         queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
		KeepCompleted:   50,
		KeepFailed:      25,
	}
}

type ServiceConfig struct {
	SMSConcurrency      int
	SMSRateMax          int
	SMSRateDuration     time.Duration
	CampaignConcurrency int

	// cron specs, an empty spec disables the job
	StatsSpec        string
	HealthSpec       string
	PendingSweepSpec string

	PendingStaleAfter time.Duration
	PendingSweepLimit int
	QueueLagWarning   int64
	ShutdownTimeout   time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SMSConcurrency:      5,
		SMSRateMax:          10,
		SMSRateDuration:     time.Second,
		CampaignConcurrency: 2,
		StatsSpec:           "@every 30s",
		HealthSpec:          "@every 30s",
		PendingSweepSpec:    "@every 5m",
		PendingStaleAfter:   10 * time.Minute,
		PendingSweepLimit:   100,
		QueueLagWarning:     10000,
		ShutdownTimeout:     time.Minute,
	}
}

// Processor handles the jobs of one name.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
	GetType() string
}

type PendingRequeuer interface {
	Requeue(ctx context.Context, before time.Time, limit int) (int, error)
}

// ProcessorService runs the send and campaign-start worker pools plus the
// periodic maintenance jobs.
type ProcessorService struct {
	adapter       redis.RedisAdapter
	config        ServiceConfig
	smsQueue      *queue.Queue
	campaignQueue *queue.Queue
	requeuer      PendingRequeuer

	processors map[string]Processor
	metrics    map[string]*ServiceMetrics
	cron       *cron.Cron

	running  atomic.Bool
	fatal    chan error
	stopOnce sync.Once
}

func NewProcessorService(adapter redis.RedisAdapter, smsQueue, campaignQueue *queue.Queue, requeuer PendingRequeuer, config ServiceConfig) *ProcessorService {
	return &ProcessorService{
		adapter:       adapter,
		config:        config,
		smsQueue:      smsQueue,
		campaignQueue: campaignQueue,
		requeuer:      requeuer,
		processors:    make(map[string]Processor),
		metrics: map[string]*ServiceMetrics{
			smsQueue.Name():      NewServiceMetrics(),
			campaignQueue.Name(): NewServiceMetrics(),
		},
		cron:  cron.New(),
		fatal: make(chan error, 1),
	}
}

// RegisterProcessor routes jobs named p.GetType() to p.
func (s *ProcessorService) RegisterProcessor(p Processor) {
	s.processors[p.GetType()] = p
	logger.Info("registered processor", "type", p.GetType())
}

func (s *ProcessorService) Start() error {
	logger.Info("starting processor service...")

	limit := rate.Every(s.config.SMSRateDuration / time.Duration(max(s.config.SMSRateMax, 1)))
	err := s.smsQueue.Consume(s.handle, queue.ConsumeOptions{
		Concurrency: s.config.SMSConcurrency,
		Limiter:     rate.NewLimiter(limit, max(s.config.SMSRateMax, 1)),
		OnResult:    s.onResult,
		OnPanic:     s.onPanic,
	})
	if err != nil {
		return fmt.Errorf("failed to start sms workers: %w", err)
	}

	err = s.campaignQueue.Consume(s.handle, queue.ConsumeOptions{
		Concurrency: s.config.CampaignConcurrency,
		OnResult:    s.onResult,
		OnPanic:     s.onPanic,
	})
	if err != nil {
		return fmt.Errorf("failed to start campaign workers: %w", err)
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{s.config.StatsSpec, s.reportMetrics},
		{s.config.HealthSpec, s.performHealthCheck},
		{s.config.PendingSweepSpec, s.sweepPending},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("invalid cron spec %q: %w", j.spec, err)
		}
	}
	s.cron.Start()
	s.running.Store(true)

	logger.Info("processor service started",
		"sms_concurrency", s.config.SMSConcurrency,
		"sms_rate", fmt.Sprintf("%d/%s", s.config.SMSRateMax, s.config.SMSRateDuration),
		"campaign_concurrency", s.config.CampaignConcurrency)
	return nil
}

func (s *ProcessorService) handle(ctx context.Context, job *queue.Job) error {
	p, ok := s.processors[job.Name]
	if !ok {
		logger.Error("no processor for job", "job_id", job.ID, "name", job.Name)
		// unknown job names will not succeed on retry
		return queue.Permanent(fmt.Errorf("no processor registered for %q", job.Name))
	}
	return p.Process(ctx, job)
}

func (s *ProcessorService) onResult(res queue.Result) {
	queueName := SMSQueueName
	if res.Job.Name == model.JobNameStartCampaign {
		queueName = CampaignQueueName
	}

	outcome := "completed"
	switch {
	case res.Err == nil:
		s.metrics[queueName].RecordSuccess(res.Duration)
	case res.Retried:
		outcome = "retried"
		s.metrics[queueName].RecordFailure()
	default:
		outcome = "failed"
		s.metrics[queueName].RecordFailure()
	}
	prom.ObserveJobDuration(queueName, outcome, res.Duration.Seconds())
}

func (s *ProcessorService) onPanic(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Fatal delivers the first handler panic; the owner is expected to shut down.
func (s *ProcessorService) Fatal() <-chan error {
	return s.fatal
}

// Workers reports whether each pool's claim loop is alive.
func (s *ProcessorService) Workers() map[string]bool {
	running := s.running.Load()
	return map[string]bool{
		"sms":      running && s.smsQueue.Consuming(),
		"campaign": running && s.campaignQueue.Consuming(),
	}
}

func (s *ProcessorService) Metrics() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(s.metrics))
	for name, m := range s.metrics {
		out[name] = m.GetStats()
	}
	return out
}

func (s *ProcessorService) reportMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name, m := range s.metrics {
		stats := m.GetStats()
		logger.Info("worker metrics",
			"queue", name,
			"total_processed", stats["total_processed"],
			"total_failed", stats["total_failed"],
			"rate_per_second", stats["rate_per_second"],
			"avg_duration_ms", stats["avg_duration_ms"],
			"uptime_seconds", stats["uptime_seconds"])
	}

	for _, q := range []*queue.Queue{s.smsQueue, s.campaignQueue} {
		stats, err := q.GetStats(ctx)
		if err != nil {
			logger.Warn("queue stats unavailable", "queue", q.Name(), "error", err)
			continue
		}
		prom.SetQueueDepth(q.Name(), "waiting", stats.Waiting)
		prom.SetQueueDepth(q.Name(), "delayed", stats.Delayed)
		prom.SetQueueDepth(q.Name(), "active", stats.Active)
		prom.SetQueueDepth(q.Name(), "failed", stats.Failed)
		logger.Info("queue stats",
			"queue", q.Name(),
			"waiting", stats.Waiting,
			"delayed", stats.Delayed,
			"active", stats.Active,
			"completed", stats.Completed,
			"failed", stats.Failed)
	}
}

func (s *ProcessorService) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("health check failed: redis connection error", "error", err)
		return
	}

	for _, q := range []*queue.Queue{s.smsQueue, s.campaignQueue} {
		stats, err := q.GetStats(ctx)
		if err != nil {
			logger.Warn("health check warning: queue stats unavailable", "queue", q.Name(), "error", err)
			continue
		}
		if stats.Waiting > s.config.QueueLagWarning {
			logger.Warn("health check warning: queue has high lag", "queue", q.Name(), "waiting", stats.Waiting)
		}
	}

	logger.Debug("health check ok")
}

// sweepPending re-enqueues records that stayed pending past the stale
// threshold, e.g. when a fan-out enqueue failed after the rows were written.
func (s *ProcessorService) sweepPending() {
	if s.requeuer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.requeuer.Requeue(ctx, time.Now().Add(-s.config.PendingStaleAfter), s.config.PendingSweepLimit)
	if err != nil {
		logger.Error("pending sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("pending sweep re-enqueued messages", "count", n)
	}
}

// Stop stops claiming, waits for in-flight jobs up to the shutdown timeout
// and stops the cron jobs.
func (s *ProcessorService) Stop() {
	s.stopOnce.Do(func() {
		logger.Info("shutting down processor service...")
		s.running.Store(false)

		cronCtx := s.cron.Stop()

		var wg sync.WaitGroup
		for _, q := range []*queue.Queue{s.smsQueue, s.campaignQueue} {
			wg.Add(1)
			go func(q *queue.Queue) {
				defer wg.Done()
				if err := q.Stop(s.config.ShutdownTimeout); err != nil {
					logger.Error("error stopping queue", "queue", q.Name(), "error", err)
				}
			}(q)
		}
		wg.Wait()

		select {
		case <-cronCtx.Done():
		case <-time.After(5 * time.Second):
			logger.Warn("timeout waiting for cron jobs to finish")
		}

		s.reportMetrics()
		logger.Info("processor service stopped")
	})
}
