package handlers

import (
	"context"
	"time"

	gateway "github.com/nimasrn/campaign-gateway/internal/gateways"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/nimasrn/campaign-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type QueueStatsSource interface {
	GetStats(ctx context.Context) (*queue.QueueStats, error)
}

type WorkerReporter interface {
	Workers() map[string]bool
}

// WorkerMetricsReporter is implemented by in-process worker pools that
// count their settled jobs.
type WorkerMetricsReporter interface {
	Metrics() map[string]map[string]interface{}
}

type ProviderReporter interface {
	Stats() gateway.ProviderStats
}

type HealthHandler struct {
	redis         Pinger
	smsQueue      QueueStatsSource
	campaignQueue QueueStatsSource
	workers       WorkerReporter
	provider      ProviderReporter
	now           func() time.Time
}

// RegisterHealthRoutes mounts the operational endpoints at the root.
func RegisterHealthRoutes(r *xhttp.Router, h *HealthHandler) {
	r.GET("/health", h.GetHealth)
	r.GET("/queue/status", h.GetQueueStatus)
	r.GET("/metrics", prom.Handler())
}

// NewHealthHandler builds the handler. workers may be nil when the pools run
// in a separate process.
func NewHealthHandler(redis Pinger, smsQueue, campaignQueue QueueStatsSource, workers WorkerReporter, provider ProviderReporter) *HealthHandler {
	return &HealthHandler{
		redis:         redis,
		smsQueue:      smsQueue,
		campaignQueue: campaignQueue,
		workers:       workers,
		provider:      provider,
		now:           time.Now,
	}
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Redis     string                 `json:"redis"`
	Workers   map[string]bool        `json:"workers"`
	Mode      string                 `json:"mode"`
	Provider  *gateway.ProviderStats `json:"provider,omitempty"`
}

type queueStatusResponse struct {
	SMSQueue      *queue.QueueStats `json:"smsQueue"`
	CampaignQueue *queue.QueueStats `json:"campaignQueue"`

	Workers map[string]map[string]interface{} `json:"workers,omitempty"`
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Redis:     "connected",
		Workers:   map[string]bool{"sms": false, "campaign": false},
		Mode:      "external",
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(pingCtx); err != nil {
		resp.Status = "degraded"
		resp.Redis = "disconnected"
	}

	if h.workers != nil {
		resp.Mode = "embedded"
		for name, running := range h.workers.Workers() {
			resp.Workers[name] = running
		}
	}
	if h.provider != nil {
		stats := h.provider.Stats()
		resp.Provider = &stats
	}

	status := fasthttp.StatusOK
	if resp.Status != "ok" {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, resp)
}

func (h *HealthHandler) GetQueueStatus(ctx *xhttp.RequestCtx) {
	sms, err := h.smsQueue.GetStats(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "Failed to get queue status", err.Error())
		return
	}
	campaign, err := h.campaignQueue.GetStats(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "Failed to get queue status", err.Error())
		return
	}
	resp := queueStatusResponse{SMSQueue: sms, CampaignQueue: campaign}
	if wm, ok := h.workers.(WorkerMetricsReporter); ok {
		resp.Workers = wm.Metrics()
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}
