package prom

import (
	"strings"
	"sync"

	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemSMS      = "sms"
	SystemQueue    = "queue"
	SystemProvider = "provider"
	SystemCampaign = "campaign"
	SystemWebhook  = "webhook"
)

const (
	MetricSMSResults              = "results_total"
	MetricSMSPriorFailures        = "prior_failures"
	MetricQueueJobDuration        = "job_duration_seconds"
	MetricQueueDepth              = "depth"
	MetricProviderRequestDuration = "request_duration_seconds"
	MetricCampaignJobsEnqueued    = "jobs_enqueued_total"
	MetricWebhookCallbacks        = "status_callbacks_total"
)

const (
	TypeCounterVec   = "counterVec"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
)

type definition struct {
	metricType string
	subsystem  string
	name       string
	help       string
	labels     []string
}

var definitions = []definition{
	{TypeCounterVec, SystemSMS, MetricSMSResults, "Send attempts by outcome.", []string{"result"}},
	{TypeHistogramVec, SystemSMS, MetricSMSPriorFailures, "Failed attempts before a recipient settled.", []string{"result"}},
	{TypeHistogramVec, SystemQueue, MetricQueueJobDuration, "Job handler run time.", []string{"queue", "outcome"}},
	{TypeGaugeVec, SystemQueue, MetricQueueDepth, "Jobs per queue and state.", []string{"queue", "state"}},
	{TypeHistogramVec, SystemProvider, MetricProviderRequestDuration, "Provider api latency.", []string{"success"}},
	{TypeCounterVec, SystemCampaign, MetricCampaignJobsEnqueued, "Send jobs added to the queue.", []string{"source"}},
	{TypeCounterVec, SystemWebhook, MetricWebhookCallbacks, "Provider status callbacks received.", []string{"status", "applied"}},
}

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionGaugeVec = make(map[string]*prometheus.GaugeVec)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

// Create registers every metric on the default registry. Before it runs
// the recording helpers are no-ops.
func Create(host string, env string, nameSpace string) error {
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace

	for _, d := range definitions {
		if err := createMetric(d); err != nil {
			return err
		}
	}
	MetricSystemEnabled = true
	return nil
}

func createMetric(d definition) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()

	key := d.subsystem + d.name
	var c prometheus.Collector
	switch d.metricType {
	case TypeCounterVec:
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: d.subsystem, Name: d.name, Help: d.help, ConstLabels: defaultLabels,
		}, d.labels)
		MetricCollectionCounterVec[key] = v
		c = v
	case TypeHistogramVec:
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: d.subsystem, Name: d.name, Help: d.help, ConstLabels: defaultLabels,
			Buckets: prometheus.DefBuckets,
		}, d.labels)
		MetricCollectionHistogramVec[key] = v
		c = v
	case TypeGaugeVec:
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: d.subsystem, Name: d.name, Help: d.help, ConstLabels: defaultLabels,
		}, d.labels)
		MetricCollectionGaugeVec[key] = v
		c = v
	default:
		return &UnknownTypeError{Type: d.metricType}
	}
	return prometheus.Register(c)
}

type UnknownTypeError struct{ Type string }

func (e *UnknownTypeError) Error() string { return "metric type " + e.Type + " is not defined" }

// Handler exposes the default registry as a fasthttp handler.
func Handler() xhttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
}

// ListenAndServer serves the registry on its own listener. It blocks.
func ListenAndServer(port string, url string) {
	s := xhttp.CreateServer()
	s.GET(url, Handler())
	logger.Info("[metrics-server] listening...", "addr", port, "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogramVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionGaugeVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(num)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

// IncSMSResult counts a send outcome by result label.
func IncSMSResult(result string) {
	IncCounterVec(SystemSMS, MetricSMSResults, result)
}

// ObservePriorFailures records how many attempts failed before a recipient
// reached its final result.
func ObservePriorFailures(result string, failures int) {
	AddHistogramVec(SystemSMS, MetricSMSPriorFailures, float64(failures), result)
}

func ObserveJobDuration(queue, outcome string, seconds float64) {
	AddHistogramVec(SystemQueue, MetricQueueJobDuration, seconds, queue, outcome)
}

func SetQueueDepth(queue, state string, depth int64) {
	SetGaugeVec(SystemQueue, MetricQueueDepth, float64(depth), queue, state)
}

func ObserveProviderRequest(success bool, seconds float64) {
	AddHistogramVec(SystemProvider, MetricProviderRequestDuration, seconds, boolLabel(success))
}

// AddJobsEnqueued counts send jobs added by a fan-out or a pending requeue.
func AddJobsEnqueued(source string, n int) {
	if n <= 0 {
		return
	}
	AddCounterVec(SystemCampaign, MetricCampaignJobsEnqueued, float64(n), source)
}

func IncStatusCallback(status string, applied bool) {
	status = strings.ToLower(status)
	if status == "" {
		status = "unknown"
	}
	IncCounterVec(SystemWebhook, MetricWebhookCallbacks, status, boolLabel(applied))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
