package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
)

var (
	ErrNotConfigured = errors.New("sms provider not configured")
)

const (
	DefaultBaseURL = "https://api.twilio.com"
	DefaultTimeout = 10 * time.Second

	errCodeInvalidTo = 21211
)

type Config struct {
	AccountSID       string
	AuthToken        string
	FromNumber       string
	BaseURL          string
	SandboxMode      bool
	DevRouteAll      bool
	DevVirtualNumber string
	TestNumber       string
	Timeout          time.Duration
	MaxConns         int
}

// SendResult is the normalized outcome of one provider call. Provider side
// failures are reported here, never as a Go error.
type SendResult struct {
	Success       bool
	MessageID     string
	Error         string
	Retryable     bool
	NotConfigured bool
	Metadata      map[string]interface{}
}

// ProviderResponse renders the metadata for storage next to the message.
func (r *SendResult) ProviderResponse() json.RawMessage {
	if len(r.Metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil
	}
	return b
}

// MessageStatus is the provider view of a sent message.
type MessageStatus struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	To           string `json:"to"`
	From         string `json:"from"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Price        string `json:"price"`
	PriceUnit    string `json:"price_unit"`
	DateCreated  string `json:"date_created"`
	DateSent     string `json:"date_sent"`
	DateUpdated  string `json:"date_updated"`
}

type providerError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

type Client struct {
	config     Config
	client     *fasthttp.Client
	metrics    *ProviderMetrics
	configured bool
	authHeader string
}

// NewClient builds the gateway. Bad or placeholder credentials do not fail
// construction; the client reports Configured() == false instead.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 64
	}

	c := &Client{
		config:  config,
		metrics: NewProviderMetrics(),
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}

	if err := validateCredentials(config); err != nil {
		logger.Warn("sms provider disabled", "reason", err.Error())
		return c
	}

	c.configured = true
	c.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(config.AccountSID+":"+config.AuthToken))
	logger.Info("sms provider initialized",
		"base_url", config.BaseURL,
		"sandbox", config.SandboxMode,
		"override", c.ActiveOverride(),
		"timeout", config.Timeout)
	return c
}

func validateCredentials(c Config) error {
	switch {
	case c.AccountSID == "" || c.AuthToken == "":
		return errors.New("missing account sid or auth token")
	case !strings.HasPrefix(c.AccountSID, "AC"):
		return errors.New("account sid must start with AC")
	case len(c.AuthToken) <= 10:
		return errors.New("auth token is too short")
	case strings.Contains(c.AccountSID, "your_") || strings.Contains(c.AuthToken, "your_"):
		return errors.New("credentials are placeholders")
	case c.FromNumber == "" && !c.SandboxMode:
		return errors.New("no sending number configured")
	}
	return nil
}

func (c *Client) Configured() bool {
	return c.configured
}

// WithHTTPClient swaps the transport, used to dial in-memory listeners.
func (c *Client) WithHTTPClient(client *fasthttp.Client) *Client {
	c.client = client
	return c
}

// Send delivers body to the resolved recipient within the provider timeout.
func (c *Client) Send(ctx context.Context, to, body string) *SendResult {
	if !c.configured {
		return &SendResult{
			Error:         ErrNotConfigured.Error(),
			NotConfigured: true,
		}
	}

	d := c.Resolve(to, body)
	meta := map[string]interface{}{
		"sandbox": d.Sandbox,
		"to":      d.To,
		"from":    d.From,
	}
	if d.Override != OverrideNone {
		meta["override"] = d.Override
		meta["originalTo"] = to
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Add("To", d.To)
	args.Add("From", d.From)
	args.Add("Body", d.Body)

	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", c.config.AccountSID)

	start := time.Now()
	status, respBody, err := c.doRequest(ctx, fasthttp.MethodPost, path, args.QueryString())
	latency := time.Since(start)

	if err != nil {
		c.metrics.RecordFailure(0)
		prom.ObserveProviderRequest(false, latency.Seconds())
		logger.Warn("sms provider request failed", "to", d.To, "error", err)
		return &SendResult{
			Error:     err.Error(),
			Retryable: true,
			Metadata:  meta,
		}
	}

	if status != fasthttp.StatusCreated && status != fasthttp.StatusOK {
		c.metrics.RecordFailure(latency.Milliseconds())
		prom.ObserveProviderRequest(false, latency.Seconds())
		res := c.failure(status, respBody, d)
		res.Metadata = meta
		logger.Warn("sms provider rejected message", "to", d.To, "status", status, "error", res.Error)
		return res
	}

	var msg MessageStatus
	if err := json.Unmarshal(respBody, &msg); err != nil {
		c.metrics.RecordFailure(latency.Milliseconds())
		prom.ObserveProviderRequest(false, latency.Seconds())
		return &SendResult{
			Error:    fmt.Sprintf("failed to decode provider response: %v", err),
			Metadata: meta,
		}
	}

	c.metrics.RecordSuccess(latency.Milliseconds())
	prom.ObserveProviderRequest(true, latency.Seconds())

	meta["status"] = msg.Status
	meta["price"] = msg.Price
	meta["priceUnit"] = msg.PriceUnit
	if meta["price"] == "" {
		meta["price"] = "0.00"
	}
	if meta["priceUnit"] == "" {
		meta["priceUnit"] = "USD"
	}

	logger.Info("sms accepted by provider",
		"message_id", msg.SID,
		"to", d.To,
		"sandbox", d.Sandbox,
		"override", d.Override,
		"latency_ms", latency.Milliseconds())

	return &SendResult{
		Success:   true,
		MessageID: msg.SID,
		Metadata:  meta,
	}
}

func (c *Client) failure(status int, body []byte, d Delivery) *SendResult {
	res := &SendResult{
		Retryable: status == fasthttp.StatusTooManyRequests || status >= fasthttp.StatusInternalServerError,
	}

	var perr providerError
	if err := json.Unmarshal(body, &perr); err != nil || perr.Message == "" {
		res.Error = fmt.Sprintf("provider returned status %d", status)
		return res
	}

	res.Error = perr.Message
	if perr.Code != 0 {
		res.Error = fmt.Sprintf("%d: %s", perr.Code, perr.Message)
	}
	if d.Sandbox && perr.Code == errCodeInvalidTo {
		res.Error = "Phone number not verified in Twilio sandbox. Please verify your number first."
	}
	return res
}

// Status fetches the provider record of a message.
func (c *Client) Status(ctx context.Context, sid string) (*MessageStatus, error) {
	if !c.configured {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages/%s.json", c.config.AccountSID, sid)
	status, body, err := c.doRequest(ctx, fasthttp.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", status, body)
	}

	var msg MessageStatus
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &msg, nil
}

// doRequest performs one call bounded by the ctx deadline.
func (c *Client) doRequest(ctx context.Context, method, path string, form []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAuthorization, c.authHeader)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if form != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBody(form)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return 0, nil, fmt.Errorf("provider timeout after %s", c.config.Timeout)
		}
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return resp.StatusCode(), result, nil
}

// Stats returns the provider snapshot for health reporting.
func (c *Client) Stats() ProviderStats {
	m := c.metrics
	return ProviderStats{
		Name:             "twilio",
		Configured:       c.configured,
		Sandbox:          c.config.SandboxMode,
		Override:         c.ActiveOverride(),
		TotalRequests:    m.TotalRequests.Load(),
		SuccessfulReqs:   m.SuccessfulReqs.Load(),
		FailedReqs:       m.FailedReqs.Load(),
		SuccessRate:      m.SuccessRate(),
		AvgLatencyMs:     m.AvgLatencyMs(),
		P95LatencyMs:     m.P95LatencyMs(),
		LastLatencyMs:    m.LastLatencyMs.Load(),
		ConsecutiveFails: m.ConsecutiveFails.Load(),
	}
}
