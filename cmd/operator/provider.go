package main

import (
	"context"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// provider error codes, same numbering as the real api
const (
	errCodeAuth        = 20003
	errCodeNotFound    = 20404
	errCodeInvalidTo   = 21211
	errCodeMissingTo   = 21604
	errCodeMissingBody = 21602
)

var undeliveredCodes = []int{30003, 30005, 30006, 30007}

var undeliveredMessages = map[int]string{
	30003: "Unreachable destination handset",
	30005: "Unknown destination handset",
	30006: "Landline or unreachable carrier",
	30007: "Message filtered",
}

// Message is the stored view of one accepted message.
type Message struct {
	SID          string `json:"sid"`
	AccountSID   string `json:"account_sid"`
	Status       string `json:"status"`
	To           string `json:"to"`
	From         string `json:"from"`
	Body         string `json:"body"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message,omitempty"`
	Price        string `json:"price"`
	PriceUnit    string `json:"price_unit"`
	DateCreated  string `json:"date_created"`
	DateSent     string `json:"date_sent,omitempty"`
	DateUpdated  string `json:"date_updated"`

	callback string
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// MockProvider accepts messages the way the real provider does and settles
// them asynchronously, posting status callbacks when asked to.
type MockProvider struct {
	mu           sync.Mutex
	deliveryRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	callbackURL  string
	rng          *rand.Rand
	messages     map[string]*Message
	client       *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMockProvider(deliveryRate float64, minDelay, maxDelay time.Duration, callbackURL string) *MockProvider {
	ctx, cancel := context.WithCancel(context.Background())
	return &MockProvider{
		deliveryRate: deliveryRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		callbackURL:  callbackURL,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		messages:     make(map[string]*Message),
		client:       &http.Client{Timeout: 5 * time.Second},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Close stops pending settlements and waits for them to return.
func (m *MockProvider) Close() {
	m.cancel()
	m.wg.Wait()
}

func newSID() string {
	return "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *MockProvider) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockProvider) shouldDeliver() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.deliveryRate
}

func (m *MockProvider) randomErrorCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return undeliveredCodes[m.rng.Intn(len(undeliveredCodes))]
}

func (m *MockProvider) Get(sid string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[sid]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

func (m *MockProvider) DeliveryRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveryRate
}

func (m *MockProvider) SetDeliveryRate(rate float64) {
	m.mu.Lock()
	m.deliveryRate = rate
	m.mu.Unlock()
}

func (m *MockProvider) accept(accountSID, to, from, body, callback string) *Message {
	now := time.Now().UTC().Format(time.RFC1123Z)
	msg := &Message{
		SID:         newSID(),
		AccountSID:  accountSID,
		Status:      "queued",
		To:          to,
		From:        from,
		Body:        body,
		Price:       "-0.00750",
		PriceUnit:   "USD",
		DateCreated: now,
		DateUpdated: now,
		callback:    callback,
	}
	if msg.callback == "" {
		msg.callback = m.callbackURL
	}

	m.mu.Lock()
	m.messages[msg.SID] = msg
	m.mu.Unlock()

	m.wg.Add(1)
	go m.settle(msg.SID)
	return msg
}

// settle moves a message to its final state after a random delay.
func (m *MockProvider) settle(sid string) {
	defer m.wg.Done()

	select {
	case <-time.After(m.randomDelay()):
	case <-m.ctx.Done():
		return
	}

	delivered := m.shouldDeliver()
	code := 0
	if !delivered {
		code = m.randomErrorCode()
	}

	m.mu.Lock()
	msg := m.messages[sid]
	now := time.Now().UTC().Format(time.RFC1123Z)
	msg.DateSent = now
	msg.DateUpdated = now
	if delivered {
		msg.Status = "delivered"
	} else {
		msg.Status = "undelivered"
		msg.ErrorCode = &code
		msg.ErrorMessage = undeliveredMessages[code]
	}
	snapshot := *msg
	m.mu.Unlock()

	ev := log.Info()
	if !delivered {
		ev = log.Warn().Int("error_code", code)
	}
	ev.Str("sid", sid).Str("to", snapshot.To).Str("status", snapshot.Status).Msg("message settled")

	if snapshot.callback != "" {
		m.postCallback(snapshot)
	}
}

func (m *MockProvider) postCallback(msg Message) {
	form := url.Values{}
	form.Set("MessageSid", msg.SID)
	form.Set("AccountSid", msg.AccountSID)
	form.Set("MessageStatus", msg.Status)
	form.Set("SmsStatus", msg.Status)
	form.Set("To", msg.To)
	form.Set("From", msg.From)
	if msg.ErrorCode != nil {
		form.Set("ErrorCode", strconv.Itoa(*msg.ErrorCode))
		form.Set("ErrorMessage", msg.ErrorMessage)
	}

	req, err := http.NewRequestWithContext(m.ctx, http.MethodPost, msg.callback, strings.NewReader(form.Encode()))
	if err != nil {
		log.Error().Err(err).Str("sid", msg.SID).Msg("invalid status callback url")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("sid", msg.SID).Msg("status callback failed")
		return
	}
	_ = resp.Body.Close()
	log.Debug().Str("sid", msg.SID).Int("status", resp.StatusCode).Msg("status callback delivered")
}

// Handler serves the provider api.
type Handler struct {
	provider *MockProvider
}

func NewHandler(provider *MockProvider) *Handler {
	return &Handler{provider: provider}
}

func abortWith(c *gin.Context, status, code int, msg string) {
	c.AbortWithStatusJSON(status, apiError{
		Code:     code,
		Message:  msg,
		MoreInfo: "https://www.twilio.com/docs/errors/" + strconv.Itoa(code),
		Status:   status,
	})
}

// basicAuth requires the account sid from the path as the basic auth user.
func basicAuth(c *gin.Context) {
	user, pass, ok := c.Request.BasicAuth()
	if !ok || pass == "" || user != c.Param("account") {
		abortWith(c, http.StatusUnauthorized, errCodeAuth, "Authenticate")
		return
	}
	c.Next()
}

func (h *Handler) CreateMessage(c *gin.Context) {
	to := c.PostForm("To")
	from := c.PostForm("From")
	body := c.PostForm("Body")

	switch {
	case to == "":
		abortWith(c, http.StatusBadRequest, errCodeMissingTo, "A 'To' phone number is required.")
		return
	case !strings.HasPrefix(to, "+") || len(to) < 8:
		abortWith(c, http.StatusBadRequest, errCodeInvalidTo, "The 'To' number "+to+" is not a valid phone number.")
		return
	case body == "":
		abortWith(c, http.StatusBadRequest, errCodeMissingBody, "Message body is required.")
		return
	}

	msg := h.provider.accept(c.Param("account"), to, from, body, c.PostForm("StatusCallback"))
	log.Info().Str("sid", msg.SID).Str("to", to).Msg("message accepted")
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) GetMessage(c *gin.Context) {
	sid := strings.TrimSuffix(c.Param("sid"), ".json")
	msg, ok := h.provider.Get(sid)
	if !ok {
		abortWith(c, http.StatusNotFound, errCodeNotFound, "The requested resource was not found")
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"timestamp":     time.Now().UTC(),
		"delivery_rate": h.provider.DeliveryRate(),
	})
}

func (h *Handler) UpdateConfig(c *gin.Context) {
	var req struct {
		DeliveryRate *float64 `json:"delivery_rate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if req.DeliveryRate != nil {
		if *req.DeliveryRate < 0 || *req.DeliveryRate > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "delivery_rate must be between 0 and 1"})
			return
		}
		h.provider.SetDeliveryRate(*req.DeliveryRate)
		log.Info().Float64("rate", *req.DeliveryRate).Msg("updated delivery rate")
	}
	c.JSON(http.StatusOK, gin.H{"delivery_rate": h.provider.DeliveryRate()})
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	log.Info().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("duration", time.Since(start)).
		Msg("request processed")
}

// SetupRouter configures all routes.
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger)

	accounts := router.Group("/2010-04-01/Accounts/:account", basicAuth)
	{
		accounts.POST("/Messages.json", handler.CreateMessage)
		accounts.GET("/Messages/:sid", handler.GetMessage)
	}

	router.GET("/health", handler.HealthCheck)
	router.PUT("/config", handler.UpdateConfig)
	return router
}
