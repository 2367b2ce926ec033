package app

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/campaign-gateway/internal/config"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/repository"
	"github.com/nimasrn/campaign-gateway/internal/repository/repotest"
	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/nimasrn/campaign-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                 "test",
		AppName:                "campaign_gateway",
		TwilioAccountSID:       "AC0123456789abcdef",
		TwilioAuthToken:        "0123456789abcdef",
		TwilioPhoneNumber:      "+15550001111",
		TwilioBaseURL:          "http://twilio.test",
		ProviderTimeout:        time.Second,
		DefaultCountryCode:     "1",
		SMSConcurrency:         5,
		SMSRateMax:             10,
		SMSRateDuration:        time.Second,
		CampaignConcurrency:    2,
		QueueVisibilityTimeout: 30 * time.Second,
		QueuePollInterval:      20 * time.Millisecond,
		PendingStaleAfter:      10 * time.Minute,
		ShutdownTimeout:        5 * time.Second,
	}
}

type testApp struct {
	*App
	router   *xhttp.Router
	provider atomic.Int32
}

func newTestApp(t *testing.T, withWorkers bool) *testApp {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &redis.Options{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	a, err := NewWithResources(testConfig(), repotest.OpenSQLite(t, repository.Entities()...), adapter)
	require.NoError(t, err)

	ta := &testApp{App: a, router: xhttp.CreateDefaultRouter()}

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		n := ta.provider.Add(1)
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetContentType("application/json")
		_ = json.NewEncoder(ctx).Encode(map[string]any{"sid": "SM" + string(rune('0'+n)), "status": "queued"})
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	a.Gateway.WithHTTPClient(&fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	})

	if withWorkers {
		svc := a.NewProcessorService()
		require.NoError(t, svc.Start())
		t.Cleanup(svc.Stop)
		a.RegisterRoutes(ta.router, svc)
	} else {
		a.RegisterRoutes(ta.router, nil)
	}
	return ta
}

func (ta *testApp) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != "" {
		ctx.Request.Header.SetContentType("application/json")
		ctx.Request.SetBodyString(body)
	}
	ta.router.Handler(ctx)

	var out map[string]any
	if len(ctx.Response.Body()) > 0 {
		_ = json.Unmarshal(ctx.Response.Body(), &out)
	}
	return ctx.Response.StatusCode(), out
}

func seed(t *testing.T, a *App, status model.CampaignStatus, contactIDs ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := a.Campaigns.Create(ctx, &model.Campaign{
		ID:              "C1",
		Name:            "checkups",
		MessageTemplate: "Hi {first_name}",
		Status:          status,
	})
	require.NoError(t, err)
	for i, id := range contactIDs {
		_, err := a.Contacts.Create(ctx, &model.Contact{
			ID:          id,
			PhoneNumber: "555-123-456" + string(rune('0'+i)),
			FirstName:   "Pat",
		})
		require.NoError(t, err)
	}
}

func TestApp_StartCampaignSendsEveryContact(t *testing.T) {
	ta := newTestApp(t, true)
	seed(t, ta.App, model.CampaignStatusDraft, "r1", "r2")

	code, body := ta.do(t, fasthttp.MethodPost, "/api/campaigns/C1/start", `{"patientIds":["r1","r2","missing"]}`)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["patientCount"])

	require.Eventually(t, func() bool {
		_, body := ta.do(t, fasthttp.MethodGet, "/api/campaigns/C1/status", "")
		return body["sentCount"] == float64(2)
	}, 10*time.Second, 50*time.Millisecond)

	_, body = ta.do(t, fasthttp.MethodGet, "/api/campaigns/C1/status?exact=true", "")
	assert.Equal(t, float64(2), body["sentCount"])
	assert.Equal(t, float64(0), body["failedCount"])
	assert.Equal(t, float64(2), body["totalRecipients"])
	assert.Equal(t, map[string]any{"sent": float64(2)}, body["messages"])
	assert.Equal(t, int32(2), ta.provider.Load())

	msg, err := ta.Messages.Get(context.Background(), "C1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "Hi Pat", msg.Body)
	assert.Equal(t, model.MessageStatusSent, msg.Status)

	_, body = ta.do(t, fasthttp.MethodGet, "/queue/status", "")
	workers, ok := body["workers"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, workers, "sms-processing")

	t.Run("contacts added after the first batch drained", func(t *testing.T) {
		_, err := ta.Contacts.Create(context.Background(), &model.Contact{ID: "r3", PhoneNumber: "555-123-4569", FirstName: "Sam"})
		require.NoError(t, err)

		code, _ := ta.do(t, fasthttp.MethodPost, "/api/campaigns/C1/process-new-contacts", `{"contactIds":["r3"]}`)
		require.Equal(t, fasthttp.StatusOK, code)

		require.Eventually(t, func() bool {
			_, body := ta.do(t, fasthttp.MethodGet, "/api/campaigns/C1/status", "")
			return body["sentCount"] == float64(3)
		}, 10*time.Second, 50*time.Millisecond)
	})
}

func TestApp_StatusCallbackUpdatesMessage(t *testing.T) {
	ta := newTestApp(t, true)
	seed(t, ta.App, model.CampaignStatusDraft, "r1")

	code, _ := ta.do(t, fasthttp.MethodPost, "/api/campaigns/C1/start", `{"contactIds":["r1"]}`)
	require.Equal(t, fasthttp.StatusOK, code)

	var sid string
	require.Eventually(t, func() bool {
		msg, err := ta.Messages.Get(context.Background(), "C1", "r1")
		if err != nil || msg.Status != model.MessageStatusSent {
			return false
		}
		sid = msg.ProviderMessageID
		return true
	}, 10*time.Second, 50*time.Millisecond)

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/api/webhooks/twilio/status")
	ctx.Request.Header.SetContentType("application/x-www-form-urlencoded")
	ctx.Request.SetBodyString("MessageSid=" + sid + "&MessageStatus=delivered")
	ta.router.Handler(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	msg, err := ta.Messages.Get(context.Background(), "C1", "r1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)
}

func TestApp_Errors(t *testing.T) {
	ta := newTestApp(t, false)
	seed(t, ta.App, model.CampaignStatusCompleted, "r1")

	code, body := ta.do(t, fasthttp.MethodPost, "/api/campaigns/C1/start", `{"contactIds":["r1"]}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	code, _ = ta.do(t, fasthttp.MethodGet, "/api/campaigns/nope/status", "")
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = ta.do(t, fasthttp.MethodPost, "/api/campaigns/C1/process-new-contacts", `{"contactIds":["r1"]}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestApp_OperationalRoutes(t *testing.T) {
	ta := newTestApp(t, false)

	code, body := ta.do(t, fasthttp.MethodGet, "/health", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"sms": false, "campaign": false}, body["workers"])
	assert.Equal(t, "external", body["mode"])

	code, body = ta.do(t, fasthttp.MethodGet, "/queue/status", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, body, "smsQueue")
	assert.Contains(t, body, "campaignQueue")

	code, body = ta.do(t, fasthttp.MethodPost, "/api/process-pending-sms", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, float64(0), body["count"])
}

func TestApp_ServiceConfig(t *testing.T) {
	ta := newTestApp(t, false)
	ta.Config.SMSConcurrency = 7
	ta.Config.PendingSweepSpec = "@every 1m"

	sc := ta.ServiceConfig()
	assert.Equal(t, 7, sc.SMSConcurrency)
	assert.Equal(t, 10, sc.SMSRateMax)
	assert.Equal(t, 2, sc.CampaignConcurrency)
	assert.Equal(t, "@every 1m", sc.PendingSweepSpec)
	assert.Equal(t, 5*time.Second, sc.ShutdownTimeout)
}
