package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gateway "github.com/nimasrn/campaign-gateway/internal/gateways"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	"github.com/nimasrn/campaign-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type smsTest struct {
	sender     *MockSender
	campaigns  *MockCampaignStore
	messages   *MockMessageStore
	recipients *MockRecipientStore
	idem       *IdempotencyService
	processor  *SMSProcessor
}

func newSMSTest(t *testing.T) *smsTest {
	_, adapter := setupTestRedis(t)
	st := &smsTest{
		sender:     new(MockSender),
		campaigns:  new(MockCampaignStore),
		messages:   new(MockMessageStore),
		recipients: new(MockRecipientStore),
		idem:       NewIdempotencyService(adapter, DefaultIdempotencyConfig()),
	}
	st.processor = NewSMSProcessor(st.sender, st.campaigns, st.messages, st.recipients, st.idem, "+1")
	st.processor.now = func() time.Time { return fixedNow }
	t.Cleanup(func() {
		st.sender.AssertExpectations(t)
		st.campaigns.AssertExpectations(t)
		st.messages.AssertExpectations(t)
		st.recipients.AssertExpectations(t)
	})
	return st
}

func sendJob(t *testing.T, attempt, maxAttempts int, phone string) *queue.Job {
	data, err := json.Marshal(model.SendJob{
		CampaignID:  "C1",
		ContactID:   "r1",
		PhoneNumber: phone,
		Message:     "Hi {first_name}, renew by {renewal_deadline}",
		Contact: &model.Contact{
			ID:           "r1",
			PhoneNumber:  phone,
			FirstName:    "Ann",
			CustomFields: map[string]any{"next_exam_due": "2025-01-10"},
		},
	})
	require.NoError(t, err)
	return &queue.Job{
		ID:          "sms:C1:r1",
		Name:        model.JobNameSendSMS,
		Data:        data,
		Attempts:    attempt,
		MaxAttempts: maxAttempts,
	}
}

func running() *model.Campaign {
	return &model.Campaign{ID: "C1", Status: model.CampaignStatusRunning, MessageTemplate: "unused"}
}

func TestSMSProcessor_Success(t *testing.T) {
	st := newSMSTest(t)
	ctx := context.Background()

	st.campaigns.On("Get", mock.Anything, "C1").Return(running(), nil).Once()
	st.sender.On("Send", mock.Anything, "+15551234567", "Hi Ann, renew by 1/10/2025").
		Return(&gateway.SendResult{Success: true, MessageID: "SM123", Metadata: map[string]interface{}{"status": "queued"}}).Once()
	st.messages.On("MarkSent", mock.Anything, "C1", "r1", mock.MatchedBy(func(u model.SentUpdate) bool {
		return u.ProviderMessageID == "SM123" &&
			u.Body == "Hi Ann, renew by 1/10/2025" &&
			u.SentAt.Equal(fixedNow) &&
			string(u.ProviderResponse) == `{"status":"queued"}`
	})).Return(nil).Once()
	st.recipients.On("MarkSent", mock.Anything, "C1", "r1", "SM123", fixedNow).Return(nil).Once()
	st.campaigns.On("IncrementSent", mock.Anything, "C1").Return(nil).Once()

	err := st.processor.Process(ctx, sendJob(t, 1, 3, "(555) 123-4567"))
	require.NoError(t, err)

	processed, err := st.idem.IsProcessed(ctx, RecipientKey("C1", "r1"))
	require.NoError(t, err)
	assert.True(t, processed)

	t.Run("redelivery is acknowledged without sending", func(t *testing.T) {
		err := st.processor.Process(ctx, sendJob(t, 1, 3, "(555) 123-4567"))
		assert.NoError(t, err)
	})
}

func TestSMSProcessor_CampaignNotRunning(t *testing.T) {
	cases := []struct {
		name     string
		campaign *model.Campaign
		err      error
	}{
		{"paused", &model.Campaign{ID: "C1", Status: model.CampaignStatusPaused}, nil},
		{"cancelled", &model.Campaign{ID: "C1", Status: model.CampaignStatusCancelled}, nil},
		{"missing", nil, repository.ErrCampaignNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newSMSTest(t)
			if tc.campaign != nil {
				st.campaigns.On("Get", mock.Anything, "C1").Return(tc.campaign, nil).Once()
			} else {
				st.campaigns.On("Get", mock.Anything, "C1").Return(nil, tc.err).Once()
			}
			st.messages.On("MarkFailed", mock.Anything, "C1", "r1", "campaign not running", fixedNow).Return(nil).Once()
			st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", "campaign not running", fixedNow).Return(nil).Once()
			st.campaigns.On("IncrementFailed", mock.Anything, "C1").Return(nil).Once()

			err := st.processor.Process(context.Background(), sendJob(t, 1, 3, "5551234567"))
			require.Error(t, err)
			assert.True(t, queue.IsPermanent(err))
			assert.ErrorIs(t, err, model.ErrCampaignNotRunning)
			st.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSMSProcessor_RetryableFailure(t *testing.T) {
	st := newSMSTest(t)
	ctx := context.Background()

	st.campaigns.On("Get", mock.Anything, "C1").Return(running(), nil).Once()
	st.sender.On("Send", mock.Anything, "+15551234567", mock.Anything).
		Return(&gateway.SendResult{Error: "provider timeout after 10s", Retryable: true}).Once()
	st.messages.On("MarkFailed", mock.Anything, "C1", "r1", "provider timeout after 10s", fixedNow).Return(nil).Once()
	st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", "provider timeout after 10s", fixedNow).Return(nil).Once()

	err := st.processor.Process(ctx, sendJob(t, 1, 3, "5551234567"))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	st.campaigns.AssertNotCalled(t, "IncrementFailed", mock.Anything, mock.Anything)

	count, err := st.idem.GetRetryCount(ctx, RecipientKey("C1", "r1"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	processed, err := st.idem.IsProcessed(ctx, RecipientKey("C1", "r1"))
	require.NoError(t, err)
	assert.False(t, processed, "the next attempt must be able to send")
}

func TestSMSProcessor_FinalAttemptCountsFailureOnce(t *testing.T) {
	st := newSMSTest(t)

	st.campaigns.On("Get", mock.Anything, "C1").Return(running(), nil).Once()
	st.sender.On("Send", mock.Anything, "+15551234567", mock.Anything).
		Return(&gateway.SendResult{Error: "provider returned status 503", Retryable: true}).Once()
	st.messages.On("MarkFailed", mock.Anything, "C1", "r1", "provider returned status 503", fixedNow).Return(nil).Once()
	st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", "provider returned status 503", fixedNow).Return(nil).Once()
	st.campaigns.On("IncrementFailed", mock.Anything, "C1").Return(nil).Once()

	err := st.processor.Process(context.Background(), sendJob(t, 3, 3, "5551234567"))
	require.Error(t, err)
	assert.EqualError(t, err, "provider returned status 503")
}

func TestSMSProcessor_NonRetryableFailures(t *testing.T) {
	cases := []struct {
		name   string
		result *gateway.SendResult
		reason string
		target error
	}{
		{
			name:   "not configured",
			result: &gateway.SendResult{Error: gateway.ErrNotConfigured.Error(), NotConfigured: true},
			reason: "sms provider not configured",
			target: gateway.ErrNotConfigured,
		},
		{
			name:   "rejected number",
			result: &gateway.SendResult{Error: "21211: The 'To' number is not a valid phone number."},
			reason: "21211: The 'To' number is not a valid phone number.",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newSMSTest(t)
			st.campaigns.On("Get", mock.Anything, "C1").Return(running(), nil).Once()
			st.sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(tc.result).Once()
			st.messages.On("MarkFailed", mock.Anything, "C1", "r1", tc.reason, fixedNow).Return(nil).Once()
			st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", tc.reason, fixedNow).Return(nil).Once()
			st.campaigns.On("IncrementFailed", mock.Anything, "C1").Return(nil).Once()

			err := st.processor.Process(context.Background(), sendJob(t, 1, 3, "5551234567"))
			require.Error(t, err)
			assert.True(t, queue.IsPermanent(err))
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
		})
	}
}

func TestSMSProcessor_InvalidPhone(t *testing.T) {
	st := newSMSTest(t)
	st.campaigns.On("Get", mock.Anything, "C1").Return(running(), nil).Once()
	st.messages.On("MarkFailed", mock.Anything, "C1", "r1", mock.AnythingOfType("string"), fixedNow).Return(nil).Once()
	st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", mock.AnythingOfType("string"), fixedNow).Return(nil).Once()
	st.campaigns.On("IncrementFailed", mock.Anything, "C1").Return(nil).Once()

	err := st.processor.Process(context.Background(), sendJob(t, 1, 3, "12"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.Contains(t, err.Error(), "invalid phone number")
	st.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSMSProcessor_AlreadySentRecordIsNotCountedAsFailed(t *testing.T) {
	st := newSMSTest(t)
	st.campaigns.On("Get", mock.Anything, "C1").Return(&model.Campaign{ID: "C1", Status: model.CampaignStatusCompleted}, nil).Once()
	st.messages.On("MarkFailed", mock.Anything, "C1", "r1", "campaign not running", fixedNow).
		Return(repository.ErrInvalidTransition).Once()

	err := st.processor.Process(context.Background(), sendJob(t, 1, 3, "5551234567"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	st.campaigns.AssertNotCalled(t, "IncrementFailed", mock.Anything, mock.Anything)
}

func TestSMSProcessor_StoreFailureIsRetried(t *testing.T) {
	st := newSMSTest(t)
	st.campaigns.On("Get", mock.Anything, "C1").Return(nil, errors.New("connection refused")).Once()

	err := st.processor.Process(context.Background(), sendJob(t, 1, 3, "5551234567"))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	processed, err := st.idem.IsProcessed(context.Background(), RecipientKey("C1", "r1"))
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestSMSProcessor_LockedRecipient(t *testing.T) {
	st := newSMSTest(t)
	ctx := context.Background()

	_, err := st.idem.AcquireProcessingLock(ctx, RecipientKey("C1", "r1"))
	require.NoError(t, err)

	err = st.processor.Process(ctx, sendJob(t, 1, 3, "5551234567"))
	assert.ErrorIs(t, err, ErrLockAcquireFailed)
	assert.False(t, queue.IsPermanent(err))
}

func TestSMSProcessor_InvalidPayload(t *testing.T) {
	st := newSMSTest(t)

	err := st.processor.Process(context.Background(), &queue.Job{ID: "x", Data: json.RawMessage(`{"campaignId":`)})
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.True(t, queue.IsPermanent(err))

	err = st.processor.Process(context.Background(), &queue.Job{ID: "y", Data: json.RawMessage(`{"campaignId":"C1"}`)})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestSMSProcessor_LegacyPatientPayload(t *testing.T) {
	st := newSMSTest(t)
	st.campaigns.On("Get", mock.Anything, "C1").Return(running(), nil).Once()
	st.sender.On("Send", mock.Anything, "+15551234567", "Hello Bo").
		Return(&gateway.SendResult{Success: true, MessageID: "SM9"}).Once()
	st.messages.On("MarkSent", mock.Anything, "C1", "p7", mock.Anything).Return(nil).Once()
	st.recipients.On("MarkSent", mock.Anything, "C1", "p7", "SM9", fixedNow).Return(nil).Once()
	st.campaigns.On("IncrementSent", mock.Anything, "C1").Return(nil).Once()

	job := &queue.Job{
		ID:          "legacy",
		Name:        model.JobNameSendSMS,
		Attempts:    1,
		MaxAttempts: 3,
		Data: json.RawMessage(`{"campaignId":"C1","patientId":"p7","message":"Hello {{ first_name }}",
			"patient":{"id":"p7","phone_number":"+15551234567","first_name":"Bo"}}`),
	}
	require.NoError(t, st.processor.Process(context.Background(), job))
}

func TestSMSProcessor_StoreFailureOnFinalAttemptIsRecorded(t *testing.T) {
	st := newSMSTest(t)
	ctx := context.Background()
	reason := "failed to load campaign: connection refused"

	st.campaigns.On("Get", mock.Anything, "C1").Return(nil, errors.New("connection refused")).Once()
	st.messages.On("MarkFailed", mock.Anything, "C1", "r1", reason, fixedNow).Return(nil).Once()
	st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", reason, fixedNow).Return(nil).Once()
	st.campaigns.On("IncrementFailed", mock.Anything, "C1").Return(nil).Once()

	err := st.processor.Process(ctx, sendJob(t, 3, 3, "5551234567"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	st.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)

	processed, err := st.idem.IsProcessed(ctx, RecipientKey("C1", "r1"))
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestSMSProcessor_LockedOnFinalAttemptIsRecorded(t *testing.T) {
	st := newSMSTest(t)
	ctx := context.Background()

	_, err := st.idem.AcquireProcessingLock(ctx, RecipientKey("C1", "r1"))
	require.NoError(t, err)

	st.messages.On("MarkFailed", mock.Anything, "C1", "r1", ErrLockAcquireFailed.Error(), fixedNow).Return(nil).Once()
	st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", ErrLockAcquireFailed.Error(), fixedNow).Return(nil).Once()
	st.campaigns.On("IncrementFailed", mock.Anything, "C1").Return(nil).Once()

	err = st.processor.Process(ctx, sendJob(t, 3, 3, "5551234567"))
	assert.ErrorIs(t, err, ErrLockAcquireFailed)
	assert.True(t, queue.IsPermanent(err))
}

func TestSMSProcessor_StalledJobRecordsFailureWithoutSending(t *testing.T) {
	st := newSMSTest(t)
	st.messages.On("MarkFailed", mock.Anything, "C1", "r1", "job stalled after 3 attempts", fixedNow).Return(nil).Once()
	st.recipients.On("MarkFailed", mock.Anything, "C1", "r1", "job stalled after 3 attempts", fixedNow).Return(nil).Once()
	st.campaigns.On("IncrementFailed", mock.Anything, "C1").Return(nil).Once()

	err := st.processor.Process(context.Background(), sendJob(t, 4, 3, "5551234567"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	st.campaigns.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	st.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}
