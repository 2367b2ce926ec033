package processor

import (
	"context"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/fanout"
	gateway "github.com/nimasrn/campaign-gateway/internal/gateways"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/stretchr/testify/mock"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, to, body string) *gateway.SendResult {
	args := m.Called(ctx, to, body)
	return args.Get(0).(*gateway.SendResult)
}

type MockCampaignStore struct {
	mock.Mock
}

func (m *MockCampaignStore) Get(ctx context.Context, id string) (*model.Campaign, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Campaign), args.Error(1)
}

func (m *MockCampaignStore) IncrementSent(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockCampaignStore) IncrementFailed(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) MarkSent(ctx context.Context, campaignID, contactID string, u model.SentUpdate) error {
	return m.Called(ctx, campaignID, contactID, u).Error(0)
}

func (m *MockMessageStore) MarkFailed(ctx context.Context, campaignID, contactID, reason string, at time.Time) error {
	return m.Called(ctx, campaignID, contactID, reason, at).Error(0)
}

type MockRecipientStore struct {
	mock.Mock
}

func (m *MockRecipientStore) MarkSent(ctx context.Context, campaignID, contactID, providerID string, at time.Time) error {
	return m.Called(ctx, campaignID, contactID, providerID, at).Error(0)
}

func (m *MockRecipientStore) MarkFailed(ctx context.Context, campaignID, contactID, reason string, at time.Time) error {
	return m.Called(ctx, campaignID, contactID, reason, at).Error(0)
}

type MockContactReader struct {
	mock.Mock
}

func (m *MockContactReader) GetByIDs(ctx context.Context, ids []string) ([]*model.Contact, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Contact), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, campaign *model.Campaign, contacts []*model.Contact) (*fanout.Result, error) {
	args := m.Called(ctx, campaign, contacts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fanout.Result), args.Error(1)
}
