package mocks

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockClient implements billing.Client for testing
type MockClient struct {
	mock.Mock
}

func (m *MockClient) GetDailySpend(ctx context.Context, externalCampaignID string, date time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, externalCampaignID, date)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockClient) SetDailyBudget(ctx context.Context, externalCampaignID string, amount decimal.Decimal) error {
	args := m.Called(ctx, externalCampaignID, amount)
	return args.Error(0)
}

func (m *MockClient) SetScheduleEnd(ctx context.Context, externalCampaignID string, end time.Time) error {
	args := m.Called(ctx, externalCampaignID, end)
	return args.Error(0)
}

func (m *MockClient) SetActive(ctx context.Context, externalCampaignID string, active bool) error {
	args := m.Called(ctx, externalCampaignID, active)
	return args.Error(0)
}
