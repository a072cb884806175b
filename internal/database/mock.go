package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepository) GetUserById(id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockRepository) GetQuotaCounter(identifier, quotaType string, periodStart time.Time) (QuotaCounter, error) {
	args := m.Called(identifier, quotaType, periodStart)
	return args.Get(0).(QuotaCounter), args.Error(1)
}

func (m *MockRepository) IncrementQuotaCounter(params IncrementQuotaCounterParams) (QuotaCounter, error) {
	args := m.Called(params)
	return args.Get(0).(QuotaCounter), args.Error(1)
}

func (m *MockRepository) ResetQuotaCounter(identifier, quotaType string) error {
	args := m.Called(identifier, quotaType)
	return args.Error(0)
}

func (m *MockRepository) GetQuotaOverride(identifier, quotaType string) (QuotaOverride, error) {
	args := m.Called(identifier, quotaType)
	return args.Get(0).(QuotaOverride), args.Error(1)
}

func (m *MockRepository) SetQuotaOverride(identifier, quotaType string, limit int64) error {
	args := m.Called(identifier, quotaType, limit)
	return args.Error(0)
}

func (m *MockRepository) AppendAuditEvent(event AuditEvent) error {
	args := m.Called(event)
	return args.Error(0)
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
