package database

import "time"

type Repository interface {
	Ping() error
	GetUserById(id string) (User, error)
	GetQuotaCounter(identifier, quotaType string, periodStart time.Time) (QuotaCounter, error)
	IncrementQuotaCounter(params IncrementQuotaCounterParams) (QuotaCounter, error)
	ResetQuotaCounter(identifier, quotaType string) error
	GetQuotaOverride(identifier, quotaType string) (QuotaOverride, error)
	SetQuotaOverride(identifier, quotaType string, limit int64) error
	AppendAuditEvent(event AuditEvent) error
	Close() error
}
