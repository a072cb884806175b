package database

import "time"

type User struct {
	Id               string
	Email            string
	SubscriptionTier string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type QuotaCounter struct {
	Id          int
	Identifier  string
	QuotaType   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	UsedCount   int64
	LimitCount  int64
	UpdatedAt   time.Time
}

type QuotaOverride struct {
	Identifier string
	QuotaType  string
	LimitCount int64
	CreatedAt  time.Time
}

type AuditEvent struct {
	Id         int
	Kind       string
	Identifier string
	SessionId  string
	Detail     string
	CreatedAt  time.Time
}

type IncrementQuotaCounterParams struct {
	Identifier  string
	QuotaType   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Amount      int64
	LimitCount  int64
}
