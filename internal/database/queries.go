package database

import (
	"time"
)

func (db *PgRepository) GetUserById(id string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, email, subscription_tier, created_at, updated_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Email,
		&u.SubscriptionTier,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgRepository) GetQuotaCounter(identifier, quotaType string, periodStart time.Time) (QuotaCounter, error) {
	row := db.conn.QueryRow(
		"SELECT id, identifier, quota_type, period_start, period_end, used_count, limit_count, updated_at "+
			"FROM quota_counters WHERE identifier = $1 AND quota_type = $2 AND period_start = $3 LIMIT 1",
		identifier,
		quotaType,
		periodStart.UTC(),
	)

	var c QuotaCounter
	err := row.Scan(
		&c.Id,
		&c.Identifier,
		&c.QuotaType,
		&c.PeriodStart,
		&c.PeriodEnd,
		&c.UsedCount,
		&c.LimitCount,
		&c.UpdatedAt,
	)

	return c, err
}

func (db *PgRepository) IncrementQuotaCounter(params IncrementQuotaCounterParams) (QuotaCounter, error) {
	row := db.conn.QueryRow(
		"INSERT INTO quota_counters (identifier, quota_type, period_start, period_end, used_count, limit_count, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"ON CONFLICT (identifier, quota_type, period_start) DO UPDATE SET "+
			"used_count = quota_counters.used_count + EXCLUDED.used_count, "+
			"limit_count = EXCLUDED.limit_count, updated_at = EXCLUDED.updated_at "+
			"RETURNING id, identifier, quota_type, period_start, period_end, used_count, limit_count, updated_at",
		params.Identifier,
		params.QuotaType,
		params.PeriodStart.UTC(),
		params.PeriodEnd.UTC(),
		params.Amount,
		params.LimitCount,
		time.Now().UTC(),
	)

	var c QuotaCounter
	err := row.Scan(
		&c.Id,
		&c.Identifier,
		&c.QuotaType,
		&c.PeriodStart,
		&c.PeriodEnd,
		&c.UsedCount,
		&c.LimitCount,
		&c.UpdatedAt,
	)

	return c, err
}

func (db *PgRepository) ResetQuotaCounter(identifier, quotaType string) error {
	_, err := db.conn.Exec(
		"DELETE FROM quota_counters WHERE identifier = $1 AND quota_type = $2",
		identifier,
		quotaType,
	)
	return err
}

func (db *PgRepository) GetQuotaOverride(identifier, quotaType string) (QuotaOverride, error) {
	row := db.conn.QueryRow(
		"SELECT identifier, quota_type, limit_count, created_at FROM quota_overrides "+
			"WHERE identifier = $1 AND quota_type = $2 LIMIT 1",
		identifier,
		quotaType,
	)

	var o QuotaOverride
	err := row.Scan(
		&o.Identifier,
		&o.QuotaType,
		&o.LimitCount,
		&o.CreatedAt,
	)

	return o, err
}

func (db *PgRepository) SetQuotaOverride(identifier, quotaType string, limit int64) error {
	_, err := db.conn.Exec(
		"INSERT INTO quota_overrides (identifier, quota_type, limit_count, created_at) "+
			"VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (identifier, quota_type) DO UPDATE SET limit_count = EXCLUDED.limit_count",
		identifier,
		quotaType,
		limit,
		time.Now().UTC(),
	)
	return err
}

func (db *PgRepository) AppendAuditEvent(event AuditEvent) error {
	_, err := db.conn.Exec(
		"INSERT INTO audit_events (kind, identifier, session_id, detail, created_at) "+
			"VALUES ($1, $2, $3, $4, $5)",
		event.Kind,
		event.Identifier,
		event.SessionId,
		event.Detail,
		time.Now().UTC(),
	)
	return err
}
