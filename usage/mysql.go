package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/fablecast/fablecast"
)

// MySQLStore persists usage on MySQL. Records are append-only and
// quota rows are keyed on (user_id, service_type, kind).
type MySQLStore struct {
	db *sql.DB
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id           BIGINT AUTO_INCREMENT PRIMARY KEY,
	service_type VARCHAR(64)  NOT NULL,
	method       VARCHAR(128) NOT NULL,
	user_id      VARCHAR(128) NOT NULL,
	endpoint_id  VARCHAR(128) NOT NULL,
	success      TINYINT(1)   NOT NULL,
	latency_ms   BIGINT       NOT NULL,
	cost         DOUBLE       NOT NULL,
	tokens       BIGINT       NOT NULL,
	cache_hit    TINYINT(1)   NOT NULL,
	created_at   DATETIME(3)  NOT NULL,
	INDEX idx_records_time (created_at),
	INDEX idx_records_user (user_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS usage_quotas (
	user_id        VARCHAR(128) NOT NULL,
	service_type   VARCHAR(64)  NOT NULL,
	kind           VARCHAR(16)  NOT NULL,
	total_requests BIGINT       NOT NULL,
	used_requests  BIGINT       NOT NULL,
	total_cost     DOUBLE       NOT NULL,
	used_cost      DOUBLE       NOT NULL,
	period_start   DATETIME(3)  NOT NULL,
	period_end     DATETIME(3)  NOT NULL,
	exceeded       TINYINT(1)   NOT NULL,
	warn_threshold DOUBLE       NOT NULL,
	PRIMARY KEY (user_id, service_type, kind)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS account_balances (
	user_id VARCHAR(128) NOT NULL PRIMARY KEY,
	balance DOUBLE       NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// NewMySQLStore opens the DSN and verifies connectivity. The schema is
// created on first use when missing.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (m *MySQLStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(mysqlSchema) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) Close() error {
	return m.db.Close()
}

func (m *MySQLStore) AppendRecord(ctx context.Context, record *Record) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (service_type, method, user_id, endpoint_id, success, latency_ms, cost, tokens, cache_hit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.ServiceType), record.Method, record.UserID, record.EndpointID,
		record.Success, record.Latency.Milliseconds(), record.Cost, record.Tokens,
		record.CacheHit, record.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (m *MySQLStore) Records(ctx context.Context, filter Filter, since, until time.Time) ([]*Record, error) {
	query := `SELECT service_type, method, user_id, endpoint_id, success, latency_ms, cost, tokens, cache_hit, created_at
	          FROM usage_records WHERE created_at >= ? AND created_at < ?`
	args := []any{since.UTC(), until.UTC()}
	if filter.ServiceType != "" {
		query += " AND service_type = ?"
		args = append(args, string(filter.ServiceType))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " ORDER BY created_at"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			record    Record
			service   string
			latencyMS int64
			createdAt time.Time
		)
		if err := rows.Scan(&service, &record.Method, &record.UserID, &record.EndpointID,
			&record.Success, &latencyMS, &record.Cost, &record.Tokens,
			&record.CacheHit, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		record.ServiceType = fablecast.ServiceType(service)
		record.Latency = time.Duration(latencyMS) * time.Millisecond
		record.Timestamp = createdAt
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (m *MySQLStore) LoadQuota(ctx context.Context, userID string, serviceType fablecast.ServiceType, kind QuotaKind) (*Quota, error) {
	quota := &Quota{UserID: userID, ServiceType: serviceType, Kind: kind}
	err := m.db.QueryRowContext(ctx,
		`SELECT total_requests, used_requests, total_cost, used_cost, period_start, period_end, exceeded, warn_threshold
		 FROM usage_quotas WHERE user_id = ? AND service_type = ? AND kind = ?`,
		userID, string(serviceType), string(kind)).
		Scan(&quota.TotalRequests, &quota.UsedRequests, &quota.TotalCost, &quota.UsedCost,
			&quota.PeriodStart, &quota.PeriodEnd, &quota.Exceeded, &quota.WarnThreshold)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	return quota, nil
}

func (m *MySQLStore) SaveQuota(ctx context.Context, quota *Quota) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO usage_quotas
		 (user_id, service_type, kind, total_requests, used_requests, total_cost, used_cost, period_start, period_end, exceeded, warn_threshold)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		 total_requests = VALUES(total_requests),
		 used_requests  = VALUES(used_requests),
		 total_cost     = VALUES(total_cost),
		 used_cost      = VALUES(used_cost),
		 period_start   = VALUES(period_start),
		 period_end     = VALUES(period_end),
		 exceeded       = VALUES(exceeded),
		 warn_threshold = VALUES(warn_threshold)`,
		quota.UserID, string(quota.ServiceType), string(quota.Kind),
		quota.TotalRequests, quota.UsedRequests, quota.TotalCost, quota.UsedCost,
		quota.PeriodStart.UTC(), quota.PeriodEnd.UTC(), quota.Exceeded, quota.WarnThreshold)
	if err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	return nil
}

func (m *MySQLStore) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := m.db.QueryRowContext(ctx,
		`SELECT balance FROM account_balances WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return balance, nil
}

// splitStatements breaks the schema DDL on semicolons so each CREATE
// runs as its own statement.
func splitStatements(ddl string) []string {
	var statements []string
	var current []byte
	for i := 0; i < len(ddl); i++ {
		current = append(current, ddl[i])
		if ddl[i] == ';' {
			statements = append(statements, string(current))
			current = current[:0]
		}
	}
	return statements
}
