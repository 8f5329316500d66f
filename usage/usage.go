// Package usage records every call outcome, maintains rolling
// statistics, and enforces per-user daily and monthly quotas.
package usage

import (
	"context"
	"time"

	"github.com/fablecast/fablecast"
)

// GlobalUser is the quota bucket for anonymous callers.
const GlobalUser = "global"

// QuotaKind is the accounting period of a quota row.
type QuotaKind string

const (
	QuotaDaily   QuotaKind = "daily"
	QuotaMonthly QuotaKind = "monthly"
)

// Record is the immutable fact appended for every call, success or
// failure. It feeds both quota updates and aggregate statistics.
type Record struct {
	ServiceType fablecast.ServiceType `json:"service_type"`
	Method      string                `json:"method"`
	UserID      string                `json:"user_id"`
	EndpointID  string                `json:"endpoint_id"`
	Success     bool                  `json:"success"`
	Latency     time.Duration         `json:"latency"`
	Cost        float64               `json:"cost"`
	Tokens      int64                 `json:"tokens"`
	CacheHit    bool                  `json:"cache_hit"`
	Timestamp   time.Time             `json:"timestamp"`
}

// Quota is one caller- and period-scoped ceiling. Zero totals mean
// unlimited. Remaining amounts are always recomputed from total−used,
// never stored.
type Quota struct {
	UserID      string                `json:"user_id"`
	ServiceType fablecast.ServiceType `json:"service_type"`
	Kind        QuotaKind             `json:"kind"`

	TotalRequests int64 `json:"total_requests"`
	UsedRequests  int64 `json:"used_requests"`

	TotalCost float64 `json:"total_cost"`
	UsedCost  float64 `json:"used_cost"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Exceeded      bool    `json:"exceeded"`
	WarnThreshold float64 `json:"warn_threshold"`
}

// RemainingRequests recomputes the request headroom.
func (q *Quota) RemainingRequests() int64 {
	if q.TotalRequests <= 0 {
		return -1
	}
	remaining := q.TotalRequests - q.UsedRequests
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsageRatio is used/total on requests, for alerting. Unlimited rows
// report zero.
func (q *Quota) UsageRatio() float64 {
	if q.TotalRequests <= 0 {
		return 0
	}
	return float64(q.UsedRequests) / float64(q.TotalRequests)
}

// Filter narrows statistics queries.
type Filter struct {
	ServiceType fablecast.ServiceType
	UserID      string
}

// Store is the persistence collaborator: append-only record writes,
// quota row read/upsert, and account balance reads. Implementations
// must not require the caller to hold a transaction across calls.
type Store interface {
	AppendRecord(ctx context.Context, record *Record) error
	Records(ctx context.Context, filter Filter, since, until time.Time) ([]*Record, error)
	LoadQuota(ctx context.Context, userID string, serviceType fablecast.ServiceType, kind QuotaKind) (*Quota, error)
	SaveQuota(ctx context.Context, quota *Quota) error
	Balance(ctx context.Context, userID string) (float64, error)
}
