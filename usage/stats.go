package usage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fablecast/fablecast"
)

// Statistics summarizes stored records within a time window.
type Statistics struct {
	TotalRequests int64   `json:"total_requests"`
	Successes     int64   `json:"successes"`
	Failures      int64   `json:"failures"`
	SuccessRate   float64 `json:"success_rate"`
	ErrorRate     float64 `json:"error_rate"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	TotalCost     float64 `json:"total_cost"`
	TotalTokens   int64   `json:"total_tokens"`

	AvgLatency time.Duration `json:"avg_latency"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`
}

// UserSpend is one entry of the top-spenders ranking.
type UserSpend struct {
	UserID string  `json:"user_id"`
	Cost   float64 `json:"cost"`
}

// CostBreakdown aggregates spend by service and ranks users within the
// window.
type CostBreakdown struct {
	TotalCost float64                           `json:"total_cost"`
	ByService map[fablecast.ServiceType]float64 `json:"by_service"`
	TopUsers  []UserSpend                       `json:"top_users"`
}

// GetUsageStatistics computes totals, rates, and latency order
// statistics from the records stored in [since, until).
func (s *Service) GetUsageStatistics(ctx context.Context, filter Filter, since, until time.Time) (*Statistics, error) {
	records, err := s.store.Records(ctx, filter, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fablecast.ErrPersistenceUnavailable, err)
	}

	stats := &Statistics{}
	if len(records) == 0 {
		return stats, nil
	}

	latencies := make([]time.Duration, 0, len(records))
	var cacheHits int64
	var latencySum time.Duration
	for _, record := range records {
		stats.TotalRequests++
		if record.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		if record.CacheHit {
			cacheHits++
		}
		stats.TotalCost += record.Cost
		stats.TotalTokens += record.Tokens
		latencies = append(latencies, record.Latency)
		latencySum += record.Latency
	}

	total := float64(stats.TotalRequests)
	stats.SuccessRate = float64(stats.Successes) / total
	stats.ErrorRate = float64(stats.Failures) / total
	stats.CacheHitRate = float64(cacheHits) / total

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	stats.MinLatency = latencies[0]
	stats.MaxLatency = latencies[len(latencies)-1]
	stats.AvgLatency = latencySum / time.Duration(len(latencies))
	stats.P95Latency = percentile(latencies, 0.95)
	stats.P99Latency = percentile(latencies, 0.99)
	return stats, nil
}

// percentile returns the order statistic at index ⌈n·p⌉ of the sorted
// sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(len(sorted)) * p))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// GetCostBreakdown aggregates cost by service type and ranks the topN
// users by spend within the window.
func (s *Service) GetCostBreakdown(ctx context.Context, since, until time.Time, topN int) (*CostBreakdown, error) {
	records, err := s.store.Records(ctx, Filter{}, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fablecast.ErrPersistenceUnavailable, err)
	}

	breakdown := &CostBreakdown{ByService: make(map[fablecast.ServiceType]float64)}
	byUser := make(map[string]float64)
	for _, record := range records {
		breakdown.TotalCost += record.Cost
		breakdown.ByService[record.ServiceType] += record.Cost
		byUser[record.UserID] += record.Cost
	}

	for userID, cost := range byUser {
		breakdown.TopUsers = append(breakdown.TopUsers, UserSpend{UserID: userID, Cost: cost})
	}
	sort.Slice(breakdown.TopUsers, func(i, j int) bool {
		if breakdown.TopUsers[i].Cost != breakdown.TopUsers[j].Cost {
			return breakdown.TopUsers[i].Cost > breakdown.TopUsers[j].Cost
		}
		return breakdown.TopUsers[i].UserID < breakdown.TopUsers[j].UserID
	})
	if topN > 0 && len(breakdown.TopUsers) > topN {
		breakdown.TopUsers = breakdown.TopUsers[:topN]
	}
	return breakdown, nil
}

// Snapshot flattens the rolling aggregates into the metric map the
// monitoring service polls. Latency gauges come from the bounded ring,
// not from stored records, so the snapshot stays cheap.
func (s *Service) Snapshot() map[string]float64 {
	metrics := make(map[string]float64)
	s.aggregateInto(metrics, "", &s.global)

	s.aggMutex.Lock()
	services := make(map[fablecast.ServiceType]*aggregate, len(s.perService))
	for serviceType, agg := range s.perService {
		services[serviceType] = agg
	}
	s.aggMutex.Unlock()

	for serviceType, agg := range services {
		s.aggregateInto(metrics, string(serviceType)+".", agg)
	}

	metrics["quota_usage_max"] = s.maxQuotaUsage()
	return metrics
}

func (s *Service) aggregateInto(metrics map[string]float64, prefix string, agg *aggregate) {
	agg.mutex.Lock()
	defer agg.mutex.Unlock()

	metrics[prefix+"requests_total"] = float64(agg.requests)
	metrics[prefix+"cost_total"] = agg.cost
	metrics[prefix+"tokens_total"] = float64(agg.tokens)
	if agg.requests > 0 {
		metrics[prefix+"error_rate"] = float64(agg.failures) / float64(agg.requests)
		metrics[prefix+"cache_hit_rate"] = float64(agg.cacheHits) / float64(agg.requests)
	}
	if len(agg.latencies) > 0 {
		var sum time.Duration
		for _, latency := range agg.latencies {
			sum += latency
		}
		metrics[prefix+"avg_latency_seconds"] = (sum / time.Duration(len(agg.latencies))).Seconds()
	}
}

func (s *Service) maxQuotaUsage() float64 {
	s.quotaMutex.Lock()
	rows := make([]*Quota, 0, len(s.quotas))
	locks := make([]*sync.Mutex, 0, len(s.quotas))
	for key, quota := range s.quotas {
		rows = append(rows, quota)
		locks = append(locks, s.quotaLocks[key])
	}
	s.quotaMutex.Unlock()

	maxUsage := 0.0
	for i, quota := range rows {
		locks[i].Lock()
		if usage := quota.UsageRatio(); usage > maxUsage {
			maxUsage = usage
		}
		locks[i].Unlock()
	}
	return maxUsage
}
