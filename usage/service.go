package usage

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
)

// Bound on the in-memory latency sample used for rolling percentiles.
const latencyRingSize = 1000

// QuotaDefaults sets the per-period ceilings applied when a user has no
// explicit quota row yet. Zero values mean unlimited.
type QuotaDefaults struct {
	DailyRequests   int64   `yaml:"daily_requests"`
	MonthlyRequests int64   `yaml:"monthly_requests"`
	DailyCost       float64 `yaml:"daily_cost"`
	MonthlyCost     float64 `yaml:"monthly_cost"`
	WarnThreshold   float64 `yaml:"warn_threshold"`
}

// Config for the usage service.
type Config struct {
	// Per-service quota defaults; the empty key applies to all services
	// without their own entry.
	Quotas map[fablecast.ServiceType]QuotaDefaults `yaml:"quotas"`

	// Cadence of the period-boundary scan.
	ResetInterval time.Duration `yaml:"reset_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Quotas:        map[fablecast.ServiceType]QuotaDefaults{},
		ResetInterval: time.Minute,
	}
}

type quotaKey struct {
	userID      string
	serviceType fablecast.ServiceType
	kind        QuotaKind
}

type aggregate struct {
	requests  int64
	successes int64
	failures  int64
	cacheHits int64
	cost      float64
	tokens    int64

	// Ring buffer of recent latencies for rolling percentiles.
	latencies []time.Duration
	nextSlot  int

	mutex sync.Mutex
}

// Service is the single ingestion point for call outcomes. Quota rows
// are owned in memory and persisted best-effort; different rows lock
// independently.
type Service struct {
	config *Config
	store  Store

	quotas     map[quotaKey]*Quota
	quotaLocks map[quotaKey]*sync.Mutex
	quotaMutex sync.Mutex

	global     aggregate
	perService map[fablecast.ServiceType]*aggregate
	aggMutex   sync.Mutex

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewService(config *Config, store Store, logger *zap.SugaredLogger) *Service {
	return NewServiceWithClock(config, store, logger, clock.New())
}

func NewServiceWithClock(config *Config, store Store, logger *zap.SugaredLogger, clk clock.Clock) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		config:     config,
		store:      store,
		quotas:     make(map[quotaKey]*Quota),
		quotaLocks: make(map[quotaKey]*sync.Mutex),
		perService: make(map[fablecast.ServiceType]*aggregate),
		clock:      clk,
		logger:     logger,
	}
}

// CheckQuota is the gateway's precondition before dispatch: it fails
// with ErrQuotaExceeded when either the daily or the monthly quota for
// (userID, serviceType) is exhausted on requests or cost.
func (s *Service) CheckQuota(ctx context.Context, userID string, serviceType fablecast.ServiceType) error {
	if userID == "" {
		userID = GlobalUser
	}
	for _, kind := range []QuotaKind{QuotaDaily, QuotaMonthly} {
		quota, unlock := s.quotaRow(ctx, userID, serviceType, kind)
		exhausted := (quota.TotalRequests > 0 && quota.UsedRequests >= quota.TotalRequests) ||
			(quota.TotalCost > 0 && quota.UsedCost >= quota.TotalCost)
		quota.Exceeded = exhausted
		unlock()
		if exhausted {
			return fablecast.ErrQuotaExceeded
		}
	}
	return nil
}

// RecordUsage persists the record best-effort, updates rolling
// aggregates, and bumps the caller's daily and monthly quota rows.
// Exactly one record is expected per call, success or failure.
func (s *Service) RecordUsage(ctx context.Context, record *Record) {
	if record.Timestamp.IsZero() {
		record.Timestamp = s.clock.Now()
	}
	if record.UserID == "" {
		record.UserID = GlobalUser
	}

	if err := s.store.AppendRecord(ctx, record); err != nil {
		// Usage logging degrades, it never fails the primary call.
		s.logger.Warnw("Usage record write failed", "service", record.ServiceType, "user", record.UserID, "error", err)
	}

	s.updateAggregate(&s.global, record)
	s.updateAggregate(s.serviceAggregate(record.ServiceType), record)

	for _, kind := range []QuotaKind{QuotaDaily, QuotaMonthly} {
		quota, unlock := s.quotaRow(ctx, record.UserID, record.ServiceType, kind)
		quota.UsedRequests++
		quota.UsedCost += record.Cost
		snapshot := *quota
		unlock()

		if snapshot.WarnThreshold > 0 && snapshot.UsageRatio() >= snapshot.WarnThreshold {
			s.logger.Warnw("Quota nearing its limit",
				"user", snapshot.UserID, "service", snapshot.ServiceType, "kind", snapshot.Kind,
				"used", snapshot.UsedRequests, "total", snapshot.TotalRequests)
		}
		if err := s.store.SaveQuota(ctx, &snapshot); err != nil {
			s.logger.Warnw("Quota persist failed", "user", snapshot.UserID, "kind", snapshot.Kind, "error", err)
		}
	}
}

// Balance reads the caller's remaining account balance from the store.
func (s *Service) Balance(ctx context.Context, userID string) (float64, error) {
	return s.store.Balance(ctx, userID)
}

// RunQuotaResets scans for crossed period boundaries until ctx is
// cancelled. Rows are also rolled lazily on access, so the scan only
// keeps idle rows from going stale.
func (s *Service) RunQuotaResets(ctx context.Context) {
	ticker := s.clock.Ticker(s.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.resetDue(ctx)
		}
	}
}

func (s *Service) resetDue(ctx context.Context) {
	s.quotaMutex.Lock()
	keys := make([]quotaKey, 0, len(s.quotas))
	for key := range s.quotas {
		keys = append(keys, key)
	}
	s.quotaMutex.Unlock()

	for _, key := range keys {
		quota, unlock := s.quotaRow(ctx, key.userID, key.serviceType, key.kind)
		unlock()
		_ = quota
	}
}

// quotaRow returns the locked quota row for the key, creating it lazily
// from defaults and rolling it forward when the current time crossed its
// period boundary. The caller must invoke unlock when done.
func (s *Service) quotaRow(ctx context.Context, userID string, serviceType fablecast.ServiceType, kind QuotaKind) (*Quota, func()) {
	key := quotaKey{userID, serviceType, kind}

	s.quotaMutex.Lock()
	lock, ok := s.quotaLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.quotaLocks[key] = lock
	}
	s.quotaMutex.Unlock()

	lock.Lock()
	now := s.clock.Now()

	// Read the row only after the row lock is held. A caller that waited
	// here must see the row a concurrent first access just created, not
	// recreate it and lose that access's increments.
	s.quotaMutex.Lock()
	quota := s.quotas[key]
	s.quotaMutex.Unlock()

	if quota == nil {
		if stored, err := s.store.LoadQuota(ctx, userID, serviceType, kind); err != nil {
			s.logger.Warnw("Quota load failed, starting from defaults", "user", userID, "kind", kind, "error", err)
		} else if stored != nil {
			quota = stored
		}
		if quota == nil {
			quota = s.newQuota(userID, serviceType, kind, now)
		}
		s.quotaMutex.Lock()
		s.quotas[key] = quota
		s.quotaMutex.Unlock()
	}

	// Roll forward at most once per boundary: the new period starts at
	// the boundary itself, so repeated calls see an already-rolled row.
	if !now.Before(quota.PeriodEnd) {
		start, end := periodBounds(kind, now)
		quota.PeriodStart = start
		quota.PeriodEnd = end
		quota.UsedRequests = 0
		quota.UsedCost = 0
		quota.Exceeded = false
		s.logger.Infow("Quota period reset", "user", userID, "service", serviceType, "kind", kind)
	}

	return quota, lock.Unlock
}

// SetQuotaDefaults replaces the per-service defaults used when a quota
// row is first created. Existing rows keep their current limits.
func (s *Service) SetQuotaDefaults(defaults map[fablecast.ServiceType]QuotaDefaults) {
	s.quotaMutex.Lock()
	s.config.Quotas = defaults
	s.quotaMutex.Unlock()
}

func (s *Service) newQuota(userID string, serviceType fablecast.ServiceType, kind QuotaKind, now time.Time) *Quota {
	s.quotaMutex.Lock()
	defaults, ok := s.config.Quotas[serviceType]
	if !ok {
		defaults = s.config.Quotas[""]
	}
	s.quotaMutex.Unlock()

	quota := &Quota{
		UserID:        userID,
		ServiceType:   serviceType,
		Kind:          kind,
		WarnThreshold: defaults.WarnThreshold,
	}
	switch kind {
	case QuotaDaily:
		quota.TotalRequests = defaults.DailyRequests
		quota.TotalCost = defaults.DailyCost
	case QuotaMonthly:
		quota.TotalRequests = defaults.MonthlyRequests
		quota.TotalCost = defaults.MonthlyCost
	}
	quota.PeriodStart, quota.PeriodEnd = periodBounds(kind, now)
	return quota
}

// periodBounds computes the current period window in local time: daily
// quotas roll at local-date rollover, monthly at month rollover.
func periodBounds(kind QuotaKind, now time.Time) (time.Time, time.Time) {
	switch kind {
	case QuotaMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 0, 1)
	}
}

func (s *Service) serviceAggregate(serviceType fablecast.ServiceType) *aggregate {
	s.aggMutex.Lock()
	defer s.aggMutex.Unlock()

	agg, ok := s.perService[serviceType]
	if !ok {
		agg = &aggregate{}
		s.perService[serviceType] = agg
	}
	return agg
}

func (s *Service) updateAggregate(agg *aggregate, record *Record) {
	agg.mutex.Lock()
	defer agg.mutex.Unlock()

	agg.requests++
	if record.Success {
		agg.successes++
	} else {
		agg.failures++
	}
	if record.CacheHit {
		agg.cacheHits++
	}
	agg.cost += record.Cost
	agg.tokens += record.Tokens

	if len(agg.latencies) < latencyRingSize {
		agg.latencies = append(agg.latencies, record.Latency)
	} else {
		agg.latencies[agg.nextSlot] = record.Latency
	}
	agg.nextSlot = (agg.nextSlot + 1) % latencyRingSize
}
