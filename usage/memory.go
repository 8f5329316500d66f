package usage

import (
	"context"
	"sync"
	"time"

	"github.com/fablecast/fablecast"
)

// Bound on retained records; the oldest are dropped first.
const memoryRecordCap = 100_000

// MemoryStore is an in-process Store for single-node deployments and
// tests.
type MemoryStore struct {
	records  []*Record
	quotas   map[string]*Quota
	balances map[string]float64
	mutex    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotas:   make(map[string]*Quota),
		balances: make(map[string]float64),
	}
}

func (m *MemoryStore) AppendRecord(ctx context.Context, record *Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.records = append(m.records, record)
	if len(m.records) > memoryRecordCap {
		m.records = m.records[len(m.records)-memoryRecordCap:]
	}
	return nil
}

func (m *MemoryStore) Records(ctx context.Context, filter Filter, since, until time.Time) ([]*Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var matched []*Record
	for _, record := range m.records {
		if record.Timestamp.Before(since) || !record.Timestamp.Before(until) {
			continue
		}
		if filter.ServiceType != "" && record.ServiceType != filter.ServiceType {
			continue
		}
		if filter.UserID != "" && record.UserID != filter.UserID {
			continue
		}
		matched = append(matched, record)
	}
	return matched, nil
}

func (m *MemoryStore) LoadQuota(ctx context.Context, userID string, serviceType fablecast.ServiceType, kind QuotaKind) (*Quota, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	quota, ok := m.quotas[quotaRowKey(userID, serviceType, kind)]
	if !ok {
		return nil, nil
	}
	copied := *quota
	return &copied, nil
}

func (m *MemoryStore) SaveQuota(ctx context.Context, quota *Quota) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	copied := *quota
	m.quotas[quotaRowKey(quota.UserID, quota.ServiceType, quota.Kind)] = &copied
	return nil
}

func (m *MemoryStore) Balance(ctx context.Context, userID string) (float64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.balances[userID], nil
}

// SetBalance seeds an account balance; mainly for tests and local runs.
func (m *MemoryStore) SetBalance(userID string, balance float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.balances[userID] = balance
}

func quotaRowKey(userID string, serviceType fablecast.ServiceType, kind QuotaKind) string {
	return userID + ":" + string(serviceType) + ":" + string(kind)
}
