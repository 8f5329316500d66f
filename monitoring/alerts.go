package monitoring

import (
	"sync"
	"time"
)

// Severity orders alerts for operators; it carries no behavior.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Operator compares a sampled value against a rule threshold.
type Operator string

const (
	OpGreaterThan Operator = ">"
	OpLessThan    Operator = "<"
	OpEquals      Operator = "=="
)

// AlertRule fires when its metric crosses the threshold. A rule keeps
// at most one active alert; Cooldown suppresses refiring after a
// resolve.
type AlertRule struct {
	Name      string        `yaml:"name"`
	Metric    string        `yaml:"metric"`
	Operator  Operator      `yaml:"operator"`
	Threshold float64       `yaml:"threshold"`
	Severity  Severity      `yaml:"severity"`
	Cooldown  time.Duration `yaml:"cooldown"`
	Enabled   bool          `yaml:"enabled"`
}

func (r *AlertRule) matches(value float64) bool {
	switch r.Operator {
	case OpGreaterThan:
		return value > r.Threshold
	case OpLessThan:
		return value < r.Threshold
	case OpEquals:
		return value == r.Threshold
	default:
		return false
	}
}

// Alert is one firing (and possibly resolved) instance of a rule.
type Alert struct {
	Rule       string    `json:"rule"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Severity   Severity  `json:"severity"`
	FiredAt    time.Time `json:"fired_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Resolved   bool      `json:"resolved"`
}

// AlertCallback receives every fire and resolve, outside any monitor
// lock.
type AlertCallback func(alert Alert)

const alertHistoryCap = 500

type alertState struct {
	active    map[string]*Alert
	history   []Alert
	lastFired map[string]time.Time
	callback  AlertCallback
	mutex     sync.Mutex
}

// DefaultRules covers the failure modes every deployment cares about.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{Name: "high_error_rate", Metric: "usage.error_rate", Operator: OpGreaterThan, Threshold: 0.10, Severity: SeverityWarning, Cooldown: 5 * time.Minute, Enabled: true},
		{Name: "critical_error_rate", Metric: "usage.error_rate", Operator: OpGreaterThan, Threshold: 0.25, Severity: SeverityCritical, Cooldown: 5 * time.Minute, Enabled: true},
		{Name: "high_latency", Metric: "usage.avg_latency_seconds", Operator: OpGreaterThan, Threshold: 5.0, Severity: SeverityWarning, Cooldown: 5 * time.Minute, Enabled: true},
		{Name: "quota_near_limit", Metric: "usage.quota_usage_max", Operator: OpGreaterThan, Threshold: 0.80, Severity: SeverityWarning, Cooldown: 15 * time.Minute, Enabled: true},
		{Name: "quota_critical", Metric: "usage.quota_usage_max", Operator: OpGreaterThan, Threshold: 0.95, Severity: SeverityCritical, Cooldown: 15 * time.Minute, Enabled: true},
		{Name: "no_healthy_endpoints", Metric: "balancer.healthy_endpoints", Operator: OpEquals, Threshold: 0, Severity: SeverityError, Cooldown: time.Minute, Enabled: true},
	}
}

// SetRules replaces the rule set. Active alerts whose rule disappeared
// are resolved so they do not linger without an owner.
func (m *Monitor) SetRules(rules []AlertRule) {
	now := m.clock.Now()

	var notify []Alert
	m.alerts.mutex.Lock()
	m.config.Rules = append([]AlertRule(nil), rules...)

	kept := make(map[string]bool, len(rules))
	for _, rule := range rules {
		kept[rule.Name] = true
	}
	for name, active := range m.alerts.active {
		if kept[name] {
			continue
		}
		active.Resolved = true
		active.ResolvedAt = now
		delete(m.alerts.active, name)
		m.appendAlertHistory(*active)
		notify = append(notify, *active)
	}
	callback := m.alerts.callback
	m.alerts.mutex.Unlock()

	if callback != nil {
		for _, alert := range notify {
			callback(alert)
		}
	}
}

// SetAlertCallback installs the fire/resolve hook. Call before the
// evaluation loop starts.
func (m *Monitor) SetAlertCallback(callback AlertCallback) {
	m.alerts.mutex.Lock()
	m.alerts.callback = callback
	m.alerts.mutex.Unlock()
}

// Evaluate runs one pass over the enabled rules against the current
// metric map.
func (m *Monitor) Evaluate() {
	current := m.Current()
	now := m.clock.Now()

	var notify []Alert
	m.alerts.mutex.Lock()
	for i := range m.config.Rules {
		rule := &m.config.Rules[i]
		if !rule.Enabled {
			continue
		}
		value, sampled := current[rule.Metric]
		firing := sampled && rule.matches(value)
		active := m.alerts.active[rule.Name]

		switch {
		case firing && active == nil:
			if fired, ok := m.alerts.lastFired[rule.Name]; ok && now.Sub(fired) < rule.Cooldown {
				continue
			}
			alert := &Alert{
				Rule:      rule.Name,
				Metric:    rule.Metric,
				Value:     value,
				Threshold: rule.Threshold,
				Severity:  rule.Severity,
				FiredAt:   now,
			}
			m.alerts.active[rule.Name] = alert
			m.alerts.lastFired[rule.Name] = now
			m.appendAlertHistory(*alert)
			notify = append(notify, *alert)
			m.logger.Warnw("Alert fired", "rule", rule.Name, "metric", rule.Metric, "value", value, "threshold", rule.Threshold, "severity", rule.Severity)

		case firing && active != nil:
			// Already firing; track the latest observed value.
			active.Value = value

		case !firing && active != nil:
			active.Resolved = true
			active.ResolvedAt = now
			delete(m.alerts.active, rule.Name)
			m.appendAlertHistory(*active)
			notify = append(notify, *active)
			m.logger.Infow("Alert resolved", "rule", rule.Name, "metric", rule.Metric)
		}
	}
	callback := m.alerts.callback
	m.alerts.mutex.Unlock()

	if callback != nil {
		for _, alert := range notify {
			callback(alert)
		}
	}
}

// caller holds alerts.mutex
func (m *Monitor) appendAlertHistory(alert Alert) {
	m.alerts.history = append(m.alerts.history, alert)
	if len(m.alerts.history) > alertHistoryCap {
		m.alerts.history = m.alerts.history[len(m.alerts.history)-alertHistoryCap:]
	}
}

// ActiveAlerts returns the currently firing alerts.
func (m *Monitor) ActiveAlerts() []Alert {
	m.alerts.mutex.Lock()
	defer m.alerts.mutex.Unlock()

	alerts := make([]Alert, 0, len(m.alerts.active))
	for _, alert := range m.alerts.active {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// AlertHistory returns fires and resolves, oldest first.
func (m *Monitor) AlertHistory() []Alert {
	m.alerts.mutex.Lock()
	defer m.alerts.mutex.Unlock()
	return append([]Alert(nil), m.alerts.history...)
}
