package redaction

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics accumulates redaction counters for the lifetime of the process.
// Counters only move forward until Reset is called.
type Metrics struct {
	mu             sync.Mutex
	total          int64
	perPattern     map[string]int64
	timeouts       map[string]int64
	errors         map[string]int64
	budgetExceeded int64
}

// Snapshot is a point-in-time copy of Metrics
type Snapshot struct {
	Total          int64            `json:"total"`
	PerPattern     map[string]int64 `json:"per_pattern"`
	Timeouts       map[string]int64 `json:"timeouts"`
	Errors         map[string]int64 `json:"errors"`
	BudgetExceeded int64            `json:"budget_exceeded"`
}

// NewMetrics creates an empty metrics set
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.reset()
	return m
}

func (m *Metrics) reset() {
	m.total = 0
	m.perPattern = make(map[string]int64)
	m.timeouts = make(map[string]int64)
	m.errors = make(map[string]int64)
	m.budgetExceeded = 0
}

// Reset zeroes every counter
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Metrics) addMatches(pattern string, n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += int64(n)
	m.perPattern[pattern] += int64(n)
}

func (m *Metrics) addTimeout(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[pattern]++
}

func (m *Metrics) addError(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[pattern]++
}

func (m *Metrics) addBudgetExceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgetExceeded++
}

// Snapshot copies the current counters
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Total:          m.total,
		PerPattern:     copyCounts(m.perPattern),
		Timeouts:       copyCounts(m.timeouts),
		Errors:         copyCounts(m.errors),
		BudgetExceeded: m.budgetExceeded,
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	totalDesc = prometheus.NewDesc(
		"runstream_redactions_total", "Total number of redacted values and substrings.", nil, nil)
	patternDesc = prometheus.NewDesc(
		"runstream_redaction_pattern_matches_total", "Redactions per pattern.", []string{"pattern"}, nil)
	timeoutDesc = prometheus.NewDesc(
		"runstream_redaction_pattern_timeouts_total", "Vendor pattern match timeouts.", []string{"pattern"}, nil)
	errorDesc = prometheus.NewDesc(
		"runstream_redaction_pattern_errors_total", "Vendor pattern failures.", []string{"pattern"}, nil)
	budgetDesc = prometheus.NewDesc(
		"runstream_redaction_budget_exceeded_total", "Redact calls that ran out of vendor pattern budget.", nil, nil)
)

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- totalDesc
	ch <- patternDesc
	ch <- timeoutDesc
	ch <- errorDesc
	ch <- budgetDesc
}

// Collect implements prometheus.Collector. Values are read from a snapshot so an
// administrative Reset is reflected on the next scrape.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.Snapshot()
	ch <- prometheus.MustNewConstMetric(totalDesc, prometheus.CounterValue, float64(snap.Total))
	for name, v := range snap.PerPattern {
		ch <- prometheus.MustNewConstMetric(patternDesc, prometheus.CounterValue, float64(v), name)
	}
	for name, v := range snap.Timeouts {
		ch <- prometheus.MustNewConstMetric(timeoutDesc, prometheus.CounterValue, float64(v), name)
	}
	for name, v := range snap.Errors {
		ch <- prometheus.MustNewConstMetric(errorDesc, prometheus.CounterValue, float64(v), name)
	}
	ch <- prometheus.MustNewConstMetric(budgetDesc, prometheus.CounterValue, float64(snap.BudgetExceeded))
}
