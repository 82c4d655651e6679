// Package health implements the Health Tracker (C2): a process-wide,
// provider-keyed circuit breaker built from a sliding window of call
// outcomes. It is a shared singleton — one *Tracker instance is wired
// into every provider pool and orchestrator in the process.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/council-proxy/core/internal/models"
)

// Config holds the Health Tracker's numeric thresholds. Spec §4.2: "all
// numeric thresholds MUST be configurable; defaults shown." Any zero
// field is replaced by its §4.2 default in New.
type Config struct {
	WindowSize       int
	FailureThreshold int
	DegradedLatency  time.Duration
}

// DefaultConfig returns the §4.2 defaults.
func DefaultConfig() Config {
	return Config{WindowSize: 100, FailureThreshold: 5, DegradedLatency: 10 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.DegradedLatency <= 0 {
		c.DegradedLatency = 10 * time.Second
	}
	return c
}

// outcome is one recorded call result in a provider's sliding window.
type outcome struct {
	success bool
	latency time.Duration
	at      time.Time
}

// providerRow is the single lock-protected state for one provider. Every
// Tracker method that touches a provider locks only that provider's row,
// never a tracker-wide lock, so unrelated providers never contend.
type providerRow struct {
	mu              sync.Mutex
	cfg             Config
	window          []outcome
	next            int
	filled          int
	status          models.HealthStatus
	consecutiveFail int
	lastFailure     *time.Time
	disabledReason  string
}

func newProviderRow(cfg Config) *providerRow {
	return &providerRow{
		cfg:    cfg,
		window: make([]outcome, cfg.WindowSize),
		status: models.StatusHealthy,
	}
}

// Tracker is the Health Tracker singleton. Zero value is not usable; use New.
type Tracker struct {
	cfg  Config
	rows sync.Map // string -> *providerRow
}

// New returns an empty Tracker with no providers yet recorded, using cfg's
// thresholds (zero fields fall back to the §4.2 defaults). Providers are
// created lazily on first RecordSuccess/RecordFailure/Get/Enable/Disable.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults()}
}

func (t *Tracker) row(providerID string) *providerRow {
	v, _ := t.rows.LoadOrStore(providerID, newProviderRow(t.cfg))
	return v.(*providerRow)
}

// RecordSuccess implements §4.2's success transition: consecutive-failure
// counter resets to 0, and a degraded provider recovers to healthy once
// its rolling average latency is back at or under the degraded threshold.
func (t *Tracker) RecordSuccess(providerID string, latency time.Duration) {
	row := t.row(providerID)
	row.mu.Lock()
	defer row.mu.Unlock()

	row.push(outcome{success: true, latency: latency, at: time.Now()})
	row.consecutiveFail = 0

	if row.status == models.StatusDegraded && row.avgLatencyLocked() <= row.cfg.DegradedLatency {
		row.status = models.StatusHealthy
		row.disabledReason = ""
	}
}

// RecordFailure implements §4.2's failure transition: consecutive-failure
// counter increments; at the configured failure threshold the provider is
// disabled with an explanatory reason, otherwise it is degraded.
func (t *Tracker) RecordFailure(providerID string, latency time.Duration) {
	row := t.row(providerID)
	row.mu.Lock()
	defer row.mu.Unlock()

	now := time.Now()
	row.push(outcome{success: false, latency: latency, at: now})
	row.consecutiveFail++
	row.lastFailure = &now

	if row.consecutiveFail >= row.cfg.FailureThreshold {
		row.status = models.StatusDisabled
		row.disabledReason = fmt.Sprintf("%d consecutive failures", row.cfg.FailureThreshold)
		return
	}
	row.status = models.StatusDegraded
}

// Get returns the current snapshot for providerID. A provider never seen
// before reports healthy with zero samples, matching a freshly started process.
func (t *Tracker) Get(providerID string) models.ProviderHealth {
	row := t.row(providerID)
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.snapshotLocked(providerID)
}

// All returns a snapshot of every provider the tracker has observed or
// that has been explicitly enabled/disabled.
func (t *Tracker) All() []models.ProviderHealth {
	var out []models.ProviderHealth
	t.rows.Range(func(key, value interface{}) bool {
		row := value.(*providerRow)
		row.mu.Lock()
		out = append(out, row.snapshotLocked(key.(string)))
		row.mu.Unlock()
		return true
	})
	return out
}

// IsDisabled is the cheap check C3 makes before every call.
func (t *Tracker) IsDisabled(providerID string) (bool, string) {
	row := t.row(providerID)
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.status == models.StatusDisabled, row.disabledReason
}

// Enable implements the manual enable(providerId) operation: resets the
// consecutive-failure counter and forces healthy, regardless of the
// window's recent history.
func (t *Tracker) Enable(providerID string) {
	row := t.row(providerID)
	row.mu.Lock()
	defer row.mu.Unlock()
	row.consecutiveFail = 0
	row.status = models.StatusHealthy
	row.disabledReason = ""
}

// Disable implements the manual disable(providerId, reason) operation:
// forces disabled regardless of the window's recent history.
func (t *Tracker) Disable(providerID, reason string) {
	row := t.row(providerID)
	row.mu.Lock()
	defer row.mu.Unlock()
	row.status = models.StatusDisabled
	row.disabledReason = reason
}

// push appends outcome o into the ring buffer, evicting the oldest entry
// once the window is full. Caller must hold row.mu.
func (row *providerRow) push(o outcome) {
	row.window[row.next] = o
	row.next = (row.next + 1) % len(row.window)
	if row.filled < len(row.window) {
		row.filled++
	}

	if row.avgLatencyLocked() > row.cfg.DegradedLatency && row.status == models.StatusHealthy {
		row.status = models.StatusDegraded
	}
}

// avgLatencyLocked averages latency over the filled portion of the
// window. Caller must hold row.mu.
func (row *providerRow) avgLatencyLocked() time.Duration {
	if row.filled == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < row.filled; i++ {
		total += row.window[i].latency
	}
	return total / time.Duration(row.filled)
}

// snapshotLocked builds the externally-visible ProviderHealth. Caller
// must hold row.mu.
func (row *providerRow) snapshotLocked(providerID string) models.ProviderHealth {
	successes := 0
	for i := 0; i < row.filled; i++ {
		if row.window[i].success {
			successes++
		}
	}
	successRate := 1.0
	if row.filled > 0 {
		successRate = float64(successes) / float64(row.filled)
	}

	return models.ProviderHealth{
		ProviderID:      providerID,
		Status:          row.status,
		SuccessRate:     successRate,
		AvgLatency:      row.avgLatencyLocked(),
		LastFailure:     row.lastFailure,
		DisabledReason:  row.disabledReason,
		ConsecutiveFail: row.consecutiveFail,
		SampleCount:     row.filled,
	}
}
