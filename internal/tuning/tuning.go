// Package tuning holds the server-adjustable pipeline state: storage and
// batch bounds, pacing intervals, the backoff counter and the send
// timestamps. The state is process-wide, loaded at startup and written
// through to the store after every mutation so that scheduling and backoff
// arithmetic survive restarts.
package tuning

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/telemetry-tools/event-courier/internal/logging"
)

var backoffGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "event_courier_backoff_ms",
	Help: "Current upload backoff delay in milliseconds",
})

func init() {
	prometheus.MustRegister(backoffGauge)
	backoffGauge.Set(0)
}

// Persisted state keys.
const (
	keyLastSendTime      = "last_send_time_ms"
	keyScheduledSendTime = "scheduled_send_time_ms"
	keyBackoff           = "backoff_ms"
	keyMaxTotalDBSize    = "max_total_db_size"
	keyMaxBatchSize      = "max_batch_size"
	keyMinBatchInterval  = "min_batch_interval_ms"
	keyMaxWait           = "max_wait_ms"
)

// StateStore persists individual int64 state values.
type StateStore interface {
	StateGet(key string) (int64, bool, error)
	StateSet(key string, value int64) error
}

// Defaults are the conservative local values used until the server supplies
// its own tuning.
type Defaults struct {
	MaxTotalDBSize   int64
	MaxBatchSize     int64
	MinBatchInterval time.Duration
	MaxWait          time.Duration
}

// Limits carries server-supplied tuning values from an upload response.
// Nil fields were absent from the response and leave the current value
// untouched.
type Limits struct {
	MaxTotalSize     *int64
	MaxBatchSize     *int64
	MaxWait          *time.Duration
	MinBatchInterval *time.Duration
}

// Manager owns the tuning state. Only the pipeline worker mutates it; the
// mutex exists for reads from health and receiver paths.
type Manager struct {
	store StateStore

	mu                sync.Mutex
	maxTotalDBSize    int64
	maxBatchSize      int64
	minBatchInterval  time.Duration
	maxWait           time.Duration
	lastSendTime      time.Time
	scheduledSendTime time.Time
	backoff           time.Duration
}

// Load reads persisted state from the store, falling back to defaults for
// values never written.
func Load(store StateStore, defaults Defaults) (*Manager, error) {
	m := &Manager{
		store:            store,
		maxTotalDBSize:   defaults.MaxTotalDBSize,
		maxBatchSize:     defaults.MaxBatchSize,
		minBatchInterval: defaults.MinBatchInterval,
		maxWait:          defaults.MaxWait,
	}

	for _, entry := range []struct {
		key   string
		apply func(v int64)
	}{
		{keyMaxTotalDBSize, func(v int64) { m.maxTotalDBSize = v }},
		{keyMaxBatchSize, func(v int64) { m.maxBatchSize = v }},
		{keyMinBatchInterval, func(v int64) { m.minBatchInterval = time.Duration(v) * time.Millisecond }},
		{keyMaxWait, func(v int64) { m.maxWait = time.Duration(v) * time.Millisecond }},
		{keyLastSendTime, func(v int64) { m.lastSendTime = time.UnixMilli(v) }},
		{keyScheduledSendTime, func(v int64) { m.scheduledSendTime = time.UnixMilli(v) }},
		{keyBackoff, func(v int64) { m.backoff = time.Duration(v) * time.Millisecond }},
	} {
		v, ok, err := store.StateGet(entry.key)
		if err != nil {
			return nil, fmt.Errorf("failed to load tuning state: %w", err)
		}
		if ok {
			entry.apply(v)
		}
	}

	backoffGauge.Set(float64(m.backoff.Milliseconds()))
	return m, nil
}

// flush writes one value through to the store. Persistence failures are
// logged and otherwise ignored: the in-memory value stays authoritative for
// the rest of the process lifetime.
func (m *Manager) flush(key string, value int64) {
	if err := m.store.StateSet(key, value); err != nil {
		logging.Error("failed to persist tuning state", logging.F("key", key, "error", err.Error()))
	}
}

// MaxTotalDBSize returns the storage budget in bytes.
func (m *Manager) MaxTotalDBSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTotalDBSize
}

// MaxBatchSize returns the upload batch budget in bytes.
func (m *Manager) MaxBatchSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBatchSize
}

// MinBatchInterval returns the minimum pacing interval between uploads.
func (m *Manager) MinBatchInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minBatchInterval
}

// MaxWait returns the backoff cap.
func (m *Manager) MaxWait() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxWait
}

// LastSendTime returns the time of the last upload attempt.
func (m *Manager) LastSendTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSendTime
}

// ScheduledSendTime returns the recorded deadline of the pending wakeup.
func (m *Manager) ScheduledSendTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduledSendTime
}

// Backoff returns the current backoff delay.
func (m *Manager) Backoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff
}

// SetLastSendTime records an upload attempt. Called before the network
// send so repeated failures still advance the pacing baseline.
func (m *Manager) SetLastSendTime(t time.Time) {
	m.mu.Lock()
	m.lastSendTime = t
	m.mu.Unlock()
	m.flush(keyLastSendTime, t.UnixMilli())
}

// SetScheduledSendTime records the deadline of the armed wakeup.
func (m *Manager) SetScheduledSendTime(t time.Time) {
	m.mu.Lock()
	m.scheduledSendTime = t
	m.mu.Unlock()
	m.flush(keyScheduledSendTime, t.UnixMilli())
}

// ResetBackoff clears the backoff after a successful upload.
func (m *Manager) ResetBackoff() {
	m.mu.Lock()
	m.backoff = 0
	m.mu.Unlock()
	backoffGauge.Set(0)
	m.flush(keyBackoff, 0)
}

// StepBackoff advances the backoff after a failed upload: the first failure
// after a success starts at minBatchInterval, each further failure doubles
// the delay up to maxWait.
func (m *Manager) StepBackoff() time.Duration {
	m.mu.Lock()
	if m.backoff == 0 {
		m.backoff = m.minBatchInterval
	} else {
		m.backoff *= 2
		if m.backoff > m.maxWait {
			m.backoff = m.maxWait
		}
	}
	b := m.backoff
	m.mu.Unlock()
	backoffGauge.Set(float64(b.Milliseconds()))
	m.flush(keyBackoff, b.Milliseconds())
	return b
}

// NextSendDelay returns how long to wait before the next upload attempt:
// lastSendTime + minBatchInterval + backoff, relative to now, clamped at 0.
func (m *Manager) NextSendDelay(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.lastSendTime.Add(m.minBatchInterval).Add(m.backoff)
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ApplyServerLimits overrides local tuning with server-supplied values. The
// server is the authority for these bounds until its next update.
func (m *Manager) ApplyServerLimits(l Limits) {
	m.mu.Lock()
	if l.MaxTotalSize != nil {
		m.maxTotalDBSize = *l.MaxTotalSize
	}
	if l.MaxBatchSize != nil {
		m.maxBatchSize = *l.MaxBatchSize
	}
	if l.MaxWait != nil {
		m.maxWait = *l.MaxWait
	}
	if l.MinBatchInterval != nil {
		m.minBatchInterval = *l.MinBatchInterval
	}
	maxTotal, maxBatch := m.maxTotalDBSize, m.maxBatchSize
	maxWait, minInterval := m.maxWait, m.minBatchInterval
	m.mu.Unlock()

	m.flush(keyMaxTotalDBSize, maxTotal)
	m.flush(keyMaxBatchSize, maxBatch)
	m.flush(keyMaxWait, maxWait.Milliseconds())
	m.flush(keyMinBatchInterval, minInterval.Milliseconds())

	logging.Debug("applied server tuning values", logging.F(
		"max_total_db_size", maxTotal,
		"max_batch_size", maxBatch,
		"max_wait", maxWait.String(),
		"min_batch_interval", minInterval.String(),
	))
}
