// Package scheduler decides when the next upload attempt fires. It applies
// the per-event-class delay rules at insertion time and arms a single
// wakeup alarm, suppressing redundant or regressive rescheduling so that
// bursts of events produce one upload instead of one per event.
package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/telemetry-tools/event-courier/internal/event"
	"github.com/telemetry-tools/event-courier/internal/logging"
)

var (
	wakeupsArmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_wakeups_armed_total",
		Help: "Total upload wakeups armed",
	})

	wakeupsSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_wakeups_suppressed_total",
		Help: "Total wakeup requests suppressed because an earlier wakeup was already armed",
	})
)

func init() {
	prometheus.MustRegister(wakeupsArmedTotal)
	prometheus.MustRegister(wakeupsSuppressedTotal)

	wakeupsArmedTotal.Add(0)
	wakeupsSuppressedTotal.Add(0)
}

// Alarm arms at most one pending wakeup for the pipeline. Firing the wakeup
// enqueues an upload command; duplicate fires are harmless because an
// upload on an empty store is a no-op.
type Alarm interface {
	// ArmWakeup replaces or creates the single pending wakeup.
	ArmWakeup(at time.Time)
	// Pending reports whether a wakeup is currently armed and unfired.
	Pending() bool
	// Stop cancels any pending wakeup.
	Stop()
}

// Tuning is the slice of tuning state the scheduler reads and the one field
// it writes (the recorded wakeup deadline).
type Tuning interface {
	NextSendDelay(now time.Time) time.Duration
	LastSendTime() time.Time
	ScheduledSendTime() time.Time
	SetScheduledSendTime(t time.Time)
}

// Config holds the fixed scheduling delays.
type Config struct {
	// BatchDelay is the minimum coalescing window for normal events.
	BatchDelay time.Duration
	// RegionBatchDelay is the fixed short delay for region events.
	RegionBatchDelay time.Duration
	// BackgroundReportingInterval is the platform reporting cadence
	// respected for location events while the host app is backgrounded.
	BackgroundReportingInterval time.Duration
}

// DefaultConfig returns the stock scheduling delays.
func DefaultConfig() Config {
	return Config{
		BatchDelay:                  10 * time.Second,
		RegionBatchDelay:            time.Second,
		BackgroundReportingInterval: 15 * time.Minute,
	}
}

// Scheduler computes upload delays and arms the wakeup alarm.
type Scheduler struct {
	alarm  Alarm
	tuning Tuning
	cfg    Config
	now    func() time.Time
}

// New creates a scheduler.
func New(alarm Alarm, tuning Tuning, cfg Config) *Scheduler {
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 10 * time.Second
	}
	if cfg.RegionBatchDelay <= 0 {
		cfg.RegionBatchDelay = time.Second
	}
	if cfg.BackgroundReportingInterval <= 0 {
		cfg.BackgroundReportingInterval = 15 * time.Minute
	}
	return &Scheduler{
		alarm:  alarm,
		tuning: tuning,
		cfg:    cfg,
		now:    time.Now,
	}
}

// NextSendDelay returns the pacing delay implied by the tuning state.
func (s *Scheduler) NextSendDelay() time.Duration {
	return s.tuning.NextSendDelay(s.now())
}

// DelayForEvent returns the upload delay to schedule after inserting an
// event of the given type. Region events always use the fixed region delay.
// Location events while backgrounded respect the background reporting
// cadence when it implies a longer wait than normal batching would.
func (s *Scheduler) DelayForEvent(eventType string, foreground bool) time.Duration {
	next := s.NextSendDelay()

	switch {
	case eventType == event.TypeRegion:
		return s.cfg.RegionBatchDelay

	case eventType == event.TypeLocation && !foreground:
		sendDelta := s.now().Sub(s.tuning.LastSendTime())
		minimumWait := s.cfg.BackgroundReportingInterval - sendDelta
		if minimumWait > next && minimumWait > s.cfg.BatchDelay {
			logging.Debug("location event deferred to background reporting cadence", logging.F(
				"minimum_wait", minimumWait.String(),
			))
			return minimumWait
		}
		return maxDuration(next, s.cfg.BatchDelay)

	default:
		return maxDuration(next, s.cfg.BatchDelay)
	}
}

// Schedule arms a wakeup after delay. The existing wakeup is replaced only
// when the recorded deadline is stale (already in the past), the new
// deadline is earlier, or no wakeup is pending; otherwise the request is
// suppressed and the earlier deadline wins. The deadline is persisted so
// the suppression rule survives restarts.
func (s *Scheduler) Schedule(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	sendTime := now.Add(delay)

	previous := s.tuning.ScheduledSendTime()
	reschedule := previous.Before(now) || previous.After(sendTime)

	if reschedule || !s.alarm.Pending() {
		s.alarm.ArmWakeup(sendTime)
		s.tuning.SetScheduledSendTime(sendTime)
		wakeupsArmedTotal.Inc()
		logging.Debug("upload wakeup armed", logging.F(
			"delay", delay.String(),
			"send_time", sendTime.UTC().Format(time.RFC3339),
		))
		return
	}

	wakeupsSuppressedTotal.Inc()
	logging.Debug("wakeup already armed for an earlier time")
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
