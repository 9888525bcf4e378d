// Package pipeline orchestrates the event buffering and upload pipeline:
// a FIFO command queue drained by a single worker that persists incoming
// events, evicts whole sessions when the storage budget is exceeded, and
// runs upload cycles against the collection endpoint. Serializing all
// operations through one worker is the correctness mechanism: the store
// and tuning state are touched by exactly one logical operation at a time.
package pipeline

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/telemetry-tools/event-courier/internal/event"
	"github.com/telemetry-tools/event-courier/internal/logging"
	"github.com/telemetry-tools/event-courier/internal/store"
	"github.com/telemetry-tools/event-courier/internal/transport"
	"github.com/telemetry-tools/event-courier/internal/tuning"
)

var (
	eventsAddedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_events_added_total",
		Help: "Total events accepted into the store",
	})

	eventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_events_dropped_total",
		Help: "Total events dropped before storage by reason",
	}, []string{"reason"})

	sessionEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_session_evictions_total",
		Help: "Total oldest-session evictions triggered by the storage budget",
	})

	uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_uploads_total",
		Help: "Total upload cycles by result",
	}, []string{"result"})

	eventsUploadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_events_uploaded_total",
		Help: "Total events confirmed uploaded and removed from the store",
	})

	commandsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_commands_dropped_total",
		Help: "Total commands dropped because the command queue was full",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(eventsAddedTotal)
	prometheus.MustRegister(eventsDroppedTotal)
	prometheus.MustRegister(sessionEvictionsTotal)
	prometheus.MustRegister(uploadsTotal)
	prometheus.MustRegister(eventsUploadedTotal)
	prometheus.MustRegister(commandsDroppedTotal)

	eventsDroppedTotal.WithLabelValues("invalid").Add(0)
	eventsDroppedTotal.WithLabelValues("storage").Add(0)
	uploadsTotal.WithLabelValues("success").Add(0)
	uploadsTotal.WithLabelValues("failure").Add(0)
}

// Sender sends one batch of opaque payloads to the collection endpoint.
// The send is bounded by the transport's own timeout.
type Sender interface {
	Send(ctx context.Context, payloads []json.RawMessage) (*transport.Response, error)
}

// Scheduler arranges future upload wakeups.
type Scheduler interface {
	DelayForEvent(eventType string, foreground bool) time.Duration
	Schedule(delay time.Duration)
	NextSendDelay() time.Duration
}

type action int

const (
	actionAdd action = iota
	actionUpload
	actionDeleteAll
)

func (a action) String() string {
	switch a {
	case actionAdd:
		return "add_event"
	case actionUpload:
		return "upload"
	case actionDeleteAll:
		return "delete_all"
	default:
		return "unknown"
	}
}

type command struct {
	action action
	event  *event.Event
}

// Config holds pipeline settings.
type Config struct {
	// QueueSize is the command channel capacity (default: 1024).
	QueueSize int
}

// Pipeline is the single-worker event pipeline. Commands are enqueued from
// any goroutine and drained in FIFO order by Run.
type Pipeline struct {
	store  *store.Store
	tuning *tuning.Manager
	sched  Scheduler
	sender Sender

	cmds chan command
	done chan struct{}

	// foreground mirrors the host application state reported via the
	// ingest surface. It only affects location event scheduling.
	foreground atomic.Bool

	now func() time.Time
}

// New creates a pipeline.
func New(st *store.Store, tun *tuning.Manager, sched Scheduler, sender Sender, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Pipeline{
		store:  st,
		tuning: tun,
		sched:  sched,
		sender: sender,
		cmds:   make(chan command, cfg.QueueSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Run drains the command queue until ctx is cancelled. The current command
// always finishes; there is no mid-flight cancellation of an upload cycle.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.cmds:
			p.handle(ctx, cmd)
		}
	}
}

// Wait blocks until the worker has stopped.
func (p *Pipeline) Wait() {
	<-p.done
}

// AddEvent enqueues an event for buffering. Fire-and-forget: invalid or
// unstorable events are dropped and logged, never reported to the caller.
func (p *Pipeline) AddEvent(ev *event.Event) {
	p.enqueue(command{action: actionAdd, event: ev})
}

// Upload enqueues one upload cycle. Also invoked by the wakeup alarm.
func (p *Pipeline) Upload() {
	p.enqueue(command{action: actionUpload})
}

// DeleteAll enqueues a full purge of buffered events.
func (p *Pipeline) DeleteAll() {
	p.enqueue(command{action: actionDeleteAll})
}

// SetForeground records whether the host application is in the foreground.
func (p *Pipeline) SetForeground(foreground bool) {
	p.foreground.Store(foreground)
}

func (p *Pipeline) enqueue(cmd command) {
	select {
	case p.cmds <- cmd:
	default:
		commandsDroppedTotal.WithLabelValues(cmd.action.String()).Inc()
		logging.Warn("command queue full, dropping command", logging.F("command", cmd.action.String()))
	}
}

func (p *Pipeline) handle(ctx context.Context, cmd command) {
	switch cmd.action {
	case actionAdd:
		p.handleAdd(cmd.event)
	case actionUpload:
		p.runUploadCycle(ctx)
	case actionDeleteAll:
		p.handleDeleteAll()
	}
}

// handleAdd persists one event, evicting the entire oldest session first
// when the storage budget is exceeded, then schedules the next upload
// according to the event's class.
func (p *Pipeline) handleAdd(ev *event.Event) {
	if ev == nil {
		return
	}
	if err := ev.Validate(); err != nil {
		eventsDroppedTotal.WithLabelValues("invalid").Inc()
		logging.Warn("unable to add event with missing data", logging.F("error", err.Error()))
		return
	}

	// Eviction is coarse-grained: dropping the whole oldest session keeps
	// session-scoped analytics coherent.
	if p.store.TotalSizeBytes() > p.tuning.MaxTotalDBSize() {
		oldest, err := p.store.OldestSessionID()
		if err != nil {
			logging.Error("failed to look up oldest session", logging.F("error", err.Error()))
		} else if oldest != "" {
			logging.Info("event store size exceeded, deleting oldest session", logging.F(
				"session_id", oldest,
				"store_bytes", p.store.TotalSizeBytes(),
				"max_bytes", p.tuning.MaxTotalDBSize(),
			))
			if _, err := p.store.DeleteSession(oldest); err != nil {
				logging.Error("failed to evict oldest session", logging.F(
					"session_id", oldest,
					"error", err.Error(),
				))
			} else {
				sessionEvictionsTotal.Inc()
			}
		}
	}

	n, err := p.store.Insert(ev)
	if err != nil || n <= 0 {
		eventsDroppedTotal.WithLabelValues("storage").Inc()
		fields := logging.F("event_id", ev.ID, "event_type", ev.Type)
		if err != nil {
			fields["error"] = err.Error()
		}
		logging.Error("unable to insert event into store", fields)
		return
	}
	eventsAddedTotal.Inc()

	p.sched.Schedule(p.sched.DelayForEvent(ev.Type, p.foreground.Load()))
}

// runUploadCycle performs one upload attempt: select a batch, send it,
// interpret the result, and reschedule if work remains.
func (p *Pipeline) runUploadCycle(ctx context.Context) {
	// Advance the pacing baseline before the send so repeated failures
	// cannot produce tight retry loops.
	p.tuning.SetLastSendTime(p.now())

	count, err := p.store.Count()
	if err != nil {
		logging.Error("failed to count events", logging.F("error", err.Error()))
		return
	}
	if count == 0 {
		logging.Debug("no events to upload")
		return
	}

	avgSize := p.store.TotalSizeBytes() / int64(count)
	if avgSize < 1 {
		avgSize = 1
	}
	approxCount := int(p.tuning.MaxBatchSize() / avgSize)
	if approxCount < 1 {
		approxCount = 1
	}

	batch, err := p.store.SelectBatch(approxCount)
	if err != nil {
		logging.Error("failed to select batch", logging.F("error", err.Error()))
		p.sched.Schedule(p.sched.NextSendDelay())
		return
	}
	if len(batch) == 0 {
		return
	}

	ids := make([]string, len(batch))
	payloads := make([]json.RawMessage, len(batch))
	for i, item := range batch {
		ids[i] = item.ID
		payloads[i] = json.RawMessage(item.Data)
	}

	resp, sendErr := p.sender.Send(ctx, payloads)

	// Strict by contract: only an exact 200 confirms the upload. Other 2xx
	// codes are treated as failures.
	success := sendErr == nil && resp != nil && resp.StatusCode == http.StatusOK

	if success {
		if err := p.store.Delete(ids); err != nil {
			logging.Error("failed to delete uploaded events", logging.F("error", err.Error()))
		}
		p.tuning.ResetBackoff()
		uploadsTotal.WithLabelValues("success").Inc()
		eventsUploadedTotal.Add(float64(len(batch)))
		logging.Info("events uploaded", logging.F("count", len(batch)))
	} else {
		backoff := p.tuning.StepBackoff()
		uploadsTotal.WithLabelValues("failure").Inc()
		fields := logging.F("backoff", backoff.String())
		if sendErr != nil {
			fields["error"] = sendErr.Error()
		} else if resp != nil {
			fields["status_code"] = resp.StatusCode
		}
		logging.Warn("event upload failed, will retry", fields)
	}

	if !success || count-len(batch) > 0 {
		logging.Debug("scheduling next event batch upload")
		p.sched.Schedule(p.sched.NextSendDelay())
	}

	if resp != nil && resp.Limits != nil {
		p.tuning.ApplyServerLimits(serverLimits(resp.Limits))
	}
}

func (p *Pipeline) handleDeleteAll() {
	logging.Info("deleting all buffered events")
	if err := p.store.DeleteAll(); err != nil {
		logging.Error("failed to delete all events", logging.F("error", err.Error()))
	}
}

// serverLimits converts wire-format limits (millisecond integers) into
// tuning values.
func serverLimits(l *transport.Limits) tuning.Limits {
	out := tuning.Limits{
		MaxTotalSize: l.MaxTotalSize,
		MaxBatchSize: l.MaxBatchSize,
	}
	if l.MaxWaitMillis != nil {
		d := time.Duration(*l.MaxWaitMillis) * time.Millisecond
		out.MaxWait = &d
	}
	if l.MinBatchInterval != nil {
		d := time.Duration(*l.MinBatchInterval) * time.Millisecond
		out.MinBatchInterval = &d
	}
	return out
}
