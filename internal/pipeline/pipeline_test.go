package pipeline

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/telemetry-tools/event-courier/internal/event"
	"github.com/telemetry-tools/event-courier/internal/store"
	"github.com/telemetry-tools/event-courier/internal/transport"
	"github.com/telemetry-tools/event-courier/internal/tuning"
)

type fakeScheduler struct {
	delays    []time.Duration
	scheduled []time.Duration
	nextDelay time.Duration
}

func (f *fakeScheduler) DelayForEvent(eventType string, foreground bool) time.Duration {
	f.delays = append(f.delays, f.nextDelay)
	return f.nextDelay
}

func (f *fakeScheduler) Schedule(delay time.Duration) {
	f.scheduled = append(f.scheduled, delay)
}

func (f *fakeScheduler) NextSendDelay() time.Duration { return f.nextDelay }

type fakeSender struct {
	mu        sync.Mutex
	responses []*transport.Response
	errs      []error
	batches   [][]json.RawMessage
}

func (f *fakeSender) Send(ctx context.Context, payloads []json.RawMessage) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, payloads)
	i := len(f.batches) - 1
	var resp *transport.Response
	var err error
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return resp, err
}

func (f *fakeSender) sentBatches() [][]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]json.RawMessage, len(f.batches))
	copy(out, f.batches)
	return out
}

func okResponse() *transport.Response {
	return &transport.Response{StatusCode: http.StatusOK}
}

type testPipeline struct {
	*Pipeline
	store  *store.Store
	tuning *tuning.Manager
	sched  *fakeScheduler
	sender *fakeSender
}

func newTestPipeline(t *testing.T, defaults tuning.Defaults) *testPipeline {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tun, err := tuning.Load(st, defaults)
	if err != nil {
		t.Fatalf("failed to load tuning: %v", err)
	}

	sched := &fakeScheduler{}
	sender := &fakeSender{}
	p := New(st, tun, sched, sender, Config{})
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }

	return &testPipeline{Pipeline: p, store: st, tuning: tun, sched: sched, sender: sender}
}

func testDefaults() tuning.Defaults {
	return tuning.Defaults{
		MaxTotalDBSize:   5 * 1024 * 1024,
		MaxBatchSize:     500 * 1024,
		MinBatchInterval: time.Minute,
		MaxWait:          10 * time.Minute,
	}
}

// testEvent builds an event whose payload is exactly size bytes.
func testEvent(id, session string, ts int64, size int) *event.Event {
	return &event.Event{
		ID:        id,
		Type:      "app_foreground",
		Data:      json.RawMessage(`"` + strings.Repeat("a", size-2) + `"`),
		Timestamp: ts,
		SessionID: session,
	}
}

func mustCount(t *testing.T, st *store.Store) int {
	t.Helper()
	n, err := st.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestAddEventStoresAndSchedules(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())
	tp.sched.nextDelay = 10 * time.Second

	tp.handleAdd(testEvent("e1", "s1", 100, 50))

	if got := mustCount(t, tp.store); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	if len(tp.sched.scheduled) != 1 || tp.sched.scheduled[0] != 10*time.Second {
		t.Errorf("scheduled = %v, want one 10s wakeup", tp.sched.scheduled)
	}
}

func TestAddEventDropsInvalid(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())

	tp.handleAdd(&event.Event{ID: "e1"})
	tp.handleAdd(nil)

	if got := mustCount(t, tp.store); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if len(tp.sched.scheduled) != 0 {
		t.Errorf("invalid event armed a wakeup: %v", tp.sched.scheduled)
	}
}

func TestAddEventDropsDuplicateID(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())

	tp.handleAdd(testEvent("e1", "s1", 100, 50))
	tp.handleAdd(testEvent("e1", "s1", 200, 50))

	if got := mustCount(t, tp.store); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestAddEventEvictsOldestSession(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxTotalDBSize = 100
	tp := newTestPipeline(t, defaults)

	// Two sessions, 60 bytes each: the second insert pushes the store past
	// the budget so the third insert evicts the entire oldest session.
	tp.handleAdd(testEvent("e1", "old", 100, 30))
	tp.handleAdd(testEvent("e2", "old", 200, 30))
	tp.handleAdd(testEvent("e3", "new", 300, 60))
	if got := mustCount(t, tp.store); got != 3 {
		t.Fatalf("Count() before eviction = %d, want 3", got)
	}

	tp.handleAdd(testEvent("e4", "new", 400, 30))

	// Both "old" events must be gone; the "new" session plus the fresh
	// event must remain.
	batch, err := tp.store.SelectBatch(10)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("store holds %d events after eviction, want 2", len(batch))
	}
	for _, item := range batch {
		if item.ID == "e1" || item.ID == "e2" {
			t.Errorf("event %s from evicted session survived", item.ID)
		}
	}
}

func TestAddEventNoEvictionUnderBudget(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxTotalDBSize = 1000
	tp := newTestPipeline(t, defaults)

	tp.handleAdd(testEvent("e1", "s1", 100, 50))
	tp.handleAdd(testEvent("e2", "s2", 200, 50))

	if got := mustCount(t, tp.store); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestUploadEmptyStore(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())

	tp.runUploadCycle(context.Background())

	if len(tp.sender.batches) != 0 {
		t.Errorf("empty store produced %d sends, want 0", len(tp.sender.batches))
	}
	if len(tp.sched.scheduled) != 0 {
		t.Errorf("empty store armed a wakeup: %v", tp.sched.scheduled)
	}
	// The pacing baseline still advances.
	if got := tp.tuning.LastSendTime().UnixMilli(); got != 1700000000000 {
		t.Errorf("LastSendTime = %d, want 1700000000000", got)
	}
}

func TestUploadSuccessDeletesBatch(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())
	tp.sender.responses = []*transport.Response{okResponse()}

	tp.handleAdd(testEvent("e1", "s1", 100, 50))
	tp.handleAdd(testEvent("e2", "s1", 200, 50))
	tp.sched.scheduled = nil

	tp.runUploadCycle(context.Background())

	if len(tp.sender.batches) != 1 || len(tp.sender.batches[0]) != 2 {
		t.Fatalf("sent batches = %v, want one batch of 2", tp.sender.batches)
	}
	if got := mustCount(t, tp.store); got != 0 {
		t.Errorf("Count() after success = %d, want 0", got)
	}
	if got := tp.tuning.Backoff(); got != 0 {
		t.Errorf("Backoff() after success = %s, want 0", got)
	}
	// Everything uploaded and nothing failed: no reschedule.
	if len(tp.sched.scheduled) != 0 {
		t.Errorf("full success armed a wakeup: %v", tp.sched.scheduled)
	}
}

func TestUploadBatchSizing(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxBatchSize = 250
	tp := newTestPipeline(t, defaults)
	tp.sender.responses = []*transport.Response{okResponse()}

	// Five 100-byte events, 250-byte batch budget: avg size 100, so the
	// batch holds exactly 2 events.
	for i := 0; i < 5; i++ {
		tp.handleAdd(testEvent(string(rune('a'+i)), "s1", int64(100+i), 100))
	}
	tp.sched.scheduled = nil

	tp.runUploadCycle(context.Background())

	if len(tp.sender.batches) != 1 || len(tp.sender.batches[0]) != 2 {
		t.Fatalf("sent %v batches, want one batch of 2", len(tp.sender.batches))
	}
	if got := mustCount(t, tp.store); got != 3 {
		t.Errorf("Count() = %d, want 3 remaining", got)
	}
	// Work remains: the next cycle must be scheduled.
	if len(tp.sched.scheduled) != 1 {
		t.Errorf("remaining events did not arm a wakeup: %v", tp.sched.scheduled)
	}
}

func TestUploadFailureKeepsEventsAndBacksOff(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())
	tp.sender.errs = []error{errors.New("connection refused")}

	tp.handleAdd(testEvent("e1", "s1", 100, 50))
	tp.sched.scheduled = nil

	tp.runUploadCycle(context.Background())

	if got := mustCount(t, tp.store); got != 1 {
		t.Errorf("Count() after failure = %d, want 1", got)
	}
	if got := tp.tuning.Backoff(); got != time.Minute {
		t.Errorf("Backoff() after first failure = %s, want 1m", got)
	}
	if len(tp.sched.scheduled) != 1 {
		t.Errorf("failure did not arm a retry wakeup: %v", tp.sched.scheduled)
	}
}

func TestUploadBackoffDoublesAcrossFailures(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())
	tp.sender.errs = []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}

	tp.handleAdd(testEvent("e1", "s1", 100, 50))

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		tp.runUploadCycle(context.Background())
		if got := tp.tuning.Backoff(); got != w {
			t.Errorf("Backoff() after failure %d = %s, want %s", i+1, got, w)
		}
	}
}

func TestUploadFailureThenSuccess(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())
	tp.sender.responses = []*transport.Response{nil, okResponse()}
	tp.sender.errs = []error{errors.New("down"), nil}

	tp.handleAdd(testEvent("e1", "s1", 100, 50))

	tp.runUploadCycle(context.Background())
	if got := tp.tuning.Backoff(); got != time.Minute {
		t.Fatalf("Backoff() after failure = %s, want 1m", got)
	}

	tp.runUploadCycle(context.Background())
	if got := tp.tuning.Backoff(); got != 0 {
		t.Errorf("Backoff() after recovery = %s, want 0", got)
	}
	if got := mustCount(t, tp.store); got != 0 {
		t.Errorf("Count() after recovery = %d, want 0", got)
	}
}

func TestUploadNon200IsFailure(t *testing.T) {
	// A 202 acknowledges receipt but does not confirm processing, so the
	// batch stays buffered and backoff engages.
	for _, code := range []int{http.StatusAccepted, http.StatusNoContent, http.StatusInternalServerError} {
		tp := newTestPipeline(t, testDefaults())
		tp.sender.responses = []*transport.Response{{StatusCode: code}}

		tp.handleAdd(testEvent("e1", "s1", 100, 50))
		tp.sched.scheduled = nil

		tp.runUploadCycle(context.Background())

		if got := mustCount(t, tp.store); got != 1 {
			t.Errorf("status %d: Count() = %d, want 1 (batch kept)", code, got)
		}
		if got := tp.tuning.Backoff(); got != time.Minute {
			t.Errorf("status %d: Backoff() = %s, want 1m", code, got)
		}
		if len(tp.sched.scheduled) != 1 {
			t.Errorf("status %d: no retry wakeup armed", code)
		}
	}
}

func TestUploadAppliesServerLimits(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())

	maxTotal := int64(1 << 20)
	maxBatch := int64(200)
	maxWaitMS := int64(300000)
	minIntervalMS := int64(30000)
	tp.sender.responses = []*transport.Response{{
		StatusCode: http.StatusOK,
		Limits: &transport.Limits{
			MaxTotalSize:     &maxTotal,
			MaxBatchSize:     &maxBatch,
			MaxWaitMillis:    &maxWaitMS,
			MinBatchInterval: &minIntervalMS,
		},
	}}

	tp.handleAdd(testEvent("e1", "s1", 100, 50))
	tp.runUploadCycle(context.Background())

	if got := tp.tuning.MaxTotalDBSize(); got != maxTotal {
		t.Errorf("MaxTotalDBSize() = %d, want %d", got, maxTotal)
	}
	if got := tp.tuning.MaxBatchSize(); got != maxBatch {
		t.Errorf("MaxBatchSize() = %d, want %d", got, maxBatch)
	}
	if got := tp.tuning.MaxWait(); got != 5*time.Minute {
		t.Errorf("MaxWait() = %s, want 5m", got)
	}
	if got := tp.tuning.MinBatchInterval(); got != 30*time.Second {
		t.Errorf("MinBatchInterval() = %s, want 30s", got)
	}
}

func TestUploadAppliesLimitsEvenOnFailure(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())

	maxBatch := int64(200)
	tp.sender.responses = []*transport.Response{{
		StatusCode: http.StatusTooManyRequests,
		Limits:     &transport.Limits{MaxBatchSize: &maxBatch},
	}}

	tp.handleAdd(testEvent("e1", "s1", 100, 50))
	tp.runUploadCycle(context.Background())

	if got := tp.tuning.MaxBatchSize(); got != 200 {
		t.Errorf("MaxBatchSize() = %d, want 200 (limits apply on any response)", got)
	}
}

func TestDeleteAll(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())

	tp.handleAdd(testEvent("e1", "s1", 100, 50))
	tp.handleAdd(testEvent("e2", "s2", 200, 50))

	tp.handleDeleteAll()

	if got := mustCount(t, tp.store); got != 0 {
		t.Errorf("Count() after purge = %d, want 0", got)
	}
}

func TestRunDrainsCommandsInOrder(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())
	tp.sender.responses = []*transport.Response{okResponse()}

	ctx, cancel := context.WithCancel(context.Background())
	go tp.Run(ctx)

	tp.AddEvent(testEvent("e1", "s1", 100, 50))
	tp.AddEvent(testEvent("e2", "s1", 200, 50))
	tp.Upload()

	deadline := time.After(2 * time.Second)
	for {
		if len(tp.sender.sentBatches()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("upload command never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// FIFO: both adds land before the upload, so the batch carries both.
	if batches := tp.sender.sentBatches(); len(batches[0]) != 2 {
		t.Errorf("upload batch carried %d payloads, want 2", len(batches[0]))
	}

	cancel()
	tp.Wait()
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	tp := newTestPipeline(t, testDefaults())
	// No worker running: fill the queue past capacity.
	small := New(tp.store, tp.tuning, tp.sched, tp.sender, Config{QueueSize: 1})

	small.Upload()
	small.Upload() // dropped, must not block

	if len(small.cmds) != 1 {
		t.Errorf("queue length = %d, want 1", len(small.cmds))
	}
}
