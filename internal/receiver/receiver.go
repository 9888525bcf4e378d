// Package receiver exposes the pipeline's command surface over HTTP:
// adding events, forcing an upload, purging the store, and reporting the
// host application's foreground state.
package receiver

import (
	"context"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/telemetry-tools/event-courier/internal/event"
	"github.com/telemetry-tools/event-courier/internal/logging"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "event_courier_ingest_requests_total",
	Help: "Total ingest requests by path and outcome",
}, []string{"path", "outcome"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Pipeline is the command surface the receiver feeds.
type Pipeline interface {
	AddEvent(ev *event.Event)
	Upload()
	DeleteAll()
	SetForeground(foreground bool)
}

// maxBodySize bounds an ingest request body (1 MiB).
const maxBodySize = 1 << 20

// HTTPReceiver receives pipeline commands via HTTP.
type HTTPReceiver struct {
	server   *http.Server
	pipeline Pipeline
	addr     string
}

// New creates an HTTP receiver.
func New(addr string, p Pipeline) *HTTPReceiver {
	r := &HTTPReceiver{
		pipeline: p,
		addr:     addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", r.handleEvents)
	mux.HandleFunc("/v1/upload", r.handleUpload)
	mux.HandleFunc("/v1/app-state", r.handleAppState)

	r.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return r
}

// handleEvents accepts a single event (POST) or purges the store (DELETE).
func (r *HTTPReceiver) handleEvents(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleAdd(w, req)
	case http.MethodDelete:
		r.pipeline.DeleteAll()
		requestsTotal.WithLabelValues("/v1/events", "accepted").Inc()
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *HTTPReceiver) handleAdd(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		requestsTotal.WithLabelValues("/v1/events", "bad_request").Inc()
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer req.Body.Close()

	var ev event.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		requestsTotal.WithLabelValues("/v1/events", "bad_request").Inc()
		http.Error(w, "Invalid event JSON", http.StatusBadRequest)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		requestsTotal.WithLabelValues("/v1/events", "invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.pipeline.AddEvent(&ev)
	requestsTotal.WithLabelValues("/v1/events", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// handleUpload triggers an upload cycle.
func (r *HTTPReceiver) handleUpload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.pipeline.Upload()
	requestsTotal.WithLabelValues("/v1/upload", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// handleAppState records the host application's foreground state.
func (r *HTTPReceiver) handleAppState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var state struct {
		Foreground bool `json:"foreground"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodySize)).Decode(&state); err != nil {
		requestsTotal.WithLabelValues("/v1/app-state", "bad_request").Inc()
		http.Error(w, "Invalid app state JSON", http.StatusBadRequest)
		return
	}
	defer req.Body.Close()

	r.pipeline.SetForeground(state.Foreground)
	requestsTotal.WithLabelValues("/v1/app-state", "accepted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	logging.Info("ingest receiver listening", logging.F("addr", r.addr))
	return r.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// Handler exposes the receiver mux for tests.
func (r *HTTPReceiver) Handler() http.Handler {
	return r.server.Handler
}
