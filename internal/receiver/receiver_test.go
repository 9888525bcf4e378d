package receiver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/telemetry-tools/event-courier/internal/event"
)

type fakePipeline struct {
	added      []*event.Event
	uploads    int
	deletes    int
	foreground []bool
}

func (f *fakePipeline) AddEvent(ev *event.Event) { f.added = append(f.added, ev) }
func (f *fakePipeline) Upload()                  { f.uploads++ }
func (f *fakePipeline) DeleteAll()               { f.deletes++ }
func (f *fakePipeline) SetForeground(fg bool)    { f.foreground = append(f.foreground, fg) }

func doRequest(t *testing.T, p *fakePipeline, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := New(":0", p)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAddEvent(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodPost, "/v1/events",
		`{"id":"e1","type":"app_foreground","data":{"k":"v"},"timestamp":1700000000000,"session_id":"s1"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(p.added) != 1 {
		t.Fatalf("added %d events, want 1", len(p.added))
	}
	if p.added[0].ID != "e1" || p.added[0].SessionID != "s1" {
		t.Errorf("added event = %+v", p.added[0])
	}
}

func TestAddEventFillsMissingID(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodPost, "/v1/events",
		`{"type":"app_foreground","data":{"k":"v"},"timestamp":1700000000000}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(p.added) != 1 || p.added[0].ID == "" {
		t.Errorf("event accepted without generated id: %+v", p.added)
	}
}

func TestAddEventRejectsBadJSON(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodPost, "/v1/events", `{not json`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(p.added) != 0 {
		t.Errorf("malformed event reached pipeline")
	}
}

func TestAddEventRejectsInvalid(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodPost, "/v1/events",
		`{"type":"app_foreground","timestamp":1700000000000}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(p.added) != 0 {
		t.Errorf("invalid event reached pipeline")
	}
}

func TestDeleteAll(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodDelete, "/v1/events", "")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if p.deletes != 1 {
		t.Errorf("deletes = %d, want 1", p.deletes)
	}
}

func TestUpload(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodPost, "/v1/upload", "")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if p.uploads != 1 {
		t.Errorf("uploads = %d, want 1", p.uploads)
	}
}

func TestUploadRejectsGet(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodGet, "/v1/upload", "")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if p.uploads != 0 {
		t.Errorf("GET triggered an upload")
	}
}

func TestAppState(t *testing.T) {
	p := &fakePipeline{}

	rec := doRequest(t, p, http.MethodPost, "/v1/app-state", `{"foreground":true}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	rec = doRequest(t, p, http.MethodPost, "/v1/app-state", `{"foreground":false}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if len(p.foreground) != 2 || !p.foreground[0] || p.foreground[1] {
		t.Errorf("foreground transitions = %v, want [true false]", p.foreground)
	}
}

func TestAppStateRejectsBadJSON(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodPost, "/v1/app-state", `nope`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(p.foreground) != 0 {
		t.Errorf("malformed app state reached pipeline")
	}
}

func TestEventsMethodNotAllowed(t *testing.T) {
	p := &fakePipeline{}
	rec := doRequest(t, p, http.MethodPut, "/v1/events", "")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
