package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskwave/taskwave/internal/coordinator"
	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := events.New()
	coord := coordinator.New(0, bus, nil)
	return NewServer(st, coord, bus, nil, nil)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestWorkflowCRUD_RoundTrips(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()

	wf := model.Workflow{Name: "deploy", Tasks: []model.Task{{ID: "a", Command: "true"}}}
	body, _ := json.Marshal(wf)

	putReq := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewReader(body))
	putRec := httptest.NewRecorder()
	mux.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusCreated {
		t.Fatalf("PUT got status %d, body %s", putRec.Code, putRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/workflows/deploy", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GET got status %d", getRec.Code)
	}
	var got model.Workflow
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "deploy" {
		t.Fatalf("got %+v", got)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/workflows/deploy", nil)
	delRec := httptest.NewRecorder()
	mux.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("DELETE got status %d", delRec.Code)
	}

	getReq2 := httptest.NewRequest(http.MethodGet, "/v1/workflows/deploy", nil)
	getRec2 := httptest.NewRecorder()
	mux.ServeHTTP(getRec2, getReq2)
	if getRec2.Code != http.StatusNotFound {
		t.Fatalf("GET after delete got status %d, want 404", getRec2.Code)
	}
}

func TestSubmitRun_ReturnsRunIDAndEventuallyPersists(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()
	ctx := context.Background()

	wf := model.Workflow{Name: "quick", Tasks: []model.Task{{ID: "a", Command: "true"}}}
	if err := s.Store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("PutWorkflow() error = %v", err)
	}

	body, _ := json.Marshal(submitRunRequest{Workflow: "quick"})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}

	var resp submitRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RunID == "" {
		t.Fatal("expected a non-empty run id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		getReq := httptest.NewRequest(http.MethodGet, "/v1/runs/"+resp.RunID, nil)
		getRec := httptest.NewRecorder()
		mux.ServeHTTP(getRec, getReq)
		if getRec.Code == http.StatusOK {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run was never persisted within the deadline")
}

func TestSubmitRun_UnknownWorkflowIs404(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(submitRunRequest{Workflow: "nope"})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestCancelRun_UnknownRunIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/does-not-exist/cancel", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}
