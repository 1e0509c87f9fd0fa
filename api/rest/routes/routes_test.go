package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldops/api/rest/handlers"
	"fieldops/core/lifecycle"
	"fieldops/core/models"
	"fieldops/core/monitoring"
	"fieldops/core/orchestrator"
	"fieldops/core/outbox"
	"fieldops/core/repository"
	"fieldops/core/technician"

	"github.com/gorilla/mux"
)

type testServer struct {
	router  *mux.Router
	gw      *repository.MemoryGateway
	monitor *orchestrator.Monitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gw := repository.NewMemoryGateway()
	store := outbox.NewMemoryStore()
	monitor := orchestrator.NewMonitor(gw, time.Second, nil)
	orch, err := orchestrator.New(store, monitor)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	machine, err := lifecycle.New(gw)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	ctrl, err := technician.NewController(technician.Config{
		Orchestrator: orch,
		Connectivity: monitor,
		Machine:      machine,
		Gateway:      gw,
	}, technician.NewSession("tech-1", "truck-7"))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	tracker := monitoring.NewTimeTracker(gw)

	r := mux.NewRouter()
	SetupRoutes(r, Handlers{
		Technician: handlers.NewTechnicianHandler(ctrl, monitor),
		Jobs:       handlers.NewJobHandler(gw, machine),
		Dashboard:  handlers.NewDashboardHandler(monitoring.NewMetricsExporter(gw, tracker, store), tracker, orch),
	})
	return &testServer{router: r, gw: gw, monitor: monitor}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestTechnicianFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/v1/jobs", map[string]string{"customer_id": "cust-1", "description": "No heat"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Job models.Job `json:"job"`
	}
	decodeBody(t, rec, &created)
	jobID := created.Job.ID

	if rec := s.do(t, "POST", "/v1/session/jobs/"+jobID, nil); rec.Code != http.StatusOK {
		t.Fatalf("open: %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, "POST", "/v1/session/take", nil); rec.Code != http.StatusOK {
		t.Fatalf("take: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, "POST", "/v1/session/pause", map[string]string{"reason": " "})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("pause without reason: %d %s", rec.Code, rec.Body.String())
	}
	var errResp handlers.ErrorResponse
	decodeBody(t, rec, &errResp)
	if errResp.Field != "reason" {
		t.Errorf("expected field reason, got %+v", errResp)
	}

	// Arrive while offline is queued, then applied by sync.
	s.monitor.SetOnline(context.Background(), false)
	rec = s.do(t, "POST", "/v1/session/arrive", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("offline arrive: %d %s", rec.Code, rec.Body.String())
	}
	var outbox struct {
		Items []models.QueuedAction `json:"items"`
	}
	decodeBody(t, s.do(t, "GET", "/v1/outbox", nil), &outbox)
	if len(outbox.Items) != 1 || outbox.Items[0].Action != technician.ActionJobArrive {
		t.Fatalf("outbox = %+v", outbox.Items)
	}

	s.monitor.SetOnline(context.Background(), true)
	rec = s.do(t, "POST", "/v1/sync", nil)
	var sync struct {
		Applied   int `json:"applied"`
		Remaining int `json:"remaining"`
	}
	decodeBody(t, rec, &sync)
	if sync.Applied != 1 || sync.Remaining != 0 {
		t.Fatalf("sync = %+v", sync)
	}
	job, err := s.gw.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusOnSiteDiagnostics {
		t.Fatalf("status after sync: %s", job.Status)
	}

	var tis monitoring.TimeInStatus
	decodeBody(t, s.do(t, "GET", "/v1/jobs/"+jobID+"/time-in-status", nil), &tis)
	if tis.Active == nil || *tis.Active != models.JobStatusOnSiteDiagnostics {
		t.Errorf("time-in-status active = %v", tis.Active)
	}
}

func TestInvoiceRequiresOfficeRole(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if _, err := s.gw.CreateJob(ctx, &models.Job{ID: "j1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.gw.SetJobStatus(ctx, "j1", models.JobStatusFinished, models.JobStatusOptions{}); err != nil {
		t.Fatal(err)
	}

	if rec := s.do(t, "POST", "/v1/jobs/j1/invoice", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("technician invoice: %d", rec.Code)
	}
	rec := s.do(t, "POST", "/v1/jobs/j1/invoice", nil, handlers.RoleHeader, string(lifecycle.RoleOffice))
	if rec.Code != http.StatusOK {
		t.Fatalf("office invoice: %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, "POST", "/v1/jobs/missing/invoice", nil, handlers.RoleHeader, string(lifecycle.RoleOffice)); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: %d", rec.Code)
	}
}

func TestMetricsAndOutboxAdmin(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.gw.CreateJob(context.Background(), &models.Job{ID: "j1"}); err != nil {
		t.Fatal(err)
	}

	rec := s.do(t, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `fieldops_jobs{status="open"} 1`) {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}

	if rec := s.do(t, "DELETE", "/v1/outbox/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: %d", rec.Code)
	}
	if rec := s.do(t, "DELETE", "/v1/outbox/99", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing id: %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/v1/jobs?status=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: %d", rec.Code)
	}
}
