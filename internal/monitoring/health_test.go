package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/23skdu/longbow-diffusion/internal/errs"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthyByDefault(t *testing.T) {
	hm := NewHealthMonitor()
	rec := get(t, hm.Handler(), http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %q", body["status"])
	}
}

func TestRunAccounting(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RunStarted()
	hm.RunStarted()
	hm.RunFinished(20, 10*time.Millisecond, nil)
	hm.RunFinished(5, 30*time.Millisecond, errors.New("model exploded"))

	st := hm.Status()
	if st.Runs.InFlight != 0 || st.Runs.Completed != 1 || st.Runs.Failed != 1 {
		t.Errorf("unexpected run info %+v", st.Runs)
	}
	if st.Performance.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %v", st.Performance.ErrorRate)
	}
	if st.Performance.AvgRunMs != 20 {
		t.Errorf("expected avg 20ms, got %v", st.Performance.AvgRunMs)
	}
	if len(st.Alerts) != 1 || st.Alerts[0].Level != "warning" {
		t.Errorf("expected one warning alert, got %+v", st.Alerts)
	}
	// warnings do not degrade health
	if st.Status != "healthy" {
		t.Errorf("expected healthy, got %s", st.Status)
	}
}

func TestNumericFailureDegrades(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RunStarted()
	hm.RunFinished(3, time.Millisecond, errs.Numeric("ddim: step produced 1 NaN and 0 Inf values"))

	rec := get(t, hm.Handler(), http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if n := hm.Status().Performance.NumericErrors; n != 1 {
		t.Errorf("expected 1 numeric error, got %d", n)
	}

	hm.ResolveAlert(0)
	if s := hm.Status().Status; s != "healthy" {
		t.Errorf("expected healthy after resolving, got %s", s)
	}
}

func TestAlertEndpoints(t *testing.T) {
	hm := NewHealthMonitor()
	hm.AddAlert("critical", "sink", "flight unreachable")
	h := hm.Handler()

	var alerts []Alert
	rec := get(t, h, http.MethodGet, "/admin/alerts")
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil || len(alerts) != 1 {
		t.Fatalf("expected one alert, got %v %v", alerts, err)
	}
	if hm.Status().Status != "critical" {
		t.Errorf("expected critical status")
	}

	if rec := get(t, h, http.MethodGet, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
	if rec := get(t, h, http.MethodPost, "/admin/clear-alerts"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(hm.Status().Alerts) != 0 {
		t.Error("expected alerts to be cleared")
	}
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	hm := NewHealthMonitor()
	h := hm.Handler()

	var st HealthStatus
	rec := get(t, h, http.MethodGet, "/status")
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Version != Version || st.System.NumCPU == 0 {
		t.Errorf("unexpected status %+v", st)
	}

	if rec := get(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", rec.Code)
	}
}

func TestStopBeforeStart(t *testing.T) {
	hm := NewHealthMonitor()
	if err := hm.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := hm.Start("127.0.0.1:0"); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
}

func TestStopWhileStarting(t *testing.T) {
	for i := 0; i < 20; i++ {
		hm := NewHealthMonitor()
		done := make(chan error, 1)
		go func() { done <- hm.Start("127.0.0.1:0") }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := hm.Stop(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, http.ErrServerClosed) {
				t.Fatalf("expected ErrServerClosed, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("server still running after Stop")
		}
	}
}
