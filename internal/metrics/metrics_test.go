package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(SchedulerStepsTotal.WithLabelValues("test_step"))
	stepsBefore := TotalSteps()

	RecordStep("test_step", 10*time.Microsecond)
	RecordStep("test_step", 20*time.Microsecond)

	after := testutil.ToFloat64(SchedulerStepsTotal.WithLabelValues("test_step"))
	if after-before != 2 {
		t.Errorf("expected 2 new steps, got %v", after-before)
	}
	if TotalSteps()-stepsBefore != 2 {
		t.Errorf("expected TotalSteps to advance by 2, got %d", TotalSteps()-stepsBefore)
	}
}

func TestRecordRunLifecycle(t *testing.T) {
	inFlight := testutil.ToFloat64(RunsInFlight)

	RecordRunStarted()
	if got := testutil.ToFloat64(RunsInFlight); got != inFlight+1 {
		t.Errorf("expected %v runs in flight, got %v", inFlight+1, got)
	}

	RecordRunFinished("test_run", "ok", 50*time.Millisecond)
	if got := testutil.ToFloat64(RunsInFlight); got != inFlight {
		t.Errorf("expected %v runs in flight, got %v", inFlight, got)
	}
	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("test_run", "ok")); got < 1 {
		t.Errorf("expected at least one ok run, got %v", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nan := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_num", "nan"))
	inf := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_num", "inf"))

	RecordNumericalInstability("test_num", 5, 0)
	RecordNumericalInstability("test_num", 0, 3)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_num", "nan")); got-nan != 5 {
		t.Errorf("expected 5 NaNs, got %v", got-nan)
	}
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_num", "inf")); got-inf != 3 {
		t.Errorf("expected 3 Infs, got %v", got-inf)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordModelCall(5 * time.Millisecond)
	RecordWarmupStep("lms")
	RecordValidationError("step", "shape")
	RecordTrajectoryExport("ipc", 20)
}
