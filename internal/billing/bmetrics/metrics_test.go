package bmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveBackgroundTask(t *testing.T) {
	before := testutil.ToFloat64(BackgroundTasksTotal.WithLabelValues("notify:test", "error"))
	ObserveBackgroundTask("notify:test", errors.New("boom"))
	ObserveBackgroundTask("notify:test", nil)

	if got := testutil.ToFloat64(BackgroundTasksTotal.WithLabelValues("notify:test", "error")); got != before+1 {
		t.Fatalf("error count = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(BackgroundTasksTotal.WithLabelValues("notify:test", "ok")); got < 1 {
		t.Fatalf("ok count = %v, want >= 1", got)
	}
}

func TestSetOrganizationsByStatusResets(t *testing.T) {
	SetOrganizationsByStatus(map[string]int{"active": 3, "canceled": 1})
	SetOrganizationsByStatus(map[string]int{"active": 2})

	if got := testutil.ToFloat64(OrganizationsByStatus.WithLabelValues("active")); got != 2 {
		t.Fatalf("active = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(OrganizationsByStatus); n != 1 {
		t.Fatalf("series = %d, want 1", n)
	}
}
