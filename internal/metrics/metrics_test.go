package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSnapCounters(t *testing.T) {
	before := Snap()
	IncRx()
	IncTx()
	IncErrorFrame([]string{"bus-off", "controller"})
	ObserveResult("rx", "N_OK", true)
	ObserveResult("tx", "N_OK", true)
	ObserveResult("tx", "N_TIMEOUT_Bs", false)
	AddSessions(2)
	AddSessions(-1)
	IncError(ErrLinkRead)
	IncMalformed()
	after := Snap()
	checks := []struct {
		name string
		got  uint64
	}{
		{"rx", after.RxFrames - before.RxFrames},
		{"tx", after.TxFrames - before.TxFrames},
		{"error frames", after.ErrorFrames - before.ErrorFrames},
		{"isotp rx", after.ISOTPRx - before.ISOTPRx},
		{"isotp tx", after.ISOTPTx - before.ISOTPTx},
		{"aborts", after.ISOTPAborts - before.ISOTPAborts},
		{"errors", after.Errors - before.Errors},
		{"malformed", after.Malformed - before.Malformed},
	}
	for _, c := range checks {
		if c.got != 1 {
			t.Fatalf("%s delta=%d want 1", c.name, c.got)
		}
	}
	if after.Sessions-before.Sessions != 1 {
		t.Fatalf("sessions delta=%d", after.Sessions-before.Sessions)
	}
}

func TestReadiness(t *testing.T) {
	defer SetReadinessFunc(nil)
	SetReadinessFunc(func() bool { return false })
	if IsReady() {
		t.Fatalf("expected not ready")
	}
	SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("nil readiness func should report ready")
	}
	SetReadinessFunc(func() bool { return false })
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	SetReadinessFunc(func() bool { return true })
	rec = httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
