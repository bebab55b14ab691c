package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

func TestOpsHandler_Span(t *testing.T) {
	exp := useTestTracer(t)
	m := newRecorded(t).m

	h := OpsHandler(m, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "GET /readyz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /readyz")
	}
}

func TestOpsHandler_ExtractsTraceParent(t *testing.T) {
	useTestTracer(t)
	orig := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(orig) })
	m := newRecorded(t).m

	var got string
	h := OpsHandler(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CallID(r.Context())
	}))
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %q, want the caller's", got)
	}
}

func TestOpsHandler_RecordsDuration(t *testing.T) {
	useTestTracer(t)
	r := newRecorded(t)

	h := OpsHandler(r.m, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))

	got := r.samples(t, "callbridge.http.request.duration",
		attribute.String("method", "GET"),
		attribute.String("path", "/readyz"),
		attribute.Int("status", http.StatusServiceUnavailable),
	)
	if got != 1 {
		t.Errorf("samples = %d, want 1", got)
	}
}
