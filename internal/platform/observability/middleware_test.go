package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tillpoint/pos/internal/platform/requestctx"
)

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("drawer jammed")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/carts", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestRequestLoggerMiddlewareLogsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(CashierMiddleware(RequestLoggerMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestctx.Cashier(r.Context()) != "cashier-7" {
			t.Errorf("expected cashier on context")
		}
		w.WriteHeader(http.StatusConflict)
	}))))

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req.Header.Set(CashierHeader, "cashier-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusConflict) {
		t.Errorf("expected status 409, got %v", fields["status"])
	}
	if fields["cashier_id"] != "cashier-7" {
		t.Errorf("expected cashier field, got %v", fields["cashier_id"])
	}
}

func TestTraceMiddlewareContinuesCloudTrace(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("till-dev")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/sales", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if info.TraceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected inbound trace id to be continued, got %q", info.TraceID)
	}
	if info.ProjectID != "till-dev" {
		t.Errorf("expected project id, got %q", info.ProjectID)
	}
}

func TestParseCloudTraceContextRejectsGarbage(t *testing.T) {
	for _, header := range []string{"", "nope", "zz/1;o=1", "105445aa7843bc8bf206b12000100000/xyz"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Errorf("expected %q to be rejected", header)
		}
	}
}

func TestServiceLoggerFallsBackToBase(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logFn := ServiceLogger(zap.New(core))
	logFn(context.Background(), "checkout_event_publish_failed", map[string]any{"saleId": "SALE-1"})

	entries := logs.FilterMessage("checkout_event_publish_failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Errorf("expected failures to log at warn, got %s", entries[0].Level)
	}
}
