package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tillpoint/pos/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("insufficient_stock", "not enough\nstock", http.StatusConflict).WithDetails(map[string]any{"productId": "p1"}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %s", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "insufficient_stock" {
		t.Errorf("unexpected code %v", body["error"])
	}
	if body["message"] != "not enough stock" {
		t.Errorf("expected newline stripped, got %v", body["message"])
	}
	if body["trace_id"] != "abc123" {
		t.Errorf("expected trace id, got %v", body["trace_id"])
	}
	details, ok := body["details"].(map[string]any)
	if !ok || details["productId"] != "p1" {
		t.Errorf("unexpected details %v", body["details"])
	}
}

func TestNewErrorDefaultsStatus(t *testing.T) {
	if got := NewError("boom", "boom", 0).Status; got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}
