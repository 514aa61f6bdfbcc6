package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tillpoint/pos/internal/platform/config"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code codes.Code
		want Kind
	}{
		{codes.NotFound, KindNotFound},
		{codes.AlreadyExists, KindConflict},
		{codes.Aborted, KindConflict},
		{codes.FailedPrecondition, KindConflict},
		{codes.Unavailable, KindUnavailable},
		{codes.ResourceExhausted, KindUnavailable},
		{codes.PermissionDenied, KindUnknown},
	}
	for _, tc := range cases {
		err := WrapError("products.get", status.Error(tc.code, "boom"))
		if got := KindOf(err); got != tc.want {
			t.Errorf("code %s: expected kind %d, got %d", tc.code, tc.want, got)
		}
	}
}

func TestWrapErrorPassesContextErrors(t *testing.T) {
	if err := WrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.DeadlineExceeded, "late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if err := WrapError("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapErrorKeepsExistingAnnotation(t *testing.T) {
	first := WrapError("", status.Error(codes.NotFound, "missing"))
	second := WrapError("sales.get", first)
	var fsErr *Error
	if !errors.As(second, &fsErr) {
		t.Fatalf("expected *Error, got %T", second)
	}
	if fsErr.Op() != "sales.get" {
		t.Errorf("expected op to be filled in, got %q", fsErr.Op())
	}
	if fsErr.Kind() != KindNotFound {
		t.Errorf("expected not found kind, got %d", fsErr.Kind())
	}
}

func TestProviderClosedRejectsClient(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{ProjectID: "test-project"})
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := provider.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}

func TestRunTransactionRejectsNilClient(t *testing.T) {
	err := RunTransaction(context.Background(), nil, nil)
	if err == nil {
		t.Fatalf("expected error for nil client")
	}
}
