package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/tillpoint/pos/internal/platform/firestore"
	"github.com/tillpoint/pos/internal/repositories"
)

// toStoreError converts Firestore failures into repository store errors.
func toStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *repositories.StoreError
	if errors.As(err, &storeErr) {
		return storeErr.WithOp(op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	wrapped := pfirestore.WrapError(op, err)
	if errors.Is(wrapped, context.Canceled) || errors.Is(wrapped, context.DeadlineExceeded) {
		return wrapped
	}

	code := repositories.StoreErrorUnknown
	switch pfirestore.KindOf(wrapped) {
	case pfirestore.KindNotFound:
		code = repositories.StoreErrorNotFound
	case pfirestore.KindConflict:
		code = repositories.StoreErrorConflict
	case pfirestore.KindContention:
		code = repositories.StoreErrorLockTimeout
	case pfirestore.KindUnavailable:
		code = repositories.StoreErrorUnavailable
	}
	return repositories.NewStoreError(code, wrapped.Error(), wrapped).WithOp(op)
}
