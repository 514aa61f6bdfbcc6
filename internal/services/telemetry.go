package services

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tillpoint/pos/internal/services"

var tracer = otel.Tracer(instrumentationName)

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type serviceLogger func(ctx context.Context, event string, fields map[string]any)

// reportInstrumentError logs an instrument the meter refused. Recording on it
// is skipped afterwards.
func reportInstrumentError(logger serviceLogger, name string, err error) {
	if logger == nil {
		return
	}
	logger(context.Background(), "metric_registration_failed", map[string]any{
		"instrument": name,
		"error":      err.Error(),
	})
}

type checkoutMetrics struct {
	commits  metric.Int64Counter
	rejected metric.Int64Counter
	revenue  metric.Float64Counter
}

func newCheckoutMetrics(meter metric.Meter, logger serviceLogger) checkoutMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	var m checkoutMetrics
	var err error
	if m.commits, err = meter.Int64Counter("pos.checkout.commits", metric.WithDescription("Committed sales")); err != nil {
		m.commits = nil
		reportInstrumentError(logger, "pos.checkout.commits", err)
	}
	if m.rejected, err = meter.Int64Counter("pos.checkout.rejected", metric.WithDescription("Checkout attempts rejected, by reason")); err != nil {
		m.rejected = nil
		reportInstrumentError(logger, "pos.checkout.rejected", err)
	}
	if m.revenue, err = meter.Float64Counter("pos.checkout.revenue", metric.WithDescription("Committed sale totals in store currency")); err != nil {
		m.revenue = nil
		reportInstrumentError(logger, "pos.checkout.revenue", err)
	}
	return m
}

func (m checkoutMetrics) recordCommit(ctx context.Context, paymentType string, total float64) {
	attrs := metric.WithAttributes(attribute.String("payment_type", paymentType))
	if m.commits != nil {
		m.commits.Add(ctx, 1, attrs)
	}
	if m.revenue != nil {
		m.revenue.Add(ctx, total, attrs)
	}
}

func (m checkoutMetrics) recordRejected(ctx context.Context, reason string) {
	if m.rejected != nil {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

type ledgerMetrics struct {
	adjustments metric.Int64Counter
}

func newLedgerMetrics(meter metric.Meter, logger serviceLogger) ledgerMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	var m ledgerMetrics
	var err error
	if m.adjustments, err = meter.Int64Counter("pos.stock.adjustments", metric.WithDescription("Manual stock adjustments, by direction and reason")); err != nil {
		m.adjustments = nil
		reportInstrumentError(logger, "pos.stock.adjustments", err)
	}
	return m
}

func (m ledgerMetrics) record(ctx context.Context, direction, reason string) {
	if m.adjustments != nil {
		m.adjustments.Add(ctx, 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		))
	}
}

// monotonicIDs returns a generator of strictly increasing ULIDs.
func monotonicIDs() func() string {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}
