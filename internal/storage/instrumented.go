package storage

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce       sync.Once
	storageOperations metric.Int64Counter
	storageDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/herdlock/herdlock/internal/storage")

		var err error
		storageOperations, err = meter.Int64Counter(
			"storage.operations",
			metric.WithDescription("Total token storage operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		storageDuration, err = meter.Float64Histogram(
			"storage.operation.duration",
			metric.WithDescription("Token storage operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Backend with metrics instrumentation.
type Instrumented struct {
	wrapped     Backend
	backendType string
}

// NewInstrumented creates an instrumented backend wrapper.
func NewInstrumented(backend Backend, backendType string) *Instrumented {
	initMetrics()
	return &Instrumented{
		wrapped:     backend,
		backendType: backendType,
	}
}

func (i *Instrumented) Store(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	start := time.Now()
	err := i.wrapped.Store(ctx, key, rec, ttl)
	i.record(ctx, "store", successStatus(err), time.Since(start))
	return err
}

func (i *Instrumented) Retrieve(ctx context.Context, key string) (Record, bool, error) {
	start := time.Now()
	rec, found, err := i.wrapped.Retrieve(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "retrieve", status, time.Since(start))

	return rec, found, err
}

func (i *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	found, err := i.wrapped.Exists(ctx, key)
	i.record(ctx, "exists", successStatus(err), time.Since(start))
	return found, err
}

func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.Delete(ctx, key)
	i.record(ctx, "delete", successStatus(err), time.Since(start))
	return err
}

func (i *Instrumented) ClearAll(ctx context.Context) error {
	start := time.Now()
	err := i.wrapped.ClearAll(ctx)
	i.record(ctx, "clear", successStatus(err), time.Since(start))
	return err
}

func (i *Instrumented) Healthy(ctx context.Context) bool {
	return i.wrapped.Healthy(ctx)
}

func (i *Instrumented) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	acquired, err := i.wrapped.AcquireLock(ctx, key, ttl)

	status := "contended"
	if err != nil {
		status = "error"
	} else if acquired {
		status = "acquired"
	}
	i.record(ctx, "lock", status, time.Since(start))

	return acquired, err
}

func (i *Instrumented) ReleaseLock(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.ReleaseLock(ctx, key)
	i.record(ctx, "unlock", successStatus(err), time.Since(start))
	return err
}

func (i *Instrumented) Close() error {
	return i.wrapped.Close()
}

func (i *Instrumented) record(ctx context.Context, operation, status string, duration time.Duration) {
	if storageOperations != nil {
		storageOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("storage.type", i.backendType),
				attribute.String("storage.operation", operation),
				attribute.String("storage.status", status),
			),
		)
	}
	if storageDuration != nil {
		storageDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("storage.type", i.backendType),
				attribute.String("storage.operation", operation),
			),
		)
	}
}

func successStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
