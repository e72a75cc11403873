// Package timeseries defines the time-series store the
// MetricsCollector batches normalized DomainStats samples into and the
// Reconciler reads trailing utilization windows from. Two adapters are
// registered: memory/CSV for standalone/dev deployments, influxdb for
// production.
package timeseries

import (
	"context"
	"time"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/perrors"
)

// Point is one sample written to the store: a Measurement kind tagged
// by host/vm/asg with a single numeric field and a timestamp.
type Point struct {
	Measurement domain.Measurement
	Host        string
	VM          string
	ASG         string
	Field       string
	Value       float64
	Time        time.Time
}

// DB is the time-series store contract.
type DB interface {
	Open(ctx context.Context) error
	Close() error
	Commit(ctx context.Context) error

	Insert(ctx context.Context, p Point) error
	InsertBatch(ctx context.Context, points []Point) error

	// GetAll returns every point for a measurement/ASG within the
	// trailing window ending now, the query the reconciler uses to
	// compute aggregate utilization.
	GetAll(ctx context.Context, measurement domain.Measurement, asg string, trailing time.Duration) ([]Point, error)

	Clear(ctx context.Context) error

	// RunRetentionPolicy drops points older than retain. No component
	// in this module calls it on a schedule; points are kept until
	// this or Clear removes them.
	RunRetentionPolicy(ctx context.Context, retain time.Duration) error
}

type Constructor func(cfg v1alpha1.Timeseries) (DB, error)

var constructors = map[string]Constructor{}

func Register(kind string, ctor Constructor) {
	constructors[kind] = ctor
}

func New(cfg v1alpha1.Timeseries) (DB, error) {
	ctor, ok := constructors[cfg.Type]
	if !ok {
		return nil, perrors.NewConfig("unknown timeseries store type %q", cfg.Type)
	}
	return ctor(cfg)
}
