package timeseries

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/perrors"
)

func init() {
	Register("influxdb", newInfluxDB)
}

const bucket = "premiscale"

type influxDB struct {
	cfg     v1alpha1.Timeseries
	client  influxdb2.Client
	org     string
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
}

func newInfluxDB(cfg v1alpha1.Timeseries) (DB, error) {
	if cfg.Connection == "" {
		return nil, perrors.NewConfig("influxdb timeseries store requires a connection URL")
	}
	return &influxDB{cfg: cfg}, nil
}

func (i *influxDB) Open(ctx context.Context) error {
	i.client = influxdb2.NewClient(i.cfg.Connection, "")
	i.org = "premiscale"
	i.writeAPI = i.client.WriteAPIBlocking(i.org, bucket)
	i.queryAPI = i.client.QueryAPI(i.org)

	ok, err := i.client.Ping(ctx)
	if err != nil || !ok {
		return perrors.WrapBackend(err, "pinging influxdb")
	}
	return nil
}

func (i *influxDB) Close() error {
	i.client.Close()
	return nil
}

func (i *influxDB) Commit(ctx context.Context) error {
	return nil
}

func (i *influxDB) Insert(ctx context.Context, p Point) error {
	return i.InsertBatch(ctx, []Point{p})
}

func (i *influxDB) InsertBatch(ctx context.Context, points []Point) error {
	for _, p := range points {
		pt := influxdb2.NewPoint(
			string(p.Measurement),
			map[string]string{"host": p.Host, "vm": p.VM, "asg": p.ASG},
			map[string]interface{}{p.Field: p.Value},
			p.Time,
		)
		if err := i.writeAPI.WritePoint(ctx, pt); err != nil {
			return perrors.WrapBackend(err, "writing influxdb point")
		}
	}
	return nil
}

func (i *influxDB) GetAll(ctx context.Context, measurement domain.Measurement, asg string, trailing time.Duration) ([]Point, error) {
	filter := ""
	if asg != "" {
		filter = fmt.Sprintf(` and r.asg == "%s"`, asg)
	}
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%ds)
		|> filter(fn: (r) => r._measurement == "%s"%s)
	`, bucket, int64(trailing.Seconds()), measurement, filter)

	result, err := i.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, perrors.WrapBackend(err, "querying influxdb")
	}
	defer result.Close()

	var out []Point
	for result.Next() {
		rec := result.Record()
		value, _ := rec.Value().(float64)
		out = append(out, Point{
			Measurement: measurement,
			Host:        fmt.Sprintf("%v", rec.ValueByKey("host")),
			VM:          fmt.Sprintf("%v", rec.ValueByKey("vm")),
			ASG:         fmt.Sprintf("%v", rec.ValueByKey("asg")),
			Field:       rec.Field(),
			Value:       value,
			Time:        rec.Time(),
		})
	}
	if result.Err() != nil {
		return nil, perrors.WrapBackend(result.Err(), "reading influxdb result")
	}
	return out, nil
}

func (i *influxDB) Clear(ctx context.Context) error {
	return i.client.DeleteAPI().DeleteWithName(ctx, i.org, bucket, time.Unix(0, 0), time.Now(), "")
}

func (i *influxDB) RunRetentionPolicy(ctx context.Context, retain time.Duration) error {
	return i.client.DeleteAPI().DeleteWithName(ctx, i.org, bucket, time.Unix(0, 0), time.Now().Add(-retain), "")
}
