package timeseries

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
)

func init() {
	Register("memory", newMemory)
}

// memoryDB keeps points in a slice guarded by a mutex and, if DBFile
// is configured, appends every insert to a CSV file so a restart can
// inspect recent history — the standalone-deployment analogue of the
// teacher's in-memory fake stores used for local runs.
type memoryDB struct {
	mu     sync.Mutex
	points []Point
	file   string
	writer *csv.Writer
	handle *os.File
}

func newMemory(cfg v1alpha1.Timeseries) (DB, error) {
	return &memoryDB{file: cfg.DBFile}, nil
}

func (m *memoryDB) Open(ctx context.Context) error {
	if m.file == "" {
		return nil
	}
	f, err := os.OpenFile(m.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	m.handle = f
	m.writer = csv.NewWriter(f)
	return nil
}

func (m *memoryDB) Close() error {
	if m.writer != nil {
		m.writer.Flush()
	}
	if m.handle != nil {
		return m.handle.Close()
	}
	return nil
}

func (m *memoryDB) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		m.writer.Flush()
		return m.writer.Error()
	}
	return nil
}

func (m *memoryDB) Insert(ctx context.Context, p Point) error {
	return m.InsertBatch(ctx, []Point{p})
}

func (m *memoryDB) InsertBatch(ctx context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points = append(m.points, points...)

	if m.writer != nil {
		for _, p := range points {
			record := []string{
				string(p.Measurement),
				p.Host,
				p.VM,
				p.ASG,
				p.Field,
				strconv.FormatFloat(p.Value, 'f', -1, 64),
				p.Time.UTC().Format(time.RFC3339Nano),
			}
			if err := m.writer.Write(record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *memoryDB) GetAll(ctx context.Context, measurement domain.Measurement, asg string, trailing time.Duration) ([]Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-trailing)
	out := make([]Point, 0, len(m.points))
	for _, p := range m.points {
		if p.Measurement != measurement {
			continue
		}
		if asg != "" && p.ASG != asg {
			continue
		}
		if p.Time.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memoryDB) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = nil
	return nil
}

func (m *memoryDB) RunRetentionPolicy(ctx context.Context, retain time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retain)
	kept := m.points[:0]
	for _, p := range m.points {
		if p.Time.After(cutoff) {
			kept = append(kept, p)
		}
	}
	m.points = kept
	return nil
}
