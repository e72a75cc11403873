// Package state defines the durable store of hosts, domains, and
// autoscaling-group membership — the system of record the reconciler
// reads to compute desired counts and the MetricsCollector refreshes
// every collection cycle. Two adapters are registered: sqlite for standalone
// deployments, mysql for shared/clustered ones.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/perrors"
)

// DB is the state store contract. Every method except Close takes a
// context so the caller (MetricsCollector, Reconciler) can
// bound how long a single cycle waits on storage.
type DB interface {
	Open(ctx context.Context) error
	Close() error
	Commit(ctx context.Context) error
	Initialize(ctx context.Context) error

	HostExists(ctx context.Context, name string) (bool, error)
	GetHost(ctx context.Context, name string) (domain.Host, error)
	HostCreate(ctx context.Context, h domain.Host) error
	HostUpdate(ctx context.Context, h domain.Host) error
	HostDelete(ctx context.Context, name string) error
	HostReport(ctx context.Context, rows []domain.Host) error

	VMCreate(ctx context.Context, d domain.Domain) error
	VMDelete(ctx context.Context, host, name string) error
	VMReport(ctx context.Context, rows []domain.Domain) error

	ASGCreate(ctx context.Context, name string) error
	ASGDelete(ctx context.Context, name string) error
	ASGAddVM(ctx context.Context, asg, host, vm string) error
	ASGRemoveVM(ctx context.Context, asg, host, vm string) error
	GetASGVMs(ctx context.Context, asg string) ([]domain.Domain, error)
	ASGReport(ctx context.Context) (map[string][]domain.Domain, error)
}

// Constructor dispatches on config.State.Type, the same kind-keyed
// registration pattern hypervisor drivers use.
type Constructor func(cfg v1alpha1.State) (DB, error)

var constructors = map[string]Constructor{}

func Register(kind string, ctor Constructor) {
	constructors[kind] = ctor
}

func New(cfg v1alpha1.State) (DB, error) {
	ctor, ok := constructors[cfg.Type]
	if !ok {
		return nil, perrors.NewConfig("unknown state store type %q", cfg.Type)
	}
	return ctor(cfg)
}

// sqlDB is the shared implementation both the sqlite and mysql
// adapters drive through database/sql; only the driver name, DSN, and
// placeholder style differ between them.
type sqlDB struct {
	driverName string
	dsn        string
	db         *sql.DB
	placeholder func(n int) string
}

func (s *sqlDB) Open(ctx context.Context) error {
	db, err := sql.Open(s.driverName, s.dsn)
	if err != nil {
		return perrors.WrapBackend(err, "opening state store")
	}
	if err := db.PingContext(ctx); err != nil {
		return perrors.WrapBackend(err, "pinging state store")
	}
	s.db = db
	return nil
}

func (s *sqlDB) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Commit is a no-op: every method below runs in autocommit mode
// against database/sql's connection pool, consistent with the
// teacher's stateless, per-call reconciliation style. It exists on the
// interface so a future transactional adapter (or a batched report)
// can group writes without changing callers.
func (s *sqlDB) Commit(ctx context.Context) error {
	return nil
}

func (s *sqlDB) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			name TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			protocol TEXT NOT NULL,
			port INTEGER NOT NULL,
			hypervisor TEXT NOT NULL,
			cpu_cores INTEGER,
			memory_bytes BIGINT,
			storage_bytes BIGINT,
			timeout_seconds INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			host TEXT NOT NULL,
			name TEXT NOT NULL,
			asg TEXT,
			power_state TEXT,
			vcpu_count INTEGER,
			memory_bytes BIGINT,
			image TEXT,
			PRIMARY KEY (host, name)
		)`,
		`CREATE TABLE IF NOT EXISTS asgs (
			name TEXT PRIMARY KEY
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return perrors.WrapBackend(err, "initializing state store schema")
		}
	}
	return nil
}

func (s *sqlDB) HostExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(1) FROM hosts WHERE name = %s", s.placeholder(1)), name).Scan(&count)
	if err != nil {
		return false, perrors.WrapBackend(err, "checking host existence")
	}
	return count > 0, nil
}

func (s *sqlDB) GetHost(ctx context.Context, name string) (domain.Host, error) {
	var h domain.Host
	var timeoutSeconds int64
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT name, address, protocol, port, hypervisor, cpu_cores, memory_bytes, storage_bytes, timeout_seconds FROM hosts WHERE name = %s", s.placeholder(1)),
		name,
	)
	if err := row.Scan(&h.Name, &h.Address, &h.Protocol, &h.Port, &h.Hypervisor, &h.Resources.CPUCores, &h.Resources.MemoryBytes, &h.Resources.StorageBytes, &timeoutSeconds); err != nil {
		if err == sql.ErrNoRows {
			return domain.Host{}, perrors.NewBackend("host %q not found", name)
		}
		return domain.Host{}, perrors.WrapBackend(err, "reading host")
	}
	h.Timeout = time.Duration(timeoutSeconds) * time.Second
	return h, nil
}

func (s *sqlDB) HostCreate(ctx context.Context, h domain.Host) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO hosts (name, address, protocol, port, hypervisor, cpu_cores, memory_bytes, storage_bytes, timeout_seconds) VALUES (%s)", placeholderList(s.placeholder, 9)),
		h.Name, h.Address, h.Protocol, h.Port, h.Hypervisor, h.Resources.CPUCores, h.Resources.MemoryBytes, h.Resources.StorageBytes, int64(h.Timeout.Seconds()),
	)
	if err != nil {
		return perrors.WrapBackend(err, "creating host")
	}
	return nil
}

func (s *sqlDB) HostUpdate(ctx context.Context, h domain.Host) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE hosts SET address=%s, protocol=%s, port=%s, hypervisor=%s, cpu_cores=%s, memory_bytes=%s, storage_bytes=%s, timeout_seconds=%s WHERE name=%s",
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9)),
		h.Address, h.Protocol, h.Port, h.Hypervisor, h.Resources.CPUCores, h.Resources.MemoryBytes, h.Resources.StorageBytes, int64(h.Timeout.Seconds()), h.Name,
	)
	if err != nil {
		return perrors.WrapBackend(err, "updating host")
	}
	return nil
}

func (s *sqlDB) HostDelete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM hosts WHERE name = %s", s.placeholder(1)), name)
	if err != nil {
		return perrors.WrapBackend(err, "deleting host")
	}
	return nil
}

// HostReport upserts a full host inventory snapshot: hosts that exist
// are updated, the rest are created.
func (s *sqlDB) HostReport(ctx context.Context, rows []domain.Host) error {
	for _, h := range rows {
		exists, err := s.HostExists(ctx, h.Name)
		if err != nil {
			return err
		}
		if exists {
			if err := s.HostUpdate(ctx, h); err != nil {
				return err
			}
		} else if err := s.HostCreate(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlDB) VMCreate(ctx context.Context, d domain.Domain) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO domains (host, name, asg, power_state, vcpu_count, memory_bytes, image) VALUES (%s)", placeholderList(s.placeholder, 7)),
		d.Host, d.Name, d.ASG, d.PowerState, d.VCPUCount, d.MemoryBytes, d.Image,
	)
	if err != nil {
		return perrors.WrapBackend(err, "creating domain")
	}
	return nil
}

func (s *sqlDB) VMDelete(ctx context.Context, host, name string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM domains WHERE host=%s AND name=%s", s.placeholder(1), s.placeholder(2)),
		host, name,
	)
	if err != nil {
		return perrors.WrapBackend(err, "deleting domain")
	}
	return nil
}

// VMReport upserts one cycle's observed domains into the domains
// table. Rows for domains that are no longer reported are left in
// place; it deletes nothing. The upsert clause below is SQLite dialect; see
// DESIGN.md for the mysql caveat.
func (s *sqlDB) VMReport(ctx context.Context, rows []domain.Domain) error {
	seen := make(map[string]bool, len(rows))
	for _, d := range rows {
		seen[d.Host+"/"+d.Name] = true
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO domains (host, name, asg, power_state, vcpu_count, memory_bytes, image)
				VALUES (%s)
				ON CONFLICT(host, name) DO UPDATE SET power_state=excluded.power_state, vcpu_count=excluded.vcpu_count, memory_bytes=excluded.memory_bytes`,
				placeholderList(s.placeholder, 7)),
			d.Host, d.Name, d.ASG, d.PowerState, d.VCPUCount, d.MemoryBytes, d.Image,
		)
		if err != nil {
			return perrors.WrapBackend(err, "reporting domain")
		}
	}
	return nil
}

func (s *sqlDB) ASGCreate(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO asgs (name) VALUES (%s)", s.placeholder(1)), name)
	if err != nil {
		return perrors.WrapBackend(err, "creating autoscaling group")
	}
	return nil
}

func (s *sqlDB) ASGDelete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM asgs WHERE name = %s", s.placeholder(1)), name)
	if err != nil {
		return perrors.WrapBackend(err, "deleting autoscaling group")
	}
	return nil
}

func (s *sqlDB) ASGAddVM(ctx context.Context, asg, host, vm string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE domains SET asg=%s WHERE host=%s AND name=%s", s.placeholder(1), s.placeholder(2), s.placeholder(3)),
		asg, host, vm,
	)
	if err != nil {
		return perrors.WrapBackend(err, "adding domain to autoscaling group")
	}
	return nil
}

func (s *sqlDB) ASGRemoveVM(ctx context.Context, asg, host, vm string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE domains SET asg=NULL WHERE host=%s AND name=%s AND asg=%s", s.placeholder(1), s.placeholder(2), s.placeholder(3)),
		host, vm, asg,
	)
	if err != nil {
		return perrors.WrapBackend(err, "removing domain from autoscaling group")
	}
	return nil
}

func (s *sqlDB) GetASGVMs(ctx context.Context, asg string) ([]domain.Domain, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT host, name, asg, power_state, vcpu_count, memory_bytes, image FROM domains WHERE asg = %s", s.placeholder(1)),
		asg,
	)
	if err != nil {
		return nil, perrors.WrapBackend(err, "listing autoscaling group members")
	}
	defer rows.Close()
	return scanDomains(rows)
}

func (s *sqlDB) ASGReport(ctx context.Context) (map[string][]domain.Domain, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT host, name, asg, power_state, vcpu_count, memory_bytes, image FROM domains WHERE asg IS NOT NULL AND asg != ''")
	if err != nil {
		return nil, perrors.WrapBackend(err, "reporting autoscaling groups")
	}
	defer rows.Close()

	domains, err := scanDomains(rows)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]domain.Domain)
	for _, d := range domains {
		out[d.ASG] = append(out[d.ASG], d)
	}
	return out, nil
}

func scanDomains(rows *sql.Rows) ([]domain.Domain, error) {
	var out []domain.Domain
	for rows.Next() {
		var d domain.Domain
		var asg sql.NullString
		if err := rows.Scan(&d.Host, &d.Name, &asg, &d.PowerState, &d.VCPUCount, &d.MemoryBytes, &d.Image); err != nil {
			return nil, perrors.WrapBackend(err, "scanning domain row")
		}
		d.ASG = asg.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func placeholderList(placeholder func(int) string, n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += placeholder(i)
	}
	return out
}
