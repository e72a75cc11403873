// Package hypervisor abstracts differences between QEMU/KVM, ESX, and
// Xen behind a uniform read/write interface. One Connection instance
// is opened per host per concurrent user (the MetricsCollector and the
// AutoscalerDispatcher each hold their own).
package hypervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/premiscale/premiscale/pkg/cache"
	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/perrors"
)

// State is a Connection's lifecycle state.
type State int

const (
	StateNew State = iota
	StateOpening
	StateOpen
	StateClosed
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// NodeInfo is a subset of the hypervisor's node/host-level inventory.
type NodeInfo struct {
	Model      string
	MemoryKiB  uint64
	CPUs       int
	MHz        int
	Nodes      int
	Sockets    int
	Cores      int
	Threads    int
}

// NodeCPUStats/NodeMemoryStats are the host-wide aggregate counters
// getHostStats() reports alongside per-domain snapshots.
type NodeCPUStats struct {
	KernelNanoseconds uint64
	UserNanoseconds   uint64
	IdleNanoseconds   uint64
	IOWaitNanoseconds uint64
}

type NodeMemoryStats struct {
	TotalBytes uint64
	FreeBytes  uint64
	BufferBytes uint64
	CachedBytes uint64
}

// HostStats is the snapshot getHostStats() returns.
type HostStats struct {
	Hostname         string
	HypervisorKind   v1alpha1.HypervisorKind
	HypervisorVersion string
	URI              string
	Capabilities     string
	NodeInfo         NodeInfo
	MaxVCPUs         int
	FreeMemoryBytes  uint64
	NodeCPUStats     NodeCPUStats
	NodeMemoryStats  NodeMemoryStats
	Domains          []DomainSnapshot
}

// DomainSnapshot is the minimal per-domain entry in a HostStats
// snapshot list (full DomainStats are fetched separately, per domain,
// by getHostVMStats).
type DomainSnapshot struct {
	Name       string
	PowerState domain.PowerState
}

// ConnectError wraps a transport, authentication, or protocol failure
// from open().
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to host %s: %s", e.Host, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// Unavailable is returned by retried operations once the retry budget
// is exhausted, instead of propagating an error into the scheduler.
type Unavailable struct {
	Host   string
	Reason error
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("host %s unavailable: %s", e.Host, e.Reason)
}

// Connection is the uniform read/write surface every driver
// implements: kvm (libvirt), esx (govmomi), xen (SSH exec of xl/xm).
type Connection interface {
	// Open establishes the connection. readonly connections are used
	// by the MetricsCollector; read-write ones by the
	// AutoscalerDispatcher.
	Open(ctx context.Context, readonly bool) error
	Close() error
	State() State

	GetHostStats(ctx context.Context) (*HostStats, error)
	GetHostVMStats(ctx context.Context) ([]domain.DomainStats, error)

	// Write operations. Idempotent per §5: Create on an existing name
	// is an error; Delete on a missing name is success.
	CreateDomain(ctx context.Context, d domain.Domain) error
	CloneDomain(ctx context.Context, sourceName, destName string) error
	MigrateDomain(ctx context.Context, name, destHost string) error
	DeleteDomain(ctx context.Context, name string) error
}

// Constructor dispatches on the configured hypervisor kind and
// returns the matching driver, unopened. This is the tagged-union
// dispatch pattern the teacher's pkg/operator uses to pick an Azure
// vs. Arc instance provider by a string from the environment — here
// keyed off config instead.
type Constructor func(host v1alpha1.Host) (Connection, error)

var constructors = map[v1alpha1.HypervisorKind]Constructor{}

// Register lets a driver package (hypervisor/kvm, hypervisor/esx,
// hypervisor/xen) install itself without this package importing them
// directly, avoiding an import cycle and keeping cgo-linked drivers
// (libvirt) optional at the call site.
func Register(kind v1alpha1.HypervisorKind, ctor Constructor) {
	constructors[kind] = ctor
}

// New dispatches to the constructor registered for host.Hypervisor.
// An unregistered kind is a Config error.
func New(host v1alpha1.Host) (Connection, error) {
	ctor, ok := constructors[host.Hypervisor]
	if !ok {
		return nil, perrors.NewConfig("unknown hypervisor kind %q for host %s", host.Hypervisor, host.Name)
	}
	return ctor(host)
}

// RetryConnection wraps an operation against an open Connection,
// transparently reopening it before each attempt made while the
// connection is degraded, and
// giving up after n total attempts with an *Unavailable result rather
// than an error — the scheduler must never see a bare transport
// failure from a retried call.
func RetryConnection(ctx context.Context, conn Connection, host string, n uint, op func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			if conn.State() == StateDegraded {
				if reopenErr := conn.Open(ctx, false); reopenErr != nil {
					return perrors.WrapTransport(reopenErr, "reopening degraded connection")
				}
			}
			return op(ctx)
		},
		retry.Attempts(n),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &Unavailable{Host: host, Reason: err}
	}
	return nil
}

// MemoizedStats wraps statsToStateDB/statsToMetricsDB-shaped producer
// functions with the ~5s TTL dedupe the contract calls for, keyed by
// host name. It is safe for concurrent use by multiple collection
// workers sharing one Connection.
type MemoizedStats struct {
	mu    sync.Mutex
	cache *cache.TTL
	ttl   time.Duration
}

func NewMemoizedStats(ttl time.Duration) *MemoizedStats {
	if ttl <= 0 {
		ttl = cache.DefaultStatsTTL
	}
	return &MemoizedStats{cache: cache.New(ttl), ttl: ttl}
}

func (m *MemoizedStats) StateRows(host string, produce func() ([]StateRow, error)) ([]StateRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "state:" + host
	if v, ok := m.cache.Get(key); ok {
		return v.([]StateRow), nil
	}
	rows, err := produce()
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, rows, m.ttl)
	return rows, nil
}

func (m *MemoizedStats) MetricsRows(host string, produce func() ([]MetricsRow, error)) ([]MetricsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "metrics:" + host
	if v, ok := m.cache.Get(key); ok {
		return v.([]MetricsRow), nil
	}
	rows, err := produce()
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, rows, m.ttl)
	return rows, nil
}

// StateRow is one row statsToStateDB() produces, ready for the state
// adapter's host/vm update calls.
type StateRow struct {
	Host   string
	VM     string
	Domain domain.Domain
}

// MetricsRow is one row statsToMetricsDB() produces, ready for the
// time-series adapter's insert_batch call.
type MetricsRow struct {
	Measurement domain.Measurement
	Host        string
	VM          string
	Stats       domain.DomainStats
}
