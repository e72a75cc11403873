// Package domain holds the data model shared across the control
// plane: hosts, domains (VMs), autoscaling groups, and the normalized
// per-VM stats sample the MetricsCollector produces every cycle.
package domain

import (
	"time"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
)

// Host mirrors the subset of config.Host the state DB persists plus
// the fields the state DB itself derives (never set from config).
type Host struct {
	Name       string
	Address    string
	Protocol   v1alpha1.Protocol
	Port       int
	Hypervisor v1alpha1.HypervisorKind
	Resources  v1alpha1.Resources
	Timeout    time.Duration
}

// PowerState is the observed run state of a Domain.
type PowerState string

const (
	PowerStateRunning PowerState = "running"
	PowerStatePaused  PowerState = "paused"
	PowerStateShutoff PowerState = "shutoff"
	PowerStateUnknown PowerState = "unknown"
)

// BlockDevice is one virtual disk attached to a Domain.
type BlockDevice struct {
	Path     string
	SizeBytes int64
}

// NIC is one virtual network interface attached to a Domain.
type NIC struct {
	Name       string
	BridgeName string
}

// Domain is one virtual machine on one host. Its (Host, Name) pair is
// its identity; attributes below are mutated only by the hypervisor
// driver acting on behalf of an Action and are refreshed every
// collection cycle.
type Domain struct {
	Host  string
	Name  string

	PowerState  PowerState
	VCPUCount   int
	MemoryBytes int64

	Blocks []BlockDevice
	NICs   []NIC

	// ASG is the autoscaling group this domain belongs to, or empty if
	// unmanaged.
	ASG string

	Image      string
	CloudInit  string
}

// VCPUStat is one entry in a DomainStats vCPU array.
type VCPUStat struct {
	State string
	TimeNanoseconds  uint64
	WaitNanoseconds  uint64
	DelayNanoseconds uint64
}

// BalloonStats are optional memory-balloon counters; a zero value
// means "not reported by this hypervisor", not "zero usage" — callers
// must check Balloon != nil before reading.
type BalloonStats struct {
	CurrentBytes int64
	MaximumBytes int64
	SwapInBytes  int64
	SwapOutBytes int64
}

// NetStat is one per-NIC counter set.
type NetStat struct {
	Name        string
	RxBytes     uint64
	TxBytes     uint64
	RxPackets   uint64
	TxPackets   uint64
	RxErrors    uint64
	TxErrors    uint64
	RxDropped   uint64
	TxDropped   uint64
}

// BlockStat is one per-block-device counter set.
type BlockStat struct {
	Path           string
	ReadRequests   uint64
	WriteRequests  uint64
	FlushRequests  uint64
	AllocationBytes int64
	CapacityBytes   int64
	PhysicalBytes   int64
}

// CPUTime is the cumulative CPU time breakdown libvirt-shaped drivers
// report, in nanoseconds.
type CPUTime struct {
	TotalNanoseconds  uint64
	UserNanoseconds   uint64
	SystemNanoseconds uint64
}

// StatsReasonFlag records a sample that violated an invariant (for
// instance vcpu_current > vcpu_maximum) without discarding it —
// invariant breaches are surfaced, not silently dropped, per the data
// model invariants.
type StatsReasonFlag string

const (
	ReasonNone                    StatsReasonFlag = ""
	ReasonVCPUExceedsMaximum      StatsReasonFlag = "vcpu_current_exceeds_maximum"
)

// DomainStats is one normalized per-VM sample. Net/BlockCount are
// derived at record time from len(Net)/len(Block).
type DomainStats struct {
	Host string
	Name string

	State  PowerState
	Reason StatsReasonFlag

	CPU CPUTime

	VCPUCurrent int
	VCPUMaximum int
	VCPUs       []VCPUStat

	Balloon *BalloonStats

	Net   []NetStat
	Block []BlockStat

	NetCount   int
	BlockCount int

	CollectedAt time.Time // UTC
}

// Normalize fills in the derived-at-record-time fields and flags an
// invariant breach rather than rejecting the sample.
func (s *DomainStats) Normalize() {
	s.NetCount = len(s.Net)
	s.BlockCount = len(s.Block)
	if s.CollectedAt.IsZero() {
		s.CollectedAt = time.Now().UTC()
	} else {
		s.CollectedAt = s.CollectedAt.UTC()
	}
	if s.VCPUMaximum > 0 && s.VCPUCurrent > s.VCPUMaximum {
		s.Reason = ReasonVCPUExceedsMaximum
	}
}

// Measurement names the four time-series measurement kinds the
// timeseries store accepts.
type Measurement string

const (
	MeasurementCPU    Measurement = "cpu"
	MeasurementMemory Measurement = "memory"
	MeasurementNet    Measurement = "net"
	MeasurementBlock  Measurement = "block"
)
