package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
)

func TestPageSizeFloorsAtOne(t *testing.T) {
	assert.Equal(t, 1, pageSize(v1alpha1.Databases{}))
}

func TestPageSizeUsesLargerOfThreadsAndQueueSize(t *testing.T) {
	assert.Equal(t, 4, pageSize(v1alpha1.Databases{MaxHostConnectionThreads: 4, HostConnectionQueueSize: 2}))
	assert.Equal(t, 6, pageSize(v1alpha1.Databases{MaxHostConnectionThreads: 2, HostConnectionQueueSize: 6}))
}

func TestHostChangedDetectsAddressDrift(t *testing.T) {
	current := domain.Host{Address: "10.0.0.1", Port: 22}
	declared := v1alpha1.Host{Address: "10.0.0.2", Port: 22}

	assert.True(t, hostChanged(current, declared))
}

func TestHostChangedFalseWhenIdentical(t *testing.T) {
	host := v1alpha1.Host{
		Address:    "10.0.0.1",
		Protocol:   v1alpha1.ProtocolSSH,
		Port:       22,
		Hypervisor: v1alpha1.HypervisorKVM,
		Resources:  v1alpha1.Resources{CPUCores: 4},
	}
	current := toDomainHost(host)

	assert.False(t, hostChanged(current, host))
}

func TestStatsToPointsOneCPUPointPerDomain(t *testing.T) {
	now := time.Now().UTC()
	stats := []domain.DomainStats{
		{Name: "vm1", CollectedAt: now, CPU: domain.CPUTime{TotalNanoseconds: 100}},
		{Name: "vm2", CollectedAt: now, CPU: domain.CPUTime{TotalNanoseconds: 200}},
	}

	points := statsToPoints("h1", stats, map[string]string{"vm1": "g1"})

	cpuPoints := 0
	for _, p := range points {
		if p.Measurement == domain.MeasurementCPU {
			cpuPoints++
			assert.Equal(t, "h1", p.Host)
			if p.VM == "vm1" {
				assert.Equal(t, "g1", p.ASG)
			} else {
				assert.Equal(t, "", p.ASG)
			}
		}
	}
	assert.Equal(t, 2, cpuPoints)
}

func TestStatsToPointsSkipsBalloonWhenNil(t *testing.T) {
	stats := []domain.DomainStats{{Name: "vm1", CollectedAt: time.Now().UTC()}}

	points := statsToPoints("h1", stats, nil)
	for _, p := range points {
		assert.NotEqual(t, domain.MeasurementMemory, p.Measurement)
	}
}

func TestStatsToPointsIncludesNetAndBlock(t *testing.T) {
	stats := []domain.DomainStats{
		{
			Name:        "vm1",
			CollectedAt: time.Now().UTC(),
			Net:         []domain.NetStat{{Name: "eth0", RxBytes: 10}},
			Block:       []domain.BlockStat{{Path: "/dev/vda", ReadRequests: 3}},
		},
	}

	points := statsToPoints("h1", stats, nil)

	var sawNet, sawBlock bool
	for _, p := range points {
		switch p.Measurement {
		case domain.MeasurementNet:
			sawNet = true
		case domain.MeasurementBlock:
			sawBlock = true
		}
	}
	assert.True(t, sawNet)
	assert.True(t, sawBlock)
}
