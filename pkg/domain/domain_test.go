package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDerivesCounts(t *testing.T) {
	s := DomainStats{
		Net:   []NetStat{{Name: "eth0"}, {Name: "eth1"}},
		Block: []BlockStat{{Path: "/dev/vda"}},
	}
	s.Normalize()

	assert.Equal(t, 2, s.NetCount)
	assert.Equal(t, 1, s.BlockCount)
	assert.False(t, s.CollectedAt.IsZero())
	assert.Equal(t, time.UTC, s.CollectedAt.Location())
}

func TestNormalizeFlagsVCPUInvariantBreach(t *testing.T) {
	s := DomainStats{VCPUCurrent: 8, VCPUMaximum: 4}
	s.Normalize()

	assert.Equal(t, ReasonVCPUExceedsMaximum, s.Reason)
}

func TestNormalizeKeepsBreachedSample(t *testing.T) {
	s := DomainStats{Name: "vm1", VCPUCurrent: 8, VCPUMaximum: 4}
	s.Normalize()

	// The sample is flagged, not discarded: its identifying fields
	// survive Normalize untouched.
	assert.Equal(t, "vm1", s.Name)
}

func TestNormalizeNoBreachWhenWithinBounds(t *testing.T) {
	s := DomainStats{VCPUCurrent: 2, VCPUMaximum: 4}
	s.Normalize()

	assert.Equal(t, ReasonNone, s.Reason)
}

func TestNormalizePreservesExplicitCollectedAt(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("EST", -5*3600))
	s := DomainStats{CollectedAt: ts}
	s.Normalize()

	assert.Equal(t, ts.UTC(), s.CollectedAt)
}
