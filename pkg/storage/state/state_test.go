package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/perrors"
)

func newTestDB(t *testing.T) DB {
	t.Helper()
	db, err := New(v1alpha1.State{Type: "sqlite", Connection: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.Open(ctx))
	require.NoError(t, db.Initialize(ctx))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPlaceholderListBuildsCommaSeparatedList(t *testing.T) {
	assert.Equal(t, "?, ?, ?", placeholderList(func(int) string { return "?" }, 3))
	assert.Equal(t, "?", placeholderList(func(int) string { return "?" }, 1))
}

func TestHostCreateThenGetHostRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := domain.Host{
		Name:       "h1",
		Address:    "10.0.0.2",
		Protocol:   v1alpha1.ProtocolSSH,
		Port:       22,
		Hypervisor: v1alpha1.HypervisorKVM,
		Resources:  v1alpha1.Resources{CPUCores: 4, MemoryBytes: 1024, StorageBytes: 2048},
		Timeout:    10 * time.Second,
	}
	require.NoError(t, db.HostCreate(ctx, h))

	exists, err := db.HostExists(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := db.GetHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, h.Address, got.Address)
	assert.Equal(t, h.Timeout, got.Timeout)
}

func TestGetHostMissingIsBackendError(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetHost(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, perrors.IsBackend(err))
}

func TestHostReportCreatesThenUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	h := domain.Host{Name: "h1", Address: "10.0.0.2", Protocol: v1alpha1.ProtocolSSH, Port: 22, Hypervisor: v1alpha1.HypervisorKVM}
	require.NoError(t, db.HostReport(ctx, []domain.Host{h}))

	h.Address = "10.0.0.3"
	require.NoError(t, db.HostReport(ctx, []domain.Host{h}))

	got, err := db.GetHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", got.Address)
}

func TestHostDeleteRemovesRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.HostCreate(ctx, domain.Host{Name: "h1", Protocol: v1alpha1.ProtocolSSH, Hypervisor: v1alpha1.HypervisorKVM}))
	require.NoError(t, db.HostDelete(ctx, "h1"))

	exists, err := db.HostExists(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVMCreateASGAddVMThenASGReport(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.VMCreate(ctx, domain.Domain{Host: "h1", Name: "vm1", PowerState: domain.PowerStateRunning}))
	require.NoError(t, db.ASGCreate(ctx, "g1"))
	require.NoError(t, db.ASGAddVM(ctx, "g1", "h1", "vm1"))

	members, err := db.GetASGVMs(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "vm1", members[0].Name)

	report, err := db.ASGReport(ctx)
	require.NoError(t, err)
	require.Contains(t, report, "g1")
	assert.Len(t, report["g1"], 1)
}

func TestASGRemoveVMClearsMembership(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.VMCreate(ctx, domain.Domain{Host: "h1", Name: "vm1"}))
	require.NoError(t, db.ASGCreate(ctx, "g1"))
	require.NoError(t, db.ASGAddVM(ctx, "g1", "h1", "vm1"))
	require.NoError(t, db.ASGRemoveVM(ctx, "g1", "h1", "vm1"))

	members, err := db.GetASGVMs(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestVMDeleteRemovesDomain(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.VMCreate(ctx, domain.Domain{Host: "h1", Name: "vm1"}))
	require.NoError(t, db.VMDelete(ctx, "h1", "vm1"))
	require.NoError(t, db.ASGCreate(ctx, "g1"))

	members, err := db.GetASGVMs(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestVMReportUpsertsExistingDomain(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.VMReport(ctx, []domain.Domain{
		{Host: "h1", Name: "vm1", PowerState: domain.PowerStateRunning, VCPUCount: 2},
	}))
	require.NoError(t, db.VMReport(ctx, []domain.Domain{
		{Host: "h1", Name: "vm1", PowerState: domain.PowerStateShutoff, VCPUCount: 4},
	}))

	require.NoError(t, db.ASGCreate(ctx, "g1"))
	require.NoError(t, db.ASGAddVM(ctx, "g1", "h1", "vm1"))

	members, err := db.GetASGVMs(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, domain.PowerStateShutoff, members[0].PowerState)
	assert.Equal(t, 4, members[0].VCPUCount)
}

func TestNewUnknownStateKindIsConfigError(t *testing.T) {
	_, err := New(v1alpha1.State{Type: "nonexistent"})
	assert.Error(t, err)
	assert.True(t, perrors.IsConfig(err))
}
