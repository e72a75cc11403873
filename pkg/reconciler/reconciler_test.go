package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/premiscale/premiscale/pkg/action"
	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
)

func TestScalingDeltaScalesUpOverTarget(t *testing.T) {
	utilization := map[v1alpha1.ResourceKind]float64{v1alpha1.ResourceCPU: 0.9}
	targets := map[v1alpha1.ResourceKind]float64{v1alpha1.ResourceCPU: 0.6}

	delta := scalingDelta(utilization, targets, 2)
	assert.Equal(t, 2, delta)
}

func TestScalingDeltaScalesDownWellUnderTarget(t *testing.T) {
	utilization := map[v1alpha1.ResourceKind]float64{v1alpha1.ResourceCPU: 0.1}
	targets := map[v1alpha1.ResourceKind]float64{v1alpha1.ResourceCPU: 0.6}

	delta := scalingDelta(utilization, targets, 2)
	assert.Equal(t, -2, delta)
}

func TestScalingDeltaNoPressureNearTarget(t *testing.T) {
	utilization := map[v1alpha1.ResourceKind]float64{v1alpha1.ResourceCPU: 0.55}
	targets := map[v1alpha1.ResourceKind]float64{v1alpha1.ResourceCPU: 0.6}

	delta := scalingDelta(utilization, targets, 2)
	assert.Equal(t, 0, delta)
}

func TestScalingDeltaUsesWorstResourceKind(t *testing.T) {
	utilization := map[v1alpha1.ResourceKind]float64{
		v1alpha1.ResourceCPU:    0.3,
		v1alpha1.ResourceMemory: 0.95,
	}
	targets := map[v1alpha1.ResourceKind]float64{
		v1alpha1.ResourceCPU:    0.6,
		v1alpha1.ResourceMemory: 0.6,
	}

	delta := scalingDelta(utilization, targets, 1)
	assert.Equal(t, 1, delta)
}

func TestClampBoundsWithinRange(t *testing.T) {
	assert.Equal(t, 5, clamp(5, 1, 10))
	assert.Equal(t, 10, clamp(15, 1, 10))
	assert.Equal(t, 1, clamp(-3, 1, 10))
}

func TestReplacementActionsNoChangeIsNull(t *testing.T) {
	asg := v1alpha1.AutoscalingGroup{DomainName: "g1-vm", Hosts: []string{"h1"}}
	members := []domain.Domain{{Name: "vm1", Host: "h1"}}

	actions := replacementActions("g1", asg, members, 1)
	assert.Equal(t, []action.Action{action.NewNull()}, actions)
}

func TestReplacementActionsScaleUpEmitsSingleCreate(t *testing.T) {
	asg := v1alpha1.AutoscalingGroup{DomainName: "g1-vm", Hosts: []string{"h1"}}
	members := []domain.Domain{{Name: "vm1", Host: "h1"}}

	actions := replacementActions("g1", asg, members, 3)
	assert.Len(t, actions, 1)
	assert.Equal(t, action.Create, actions[0].Kind)
	assert.Equal(t, 2, actions[0].Modifier)
}

func TestReplacementActionsScaleUpBoundedByMaxSurge(t *testing.T) {
	asg := v1alpha1.AutoscalingGroup{
		DomainName:  "g1-vm",
		Hosts:       []string{"h1"},
		Replacement: v1alpha1.Replacement{MaxSurge: 1},
	}
	members := []domain.Domain{{Name: "vm1", Host: "h1"}}

	actions := replacementActions("g1", asg, members, 5)
	assert.Len(t, actions, 1)
	assert.Equal(t, 1, actions[0].Modifier)
}

func TestReplacementActionsScaleDownEmitsDeletesPerVictim(t *testing.T) {
	asg := v1alpha1.AutoscalingGroup{DomainName: "g1-vm", Hosts: []string{"h1"}}
	members := []domain.Domain{
		{Name: "vm1", Host: "h1"},
		{Name: "vm2", Host: "h1"},
		{Name: "vm3", Host: "h1"},
	}

	actions := replacementActions("g1", asg, members, 1)
	assert.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, action.Delete, a.Kind)
	}
}

func TestReplacementActionsScaleDownBoundedByMaxUnavailable(t *testing.T) {
	asg := v1alpha1.AutoscalingGroup{
		DomainName:  "g1-vm",
		Hosts:       []string{"h1"},
		Replacement: v1alpha1.Replacement{MaxUnavailable: 1},
	}
	members := []domain.Domain{
		{Name: "vm1", Host: "h1"},
		{Name: "vm2", Host: "h1"},
		{Name: "vm3", Host: "h1"},
	}

	actions := replacementActions("g1", asg, members, 0)
	assert.Len(t, actions, 1)
}

// TestDispatchSendsOneActionPerVictimVM guards against the bug where a
// multi-VM Delete list was folded across all of them at once: distinct
// target VMs must never be combined into (or collapse down to) one
// Action, and every victim gets its own Delete on the queue.
func TestDispatchSendsOneActionPerVictimVM(t *testing.T) {
	out := make(chan action.Action, 4)
	r := New(zap.NewNop().Sugar(), v1alpha1.Reconciliation{}, nil, nil, nil, out)

	actions := []action.Action{
		action.NewDelete("g1", "vm1", "h1"),
		action.NewDelete("g1", "vm2", "h1"),
		action.NewDelete("g1", "vm3", "h1"),
	}

	sent, err := r.dispatch(context.Background(), actions)
	require.NoError(t, err)
	assert.True(t, sent)

	close(out)
	var got []action.Action
	for a := range out {
		got = append(got, a)
	}

	require.Len(t, got, 3)
	seen := make(map[string]bool, 3)
	for _, a := range got {
		assert.Equal(t, action.Delete, a.Kind)
		seen[a.VM] = true
	}
	assert.Len(t, seen, 3, "every victim VM must appear exactly once")
}

// TestDispatchFoldsCandidatesForTheSameVM verifies Fold/Combine is
// still applied when candidates genuinely target the same VM (e.g. two
// Creates from a cooldown-straddling evaluation), collapsing them into
// a single Action rather than sending both.
func TestDispatchFoldsCandidatesForTheSameVM(t *testing.T) {
	out := make(chan action.Action, 4)
	r := New(zap.NewNop().Sugar(), v1alpha1.Reconciliation{}, nil, nil, nil, out)

	actions := []action.Action{
		action.NewCreate("g1", "g1-vm", "h1", 1),
		action.NewCreate("g1", "g1-vm", "h2", 2),
	}

	sent, err := r.dispatch(context.Background(), actions)
	require.NoError(t, err)
	assert.True(t, sent)

	var got action.Action
	select {
	case got = <-out:
	default:
		t.Fatal("expected one folded Action on the queue")
	}
	assert.Equal(t, action.Create, got.Kind)
	assert.Equal(t, 3, got.Modifier)

	select {
	case <-out:
		t.Fatal("expected exactly one Action on the queue")
	default:
	}
}

// TestDispatchNullActionDoesNotResetCooldown confirms a Null candidate
// is still forwarded (so downstream consumers see a heartbeat) without
// being treated as a real action for cooldown-tracking purposes.
func TestDispatchNullActionDoesNotResetCooldown(t *testing.T) {
	out := make(chan action.Action, 1)
	r := New(zap.NewNop().Sugar(), v1alpha1.Reconciliation{}, nil, nil, nil, out)

	sent, err := r.dispatch(context.Background(), []action.Action{action.NewNull()})
	require.NoError(t, err)
	assert.False(t, sent)

	got := <-out
	assert.Equal(t, action.Null, got.Kind)
}
