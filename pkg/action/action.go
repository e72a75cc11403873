// Package action defines the tagged-union unit of work the Reconciler
// emits and the AutoscalerDispatcher executes, along with the
// associative Combine operation that lets a cycle's candidate actions
// fold into a minimal sequence regardless of evaluation order.
package action

import (
	"fmt"

	"github.com/premiscale/premiscale/pkg/perrors"
)

// Kind tags which variant an Action carries.
type Kind int

const (
	Null Kind = iota
	Create
	Clone
	Migrate
	Replace
	Delete
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "Null"
	case Create:
		return "Create"
	case Clone:
		return "Clone"
	case Migrate:
		return "Migrate"
	case Replace:
		return "Replace"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Action carries the minimum fields needed to execute any variant.
// Not every field is meaningful for every Kind; see the constructors
// below for which ones are.
type Action struct {
	Kind Kind

	ASG  string
	VM   string

	SourceHost string
	DestHost   string

	// Modifier is the count of VMs a Create spawns. Combine sums it
	// across two Creates targeting the same (ASG, VM).
	Modifier int
}

func NewNull() Action { return Action{Kind: Null} }

func NewCreate(asg, vm, host string, modifier int) Action {
	return Action{Kind: Create, ASG: asg, VM: vm, DestHost: host, Modifier: modifier}
}

func NewClone(asg, vm, sourceHost, destHost string) Action {
	return Action{Kind: Clone, ASG: asg, VM: vm, SourceHost: sourceHost, DestHost: destHost}
}

func NewMigrate(asg, vm, sourceHost, destHost string) Action {
	return Action{Kind: Migrate, ASG: asg, VM: vm, SourceHost: sourceHost, DestHost: destHost}
}

func NewReplace(asg, vm, sourceHost, destHost string) Action {
	return Action{Kind: Replace, ASG: asg, VM: vm, SourceHost: sourceHost, DestHost: destHost}
}

func NewDelete(asg, vm, host string) Action {
	return Action{Kind: Delete, ASG: asg, VM: vm, SourceHost: host}
}

// Combine folds two Actions into one per the monoid described in the
// data model: Null is the identity; two Creates for the same (ASG, VM)
// sum their modifiers; two other Actions of the same kind reduce to
// the later one; distinct non-Null kinds reduce to the more specific
// one regardless of argument order, ranked Replace > Delete > Migrate >
// Clone > Create, so a Delete and a Replace for the same VM never both
// reach the dispatcher. Combining non-Null Actions that target
// different (ASG, VM) pairs is a contract violation — callers fold
// only within a single VM's candidate list.
func Combine(a, b Action) (Action, error) {
	if a.Kind == Null {
		return b, nil
	}
	if b.Kind == Null {
		return a, nil
	}

	if a.ASG != b.ASG || a.VM != b.VM {
		return Action{}, perrors.NewContractViolation(
			"cannot combine %s(asg=%s,vm=%s) with %s(asg=%s,vm=%s): different targets",
			a.Kind, a.ASG, a.VM, b.Kind, b.ASG, b.VM,
		)
	}

	// Distinct kinds reduce to the more specific one whichever side it
	// is on, which keeps Combine associative alongside the Create sum.
	rank := map[Kind]int{Create: 1, Clone: 2, Migrate: 3, Delete: 4, Replace: 5}
	if rank[a.Kind] != rank[b.Kind] {
		if rank[a.Kind] > rank[b.Kind] {
			return a, nil
		}
		return b, nil
	}

	switch a.Kind {
	case Create:
		return Action{
			Kind: Create, ASG: a.ASG, VM: a.VM, DestHost: b.DestHost,
			Modifier: a.Modifier + b.Modifier,
		}, nil
	default:
		return b, nil
	}
}

// Fold reduces a slice of candidate Actions left-to-right with
// Combine, starting from Null. The Reconciler calls this once per
// cycle per VM so duplicate Creates that straddle a cooldown boundary
// never accumulate into more than one net Action.
func Fold(actions []Action) (Action, error) {
	acc := NewNull()
	for _, a := range actions {
		next, err := Combine(acc, a)
		if err != nil {
			return Action{}, err
		}
		acc = next
	}
	return acc, nil
}

func (a Action) String() string {
	switch a.Kind {
	case Null:
		return "Null"
	case Create:
		return fmt.Sprintf("Create(asg=%s,host=%s,modifier=%d)", a.ASG, a.DestHost, a.Modifier)
	case Delete:
		return fmt.Sprintf("Delete(asg=%s,vm=%s,host=%s)", a.ASG, a.VM, a.SourceHost)
	default:
		return fmt.Sprintf("%s(asg=%s,vm=%s,src=%s,dst=%s)", a.Kind, a.ASG, a.VM, a.SourceHost, a.DestHost)
	}
}
