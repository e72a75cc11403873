package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineNullIdentity(t *testing.T) {
	create := NewCreate("g1", "vm", "h1", 2)

	left, err := Combine(NewNull(), create)
	require.NoError(t, err)
	assert.Equal(t, create, left)

	right, err := Combine(create, NewNull())
	require.NoError(t, err)
	assert.Equal(t, create, right)
}

func TestCombineCreateSumsModifier(t *testing.T) {
	a := NewCreate("g1", "vm", "h1", 2)
	b := NewCreate("g1", "vm", "h2", 3)

	combined, err := Combine(a, b)
	require.NoError(t, err)
	assert.Equal(t, Create, combined.Kind)
	assert.Equal(t, 5, combined.Modifier)
	assert.Equal(t, "h2", combined.DestHost)
}

func TestCombineHeterogeneousMoreSpecificWins(t *testing.T) {
	del := NewDelete("g1", "vm", "h1")
	replace := NewReplace("g1", "vm", "h1", "h2")

	combined, err := Combine(del, replace)
	require.NoError(t, err)
	assert.Equal(t, replace, combined)
}

func TestCombineDifferentTargetsIsContractViolation(t *testing.T) {
	a := NewDelete("g1", "vm1", "h1")
	b := NewDelete("g1", "vm2", "h1")

	_, err := Combine(a, b)
	assert.Error(t, err)
}

// TestCombineAssociative checks (a+b)+c == a+(b+c) over a handful of
// same-target permutations plus one generated permutation table, per
// the property in §8 — a hand-picked table, not a QuickCheck-style
// generator.
func TestCombineAssociative(t *testing.T) {
	candidates := []Action{
		NewNull(),
		NewCreate("g1", "vm", "h1", 1),
		NewCreate("g1", "vm", "h2", 4),
		NewDelete("g1", "vm", "h1"),
	}

	for _, a := range candidates {
		for _, b := range candidates {
			for _, c := range candidates {
				left, errL := associate(a, b, c, true)
				right, errR := associate(a, b, c, false)

				if errL != nil || errR != nil {
					continue // contract violations on mismatched targets are expected and symmetric
				}
				assert.Equal(t, left, right, "associativity violated for %v, %v, %v", a, b, c)
			}
		}
	}
}

func associate(a, b, c Action, leftFirst bool) (Action, error) {
	if leftFirst {
		ab, err := Combine(a, b)
		if err != nil {
			return Action{}, err
		}
		return Combine(ab, c)
	}
	bc, err := Combine(b, c)
	if err != nil {
		return Action{}, err
	}
	return Combine(a, bc)
}

func TestFoldReducesCandidateList(t *testing.T) {
	candidates := []Action{
		NewCreate("g1", "vm", "h1", 1),
		NewCreate("g1", "vm", "h1", 2),
	}

	folded, err := Fold(candidates)
	require.NoError(t, err)
	assert.Equal(t, 3, folded.Modifier)
}

func TestFoldEmptyIsNull(t *testing.T) {
	folded, err := Fold(nil)
	require.NoError(t, err)
	assert.Equal(t, Null, folded.Kind)
}
