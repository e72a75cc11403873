package perrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPredicates(t *testing.T) {
	err := NewConfig("unknown version %q", "v9")
	assert.True(t, IsConfig(err))
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "config:")
}

func TestWrapConfigNilIsNil(t *testing.T) {
	assert.NoError(t, WrapConfig(nil, "msg"))
}

func TestWrapTransportPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := WrapTransport(cause, "connecting to host h1")

	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, cause)
}

func TestWrapProtocolPredicate(t *testing.T) {
	err := WrapProtocol(errors.New("domain not found"), "getDomainByName")
	assert.True(t, IsProtocol(err))
	assert.False(t, IsBackend(err))
}

func TestBackendConstructors(t *testing.T) {
	a := NewBackend("host %s not found", "h1")
	b := WrapBackend(errors.New("no such table"), "querying hosts")

	assert.True(t, IsBackend(a))
	assert.True(t, IsBackend(b))
}

func TestRateLimitedCarriesResetDelay(t *testing.T) {
	err := NewRateLimited(30)

	r, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 30, r.ResetAfterSeconds)
}

func TestRateLimitedFalseForOtherKinds(t *testing.T) {
	_, ok := IsRateLimited(NewConfig("bad"))
	assert.False(t, ok)
}

func TestContractViolationPredicate(t *testing.T) {
	err := NewContractViolation("combine on mismatched targets %s vs %s", "vm1", "vm2")
	assert.True(t, IsContractViolation(err))
	assert.Contains(t, err.Error(), "contract violation:")
}

func TestPredicatesAreMutuallyExclusive(t *testing.T) {
	errs := []error{
		NewConfig("x"),
		WrapTransport(errors.New("x"), "y"),
		WrapProtocol(errors.New("x"), "y"),
		NewBackend("x"),
		NewRateLimited(1),
		NewContractViolation("x"),
	}
	checks := []func(error) bool{IsConfig, IsTransport, IsProtocol, IsBackend}

	for i, err := range errs {
		matches := 0
		for j, check := range checks {
			if check(err) {
				matches++
				assert.Equal(t, i, j, "error %d unexpectedly matched predicate %d", i, j)
			}
		}
		if i < len(checks) {
			assert.Equal(t, 1, matches, "error %d should match exactly one of the first four predicates", i)
		}
	}
}
