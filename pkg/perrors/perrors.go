/*
Package perrors classifies controller errors by kind rather than by
concrete type, mirroring the error taxonomy in the design: config,
transport, protocol, backend, rate-limited, and contract-violation
failures each carry distinct propagation rules (see §7 of the design).
*/
package perrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Config errors are schema violations, missing required fields, or an
// unknown config version. Fatal at startup; the caller exits 2.
type Config struct {
	cause error
}

func NewConfig(format string, args ...interface{}) error {
	return &Config{cause: fmt.Errorf(format, args...)}
}

func WrapConfig(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Config{cause: pkgerrors.Wrap(err, msg)}
}

func (e *Config) Error() string { return "config: " + e.cause.Error() }
func (e *Config) Unwrap() error { return e.cause }

func IsConfig(err error) bool {
	var c *Config
	return errors.As(err, &c)
}

// Transport errors are SSH/TLS/websocket connect or DNS resolution
// failures. Recoverable; the caller reconnects with backoff.
type Transport struct {
	cause error
}

func WrapTransport(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Transport{cause: pkgerrors.Wrap(err, msg)}
}

func (e *Transport) Error() string { return "transport: " + e.cause.Error() }
func (e *Transport) Unwrap() error { return e.cause }

func IsTransport(err error) bool {
	var t *Transport
	return errors.As(err, &t)
}

// Protocol errors are hypervisor-level failures mid-call (a libvirt,
// govmomi, or SSH-exec call that returned an error after the
// connection itself was fine). Retried up to a bounded count, then
// the action is reported failed and execution continues.
type Protocol struct {
	cause error
}

func WrapProtocol(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Protocol{cause: pkgerrors.Wrap(err, msg)}
}

func (e *Protocol) Error() string { return "hypervisor protocol: " + e.cause.Error() }
func (e *Protocol) Unwrap() error { return e.cause }

func IsProtocol(err error) bool {
	var p *Protocol
	return errors.As(err, &p)
}

// Backend errors are state-DB or time-series-DB connection or query
// failures. The affected cycle is skipped; the process keeps running.
type Backend struct {
	cause error
}

func NewBackend(format string, args ...interface{}) error {
	return &Backend{cause: fmt.Errorf(format, args...)}
}

func WrapBackend(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Backend{cause: pkgerrors.Wrap(err, msg)}
}

func (e *Backend) Error() string { return "backend: " + e.cause.Error() }
func (e *Backend) Unwrap() error { return e.cause }

func IsBackend(err error) bool {
	var b *Backend
	return errors.As(err, &b)
}

// RateLimited wraps a 429 from the registration endpoint, carrying the
// server-supplied reset delay so the retry policy can honor it.
type RateLimited struct {
	cause    error
	ResetAfterSeconds int
}

func NewRateLimited(resetAfterSeconds int) error {
	return &RateLimited{cause: fmt.Errorf("rate limited, reset in %ds", resetAfterSeconds), ResetAfterSeconds: resetAfterSeconds}
}

func (e *RateLimited) Error() string { return "rate limited: " + e.cause.Error() }
func (e *RateLimited) Unwrap() error { return e.cause }

func IsRateLimited(err error) (*RateLimited, bool) {
	var r *RateLimited
	ok := errors.As(err, &r)
	return r, ok
}

// ContractViolation is reserved for invariant breaches: an Action
// combine across different (ASG, VM) targets, a state-DB invariant breach, a
// second fatal condition the Supervisor must not paper over. Logged
// with full context and the process exits 1.
type ContractViolation struct {
	cause error
}

func NewContractViolation(format string, args ...interface{}) error {
	return &ContractViolation{cause: fmt.Errorf(format, args...)}
}

func (e *ContractViolation) Error() string { return "contract violation: " + e.cause.Error() }
func (e *ContractViolation) Unwrap() error { return e.cause }

func IsContractViolation(err error) bool {
	var c *ContractViolation
	return errors.As(err, &c)
}
