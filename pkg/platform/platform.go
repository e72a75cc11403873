// Package platform implements the PlatformLink component: one
// outbound websocket to the remote platform for audit/telemetry,
// accepting inbound configuration-override messages. Registration is
// cached to disk keyed by host URL so a restart against the same
// platform does not re-register.
package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/premiscale/premiscale/pkg/action"
	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/perrors"
)

// EnvelopeKind tags what a queue Envelope carries.
type EnvelopeKind int

const (
	EnvelopeAudit EnvelopeKind = iota
	EnvelopeTelemetry
)

// Outcome records how an Action's execution finished.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// AuditRecord is the envelope the AutoscalerDispatcher produces after
// every Action, per §4.4.
type AuditRecord struct {
	ID         string
	Action     action.Kind
	ASG        string
	Host       string
	VM         string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Error      string
}

// Envelope is the unit placed on the platform queue by the dispatcher
// (audit records) or future telemetry producers.
type Envelope struct {
	Kind  EnvelopeKind
	Audit AuditRecord
}

// registrationEnvelope is the cached registration.json payload, keyed
// by the host URL it was issued against — restarting against a
// different platform domain must re-register (§8 scenario 6).
type registrationEnvelope struct {
	Host    string          `json:"host"`
	Payload json.RawMessage `json:"payload"`
}

// Link owns the websocket connection and the registration cache file.
type Link struct {
	log *zap.SugaredLogger

	cfg v1alpha1.Platform

	cacheFile string

	conn   *websocket.Conn
	connMu sync.Mutex // guards concurrent writers per gorilla/websocket's contract

	inbound chan []byte
}

func New(log *zap.SugaredLogger, cfg v1alpha1.Platform, cacheDir string) *Link {
	return &Link{
		log:       log,
		cfg:       cfg,
		cacheFile: filepath.Join(cacheDir, "registration.json"),
		inbound:   make(chan []byte, 64),
	}
}

// Standalone reports whether the link should not be started: no token
// means the platform queue is drained and discarded in-process.
func (l *Link) Standalone() bool {
	return l.cfg.Standalone()
}

// Run registers (if needed), then maintains the connection loop with
// exponential backoff until ctx is canceled, draining out and feeding
// inbound frames to Inbound().
func (l *Link) Run(ctx context.Context, out <-chan Envelope) error {
	if l.Standalone() {
		return l.drain(ctx, out)
	}

	if err := l.register(ctx); err != nil {
		return err
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := l.connectAndServe(ctx, out); err != nil {
			l.log.Warnw("platform link disconnected", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// drain discards every enqueued Envelope without a platform
// connection, for standalone-mode deployments.
func (l *Link) drain(ctx context.Context, out <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-out:
			if !ok {
				return nil
			}
		}
	}
}

// register caches registration.json keyed by host URL; on restart, if
// the cached envelope's host matches the configured domain,
// registration is skipped entirely.
func (l *Link) register(ctx context.Context) error {
	if cached, ok := l.readCache(); ok && cached.Host == l.cfg.Domain {
		l.log.Infow("reusing cached platform registration", "domain", l.cfg.Domain)
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"version":         v1alpha1.Version,
		"type":            "agent",
		"registration_key": l.cfg.Token,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://%s/register", l.cfg.Domain)

	var payload json.RawMessage
	err = retry.Do(
		func() error {
			resp, err := http.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return perrors.WrapTransport(err, "registering with platform")
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests {
				reset, _ := strconv.Atoi(resp.Header.Get("x-rate-limit-reset"))
				return perrors.NewRateLimited(reset)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("registration failed: status %d", resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&payload)
		},
		retry.Attempts(10),
		retry.Context(ctx),
		retry.DelayType(rateLimitDelay),
	)
	if err != nil {
		return perrors.WrapTransport(err, "registration exhausted retries")
	}

	return l.writeCache(registrationEnvelope{Host: l.cfg.Domain, Payload: payload})
}

// rateLimitDelay honors x-rate-limit-reset when the failure is a
// RateLimited error, plus a small jitter buffer; otherwise it falls
// back to the library's default backoff curve.
func rateLimitDelay(n uint, err error, cfg *retry.Config) time.Duration {
	if rl, ok := perrors.IsRateLimited(err); ok {
		jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
		return time.Duration(rl.ResetAfterSeconds)*time.Second + jitter
	}
	return retry.BackOffDelay(n, err, cfg)
}

func (l *Link) readCache() (registrationEnvelope, bool) {
	data, err := os.ReadFile(l.cacheFile)
	if err != nil {
		return registrationEnvelope{}, false
	}
	var env registrationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return registrationEnvelope{}, false
	}
	return env, true
}

func (l *Link) writeCache(env registrationEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return os.WriteFile(l.cacheFile, data, 0o600)
}

// connectAndServe dials the websocket and runs the two cooperative
// send/recv loops until either fails or ctx is canceled.
func (l *Link) connectAndServe(ctx context.Context, out <-chan Envelope) error {
	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{},
		HandshakeTimeout: 10 * time.Second,
	}

	url := fmt.Sprintf("wss://%s/stream", l.cfg.Domain)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return perrors.WrapTransport(err, "connecting to platform websocket")
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Second))

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	defer conn.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- l.syncPlatformQueue(ctx, out) }()
	go func() { errCh <- l.recvMessages(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// syncPlatformQueue drains out and sends each envelope in enqueue
// order; gorilla/websocket connections are not safe for concurrent
// writers, so every send takes connMu.
func (l *Link) syncPlatformQueue(ctx context.Context, out <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-out:
			if !ok {
				return nil
			}
			data, err := json.Marshal(env)
			if err != nil {
				l.log.Warnw("failed to marshal platform envelope", "error", err)
				continue
			}

			l.connMu.Lock()
			err = l.conn.WriteMessage(websocket.TextMessage, data)
			l.connMu.Unlock()
			if err != nil {
				return perrors.WrapTransport(err, "writing platform message")
			}
		}
	}
}

// recvMessages feeds inbound frames to the local inbound queue for the
// Reconciler to consult for configuration overrides.
func (l *Link) recvMessages(ctx context.Context) error {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return perrors.WrapTransport(err, "reading platform message")
		}
		select {
		case l.inbound <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Inbound returns the channel of raw inbound configuration-override
// frames.
func (l *Link) Inbound() <-chan []byte {
	return l.inbound
}

