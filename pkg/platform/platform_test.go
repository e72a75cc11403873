package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
)

func newTestLink(t *testing.T, cfg v1alpha1.Platform) *Link {
	t.Helper()
	return New(zap.NewNop().Sugar(), cfg, t.TempDir())
}

func TestStandaloneWhenNoToken(t *testing.T) {
	l := newTestLink(t, v1alpha1.Platform{Domain: "example.com"})
	assert.True(t, l.Standalone())
}

func TestNotStandaloneWithToken(t *testing.T) {
	l := newTestLink(t, v1alpha1.Platform{Domain: "example.com", Token: "tok"})
	assert.False(t, l.Standalone())
}

func TestWriteCacheThenReadCacheRoundTrip(t *testing.T) {
	l := newTestLink(t, v1alpha1.Platform{Domain: "example.com", Token: "tok"})

	env := registrationEnvelope{Host: "example.com", Payload: json.RawMessage(`{"id":"abc"}`)}
	require.NoError(t, l.writeCache(env))

	got, ok := l.readCache()
	require.True(t, ok)
	assert.Equal(t, env.Host, got.Host)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestReadCacheMissingFile(t *testing.T) {
	l := newTestLink(t, v1alpha1.Platform{Domain: "example.com", Token: "tok"})
	_, ok := l.readCache()
	assert.False(t, ok)
}

func TestRegisterSkipsWhenCachedHostMatches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	domain := strings.TrimPrefix(srv.URL, "http://")
	l := newTestLink(t, v1alpha1.Platform{Domain: domain, Token: "tok"})

	require.NoError(t, l.writeCache(registrationEnvelope{Host: domain, Payload: json.RawMessage(`{}`)}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := l.register(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "a matching cached host must skip re-registration")
}

func TestDrainDiscardsEnvelopesUntilClosed(t *testing.T) {
	l := newTestLink(t, v1alpha1.Platform{})

	out := make(chan Envelope, 2)
	out <- Envelope{Kind: EnvelopeAudit}
	out <- Envelope{Kind: EnvelopeAudit}
	close(out)

	err := l.drain(context.Background(), out)
	assert.NoError(t, err)
}

func TestDrainReturnsOnContextCancel(t *testing.T) {
	l := newTestLink(t, v1alpha1.Platform{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Envelope)
	err := l.drain(ctx, out)
	assert.ErrorIs(t, err, context.Canceled)
}
