package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
)

const sampleYAML = `
version: v1alpha1
controller:
  mode: standalone
  databases:
    collectionInterval: 30
    maxHostConnectionThreads: 4
    hostConnectionTimeout: 10
    state:
      type: sqlite
      connection: premiscale.db
    timeseries:
      type: memory
      trailing: 300
  reconciliation:
    interval: 60
  autoscale:
    hosts:
      - name: h1
        address: 10.0.0.2
        protocol: ssh
        port: 22
        hypervisor: kvm
    groups:
      g1:
        min: 1
        max: 3
        desired: 1
        image: base
        domainName: g1-vm
        hosts: [h1]
        scaling:
          method: utilization
          increment: 1
          targetUtilization:
            cpu: 0.6
`

func TestParseValidDocument(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, v1alpha1.ModeStandalone, cfg.Controller.Mode)
	assert.Equal(t, 4, cfg.Controller.Databases.MaxHostConnectionThreads)
}

func TestHostConnectionQueueSizeClamp(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, cfg.Controller.Databases.MaxHostConnectionThreads, cfg.Controller.Databases.HostConnectionQueueSize)
}

func TestCollectionIntervalZeroRejected(t *testing.T) {
	bad := strings.Replace(sampleYAML, "collectionInterval: 30", "collectionInterval: 0", 1)
	_, err := Parse(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestRenderParseRoundTrip(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	rendered, err := Render(cfg)
	require.NoError(t, err)

	roundTripped, err := Parse(bytes.NewReader(rendered))
	require.NoError(t, err)

	assert.Equal(t, cfg, roundTripped)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("PREMISCALE_TEST_TOKEN", "secret-token")
	doc := strings.Replace(sampleYAML, "autoscale:", "platform:\n    token: $PREMISCALE_TEST_TOKEN\n  autoscale:", 1)

	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Controller.Platform.Token)
}
