// Package config loads, validates, and renders the controller's
// v1alpha1 configuration document. Config-file discovery and CLI flag
// binding are the caller's concern (cmd/premiscale); this package only
// owns the document itself.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Parse reads a v1alpha1 document, expanding `$VAR`/`${VAR}` against
// the process environment exactly once, and validates the result.
// Secrets (tokens, passwords, key material) therefore cannot be
// re-read from the raw file after this call returns.
func Parse(r io.Reader) (*v1alpha1.Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	expanded := os.Expand(string(raw), os.Getenv)

	var cfg v1alpha1.Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	normalize(&cfg)

	return &cfg, nil
}

// normalize applies the defaulting and clamping rules that are not
// expressible as static validator tags: hostConnectionQueueSize
// defaults to, and is min-clamped to, maxHostConnectionThreads.
func normalize(cfg *v1alpha1.Config) {
	db := &cfg.Controller.Databases
	if db.HostConnectionQueueSize == 0 || db.HostConnectionQueueSize < db.MaxHostConnectionThreads {
		db.HostConnectionQueueSize = db.MaxHostConnectionThreads
	}
}

// Validate runs struct-tag validation over the document. Multiple
// violations are aggregated rather than returning only the first.
func Validate(cfg *v1alpha1.Config) error {
	validate := validator.New()
	return multierr.Combine(
		validate.Struct(cfg),
	)
}

// Render is the inverse of Parse: it marshals a validated config back
// to YAML. configParse(configRender(c)) == c for any c that validates
// (the round-trip property tested in config_test.go); it does not
// reverse environment-variable expansion, since expansion is
// intentionally one-way and irreversible once secrets are resolved.
func Render(cfg *v1alpha1.Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
