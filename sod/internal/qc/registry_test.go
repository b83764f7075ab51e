package qc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/sod/internal/config"
)

func TestBuild(t *testing.T) {
	cfg := config.QCConfig{
		Strict: true,
		Checks: []string{"sample_rate", "gap", "amplitude", "duplicate_window", "rms"},
	}
	chain, err := Build(cfg, nil)
	require.NoError(t, err)
	assert.True(t, chain.Strict())
	assert.Equal(t, cfg.Checks, chain.Names())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		checks []string
		want   string
	}{
		{"unknown", []string{"gap", "spectral"}, `unknown qc check "spectral"`},
		{"duplicate", []string{"gap", "gap"}, "listed twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(config.QCConfig{Checks: tt.checks}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuild_EmptyChainPasses(t *testing.T) {
	chain, err := Build(config.QCConfig{}, nil)
	require.NoError(t, err)
	assert.Empty(t, chain.Names())
}
