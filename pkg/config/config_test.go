package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestLoadControlConfigRequiresJWTSecret(t *testing.T) {
	cmd := &cobra.Command{}
	RegisterControlFlags(cmd)

	_, err := LoadControlConfig(cmd)
	require.Error(t, err)

	require.NoError(t, cmd.Flags().Set("jwt-secret", "s3cr3t"))
	cfg, err := LoadControlConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", cfg.JWTSecret)
	require.Equal(t, defaultAPIAddr, cfg.APIAddr)
}

func TestLoadAgentConfigRequiresID(t *testing.T) {
	cmd := &cobra.Command{}
	RegisterAgentFlags(cmd)

	_, err := LoadAgentConfig(cmd)
	require.Error(t, err)

	require.NoError(t, cmd.Flags().Set("id", "agent-1"))
	require.NoError(t, cmd.Flags().Set("compute", "true"))
	require.NoError(t, cmd.Flags().Set("labels", "a,b"))
	cfg, err := LoadAgentConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "agent-1", cfg.ID)
	require.True(t, cfg.Compute)
	require.Equal(t, []string{"a", "b"}, cfg.Labels)
}
