package config

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RejectsMissingMasterKey(t *testing.T) {
	t.Setenv("OCCAM_MASTER_VAULT_KEY", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AcceptsValidConfiguration(t *testing.T) {
	key := make([]byte, 32)
	t.Setenv("OCCAM_MASTER_VAULT_KEY", hex.EncodeToString(key))
	t.Setenv("OCCAM_ENABLED_CHANNELS", "email,sms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.MasterVaultKey, 32)
	assert.True(t, cfg.ChannelEnabled("email"))
	assert.True(t, cfg.ChannelEnabled("sms"))
	assert.False(t, cfg.ChannelEnabled("chat-a"))
}

func TestLoad_RejectsApprovalThresholdAboveMax(t *testing.T) {
	key := make([]byte, 32)
	t.Setenv("OCCAM_MASTER_VAULT_KEY", hex.EncodeToString(key))
	t.Setenv("OCCAM_GOVERNANCE_APPROVAL_THRESHOLD", "999999999")

	_, err := Load()
	require.Error(t, err)
}
