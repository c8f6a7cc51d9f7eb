package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5.0, cfg.Platform.FeePercent)
	assert.Equal(t, "USD", cfg.Platform.Currency)
	assert.Equal(t, config.RailManual, cfg.Rails.Default)
	assert.Equal(t, 100, cfg.Rails.DepositToleranceBps)
	assert.True(t, cfg.Auth.AllowLegacyActorHeader)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("platform:\n  fee_percent: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Platform.FeePercent)
	assert.Equal(t, "USD", cfg.Platform.Currency)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"fee":      "platform:\n  fee_percent: 120\n",
		"rail":     "rails:\n  default: paypal\n",
		"evm":      "rails:\n  default: evm\n",
		"webhooks": "webhooks:\n  - url: not-a-url\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bountyline.yml"), []byte("platform:\n  currency: EUR\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "EUR", cfg.Platform.Currency)
}

func TestWebhookFilters(t *testing.T) {
	off := false
	w := config.Webhook{URL: "http://x", Events: []string{"milestone_submitted"}}
	assert.True(t, w.Active())
	assert.True(t, w.Accepts("milestone_submitted"))
	assert.False(t, w.Accepts("dispute_opened"))
	w.Enabled = &off
	assert.False(t, w.Active())
	assert.True(t, config.Webhook{}.Accepts("anything"))
}
