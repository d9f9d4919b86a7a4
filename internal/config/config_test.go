package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"CONFIG_FILE", "PORT", "DATABASE_URL", "REDIS_URL", "NATS_URL", "EVENTS_CHANNEL",
	"FORFEIT_GRACE", "SEND_TIMEOUT", "SEND_BUFFER", "LEDGER_TIMEOUT", "HOUSE_FEE_BPS",
	"HOUSE_ACCOUNT", "RECONCILE_INTERVAL", "STALE_MATCH_AFTER", "FINISHED_RETENTION",
	"HISTORY_RETENTION", "SAVE_INTERVAL", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW", "DEV_STARTING_BALANCE",
}

// clearEnv blanks every key so a developer's .env does not leak into tests.
func clearEnv(t *testing.T) {
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ForfeitGrace)
	assert.Equal(t, int64(0), cfg.HouseFeeBPS)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
forfeit_grace: 45s
house_fee_bps: 250
events_channel: from-file
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port, "env wins over file")
	assert.Equal(t, 45*time.Second, cfg.ForfeitGrace)
	assert.Equal(t, int64(250), cfg.HouseFeeBPS)
	assert.Equal(t, "from-file", cfg.EventsChannel)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{"bad duration", map[string]string{"FORFEIT_GRACE": "soon"}, ""},
		{"bad integer", map[string]string{"PORT": "eighty"}, ""},
		{"fee out of range", map[string]string{"HOUSE_FEE_BPS": "10001"}, ""},
		{"fee without house", nil, "house_fee_bps: 100\nhouse_account: \"\"\n"},
		{"malformed file", nil, "port: [nope"},
		{"missing file", map[string]string{"CONFIG_FILE": "/does/not/exist.yaml"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if tt.file != "" {
				path := filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o600))
				t.Setenv("CONFIG_FILE", path)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
