package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Credentials = []CredentialConfig{
		{Name: "main", Username: "trader", Password: "hunter2"},
		{Name: "copy", Username: "copy", Password: "hunter2"},
	}
	cfg.Accounts = []AccountConfig{
		{ID: "master", Name: "Main", Role: "master", Credentials: "main", Enabled: true},
		{ID: "f1", Name: "Copy", Role: "follower", Credentials: "copy", SizeRatio: 0.5, Enabled: true},
	}
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresExactlyOneMaster(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts[0].Role = "follower"
	cfg.Accounts[0].SizeRatio = 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one master")

	cfg = validConfig()
	cfg.Accounts[1].Role = "master"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one master")
}

func TestValidateRejectsNonPositiveFollowerRatio(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts[1].SizeRatio = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size_ratio")
}

func TestValidateServerModeSkipsAccountTopology(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownCredentialReference(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts[1].Credentials = "missing"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown credentials reference "missing"`)
}

func TestValidateRejectsKeystorePathWithoutPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Credentials[0].Password = ""
	cfg.Credentials[0].EncryptedPasswordPath = "/etc/mirrorbot/main.enc"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keystore_password is required")
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "shadow"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "shadow"`)
}

func TestValidateCollectsMultipleProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Poll.Interval = duration{}
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll: interval must be positive")
	assert.Contains(t, err.Error(), "redis: addr must not be empty")
}

func TestLotSizeFallsBackToDefault(t *testing.T) {
	s := SymbolsConfig{DefaultLotSize: 2, LotSizes: map[string]int{"MESU6": 5}}
	assert.Equal(t, 5, s.LotSize("MESU6"))
	assert.Equal(t, 2, s.LotSize("MNQU6"))

	var zero SymbolsConfig
	assert.Equal(t, 1, zero.LotSize("MESU6"))
}

func TestMasterAndFollowersAccessors(t *testing.T) {
	cfg := validConfig()
	m, ok := cfg.Master()
	require.True(t, ok)
	assert.Equal(t, "master", m.ID)

	fs := cfg.Followers()
	require.Len(t, fs, 1)
	assert.Equal(t, "f1", fs[0].ID)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "replicate"
log_level = "debug"

[poll]
interval = "500ms"

[replicate]
max_attempts = 7
backoff_base = "250ms"
backoff_max = "10s"

[[credentials]]
name = "main"
username = "trader"
password = "hunter2"

[[accounts]]
id = "master"
role = "master"
credentials = "main"
enabled = true

[[accounts]]
id = "f1"
role = "follower"
credentials = "main"
size_ratio = 0.25
enabled = true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "replicate", cfg.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval.Duration)
	assert.Equal(t, 7, cfg.Replicate.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Replicate.BackoffBase.Duration)
	// Untouched sections keep defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Session.DisableAfter)

	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[[credentials]]
name = "main"
username = "trader"
password = "from-file"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("MIRRORBOT_CREDENTIAL_MAIN_PASSWORD", "from-env")
	t.Setenv("MIRRORBOT_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("MIRRORBOT_MODE", "monitor")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Credentials[0].Password)
	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN)
	assert.Equal(t, "monitor", cfg.Mode)
}

func TestEnvNameSanitizesSeparators(t *testing.T) {
	assert.Equal(t, "MAIN_ACCT", envName("main-acct"))
	assert.Equal(t, "COPY_2", envName("copy.2"))
}
