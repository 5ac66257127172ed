package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/identity"
)

const sample = `
[homeserver]
domain   = example.org
url      = https://matrix.example.org
as_token = as-secret
hs_token = hs-secret
users    = _voip_%REMOTE_ID%, tel.%REMOTE_ID%

[bridge]
listen                = :9000
invite_lifetime       = 30s
endpoint_idle_timeout = 2h
relay_workers         = 8
hangup_on_leave       = false

[sip]
port      = 5070
advertise = 192.0.2.10
gateway   = pbx.example.org:5060

[redis]
addr = redis:6379

[logging]
level       = debug
file        = /var/log/callbridge.log
max_backups = 5
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbridge.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithEnv("", Flags{}, env(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Bridge.Listen)
	assert.Equal(t, ":9095", cfg.Bridge.GRPCListen)
	assert.Equal(t, 4*time.Hour, cfg.Bridge.EndpointIdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.Bridge.InviteLifetime)
	assert.Equal(t, 64, cfg.Bridge.RelayWorkers)
	assert.True(t, cfg.Bridge.HangupOnLeave)
	assert.Equal(t, 5060, cfg.SIP.Port)
	assert.NotEmpty(t, cfg.SIP.Advertise)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadINI(t *testing.T) {
	cfg, err := LoadWithEnv(writeFile(t, sample), Flags{}, env(nil))
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.Homeserver.Domain)
	assert.Equal(t, []string{"_voip_%REMOTE_ID%", "tel.%REMOTE_ID%"}, cfg.Homeserver.Users)
	assert.Equal(t, ":9000", cfg.Bridge.Listen)
	assert.Equal(t, 30*time.Second, cfg.Bridge.InviteLifetime)
	assert.Equal(t, 2*time.Hour, cfg.Bridge.EndpointIdleTimeout)
	assert.Equal(t, 8, cfg.Bridge.RelayWorkers)
	assert.False(t, cfg.Bridge.HangupOnLeave)
	assert.Equal(t, 5070, cfg.SIP.Port)
	assert.Equal(t, "192.0.2.10", cfg.SIP.Advertise)
	assert.Equal(t, "pbx.example.org:5060", cfg.SIP.Gateway)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Logging.MaxBackups)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)

	require.NoError(t, cfg.Validate())
}

func TestPrecedence(t *testing.T) {
	vars := map[string]string{
		"CALLBRIDGE_LISTEN":         ":7000",
		"CALLBRIDGE_SIP_PORT":       "5080",
		"CALLBRIDGE_USER_TEMPLATES": "a_%REMOTE_ID%\nb_%REMOTE_ID%",
		"LOGLEVEL":                  "warn",
	}
	cfg, err := LoadWithEnv(writeFile(t, sample), Flags{LogLevel: "error"}, env(vars))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Bridge.Listen, "env overrides file")
	assert.Equal(t, 5080, cfg.SIP.Port)
	assert.Equal(t, []string{"a_%REMOTE_ID%", "b_%REMOTE_ID%"}, cfg.Homeserver.Users)
	assert.Equal(t, "error", cfg.Logging.Level, "flag overrides env")
}

func TestBadValues(t *testing.T) {
	_, err := LoadWithEnv(writeFile(t, "[bridge]\ninvite_lifetime = soon\n"), Flags{}, env(nil))
	assert.Error(t, err)

	_, err = LoadWithEnv("", Flags{}, env(map[string]string{"CALLBRIDGE_SIP_PORT": "x"}))
	assert.Error(t, err)

	_, err = LoadWithEnv(filepath.Join(t.TempDir(), "missing.ini"), Flags{}, env(nil))
	assert.Error(t, err)
}

func TestValidateRequiresUserTemplates(t *testing.T) {
	cfg, err := LoadWithEnv(writeFile(t, sample), Flags{}, env(nil))
	require.NoError(t, err)
	cfg.Homeserver.Users = nil

	err = cfg.Validate()
	require.Error(t, err)
	var cfgErr *identity.StartupConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "homeserver.users", cfgErr.Field)
}

func TestValidateJoinsProblems(t *testing.T) {
	cfg := Default()
	cfg.SIP.Port = 0
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"homeserver.domain", "homeserver.users", "homeserver.url", "homeserver.as_token", "homeserver.hs_token", "sip.port", "logging.level"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidateRejectsBadTemplate(t *testing.T) {
	cfg, err := LoadWithEnv(writeFile(t, sample), Flags{}, env(nil))
	require.NoError(t, err)
	cfg.Homeserver.Users = []string{"no_placeholder"}

	assert.Error(t, cfg.Validate())
}

func TestParseList(t *testing.T) {
	got := parseList(" a ,b\n\n c,")
	want := []string{"a", "b", "c"}
	assert.Equal(t, want, got)
}
