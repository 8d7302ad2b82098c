package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigurationDefaultsWithNoFile(t *testing.T) {
	assert := assert.New(t)

	resolved, cfg, err := LoadConfiguration("", true)
	assert.NoError(err)
	assert.Empty(resolved)
	assert.Equal(DefaultSlotCount, cfg.SlotCount)
	assert.Equal(DefaultDisplayListenAddr, cfg.DisplayListenAddr)
	assert.Equal(DefaultVMCFListenAddr, cfg.VMCFListenAddr)
	assert.Equal(DefaultControlListenAddr, cfg.ControlListenAddr)
	assert.Equal(DefaultLogLevel, cfg.LogLevel)
}

func TestLoadConfigurationOverridesDefaults(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "nicof.toml")
	content := `
[bridge]
slot_count = 64
display_listen_addr = "unix:/tmp/display.sock"
vmcf_listen_addr = "unix:/tmp/vmcf.sock"
control_listen_addr = "unix:/tmp/control.sock"
privileged_origin = "MAINT"
require_privilege_on_end = true
privileged_uid = 500

[logging]
level = "debug"
format = "json"
syslog = true
`
	require.NoError(os.WriteFile(path, []byte(content), 0o644))

	resolved, cfg, err := LoadConfiguration(path, true)
	assert.NoError(err)
	assert.Equal(path, resolved)
	assert.Equal(64, cfg.SlotCount)
	assert.Equal("unix:/tmp/display.sock", cfg.DisplayListenAddr)
	assert.Equal("unix:/tmp/vmcf.sock", cfg.VMCFListenAddr)
	assert.Equal("unix:/tmp/control.sock", cfg.ControlListenAddr)
	assert.Equal("MAINT", cfg.PrivilegedOrigin)
	assert.True(cfg.RequirePrivilegeOnEnd)
	assert.EqualValues(500, cfg.PrivilegedUID)
	assert.Equal("debug", cfg.LogLevel)
	assert.Equal("json", cfg.LogFormat)
	assert.True(cfg.Syslog)
}

func TestLoadConfigurationRejectsInvalidLogLevel(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "nicof.toml")
	require.NoError(os.WriteFile(path, []byte("[logging]\nlevel = \"noisy\"\n"), 0o644))

	_, _, err := LoadConfiguration(path, true)
	assert.Error(t, err)
}

func TestLoadConfigurationRejectsMissingPrivilegedIdentityWhenRequired(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "nicof.toml")
	require.NoError(os.WriteFile(path, []byte("[bridge]\nrequire_privilege_on_end = true\n"), 0o644))

	_, _, err := LoadConfiguration(path, true)
	assert.Error(t, err)
}

func TestLoadConfigurationMissingFileFails(t *testing.T) {
	_, _, err := LoadConfiguration("/nonexistent/path/nicof.toml", true)
	assert.Error(t, err)
}
