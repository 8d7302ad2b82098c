// Copyright (c) 2018-2021 Intel Corporation
// Copyright (c) 2018 HyperHQ Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads the bridge's TOML configuration file: the slot
// table capacity, the three listener addresses, the privileged origin for
// SMSG END, and logging defaults (spec §3/§4.5/§6, expanded per this
// rewrite's ambient stack).
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Defaults, used for anything a configuration file or its [bridge] table
// omits.
const (
	DefaultSlotCount         = 128
	DefaultDisplayListenAddr = "unix:/run/nicof/display.sock"
	DefaultVMCFListenAddr    = "unix:/run/nicof/vmcf.sock"
	DefaultControlListenAddr = "unix:/run/nicof/control.sock"
	DefaultLogLevel          = "info"
)

var (
	defaultRuntimeConfiguration       = "/usr/share/defaults/nicof/configuration.toml"
	defaultSysConfRuntimeConfiguration = "/etc/nicof/configuration.toml"
)

// tomlConfig is the on-disk shape of the configuration file: one [bridge]
// table plus an optional [logging] table.
type tomlConfig struct {
	Bridge  bridge  `toml:"bridge"`
	Logging logging `toml:"logging"`
}

type bridge struct {
	SlotCount             int    `toml:"slot_count"`
	DisplayListenAddr     string `toml:"display_listen_addr"`
	VMCFListenAddr        string `toml:"vmcf_listen_addr"`
	ControlListenAddr     string `toml:"control_listen_addr"`
	PrivilegedOrigin      string `toml:"privileged_origin"`
	PrivilegedUID         uint32 `toml:"privileged_uid"`
	RequirePrivilegeOnEnd bool   `toml:"require_privilege_on_end"`
}

type logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Syslog bool   `toml:"syslog"`
}

// BridgeConfig is the resolved, validated configuration the bridge.Config
// is built from (bridge.Config stays free of TOML tags so the bridge
// package never depends on this one's wire format).
type BridgeConfig struct {
	SlotCount             int
	DisplayListenAddr     string
	VMCFListenAddr        string
	ControlListenAddr     string
	PrivilegedOrigin      string
	PrivilegedUID         uint32
	RequirePrivilegeOnEnd bool

	LogLevel  string
	LogFormat string
	Syslog    bool
}

func defaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		SlotCount:         DefaultSlotCount,
		DisplayListenAddr: DefaultDisplayListenAddr,
		VMCFListenAddr:    DefaultVMCFListenAddr,
		ControlListenAddr: DefaultControlListenAddr,
		LogLevel:          DefaultLogLevel,
		LogFormat:         "text",
	}
}

// LoadConfiguration loads configPath (or, if empty, the first of
// GetDefaultConfigFilePaths that exists), merges it over the built-in
// defaults and validates the result. If ignoreLogging is true no log calls
// are made, matching the teacher's convention of staying silent while the
// logger itself is still being set up.
func LoadConfiguration(configPath string, ignoreLogging bool) (resolvedConfigPath string, cfg BridgeConfig, err error) {
	cfg = defaultBridgeConfig()

	tomlConf, resolved, err := decodeConfig(configPath)
	if err != nil {
		return "", cfg, err
	}

	b := tomlConf.Bridge
	if b.SlotCount > 0 {
		cfg.SlotCount = b.SlotCount
	}
	if b.DisplayListenAddr != "" {
		cfg.DisplayListenAddr = b.DisplayListenAddr
	}
	if b.VMCFListenAddr != "" {
		cfg.VMCFListenAddr = b.VMCFListenAddr
	}
	if b.ControlListenAddr != "" {
		cfg.ControlListenAddr = b.ControlListenAddr
	}
	cfg.PrivilegedOrigin = b.PrivilegedOrigin
	cfg.PrivilegedUID = b.PrivilegedUID
	cfg.RequirePrivilegeOnEnd = b.RequirePrivilegeOnEnd

	if tomlConf.Logging.Level != "" {
		cfg.LogLevel = tomlConf.Logging.Level
	}
	if tomlConf.Logging.Format != "" {
		cfg.LogFormat = tomlConf.Logging.Format
	}
	cfg.Syslog = tomlConf.Logging.Syslog

	if err := checkConfig(cfg); err != nil {
		return "", cfg, err
	}

	if !ignoreLogging {
		logrus.WithFields(logrus.Fields{
			"format": "TOML",
			"file":   resolved,
		}).Info("loaded configuration")
	}

	return resolved, cfg, nil
}

func decodeConfig(configPath string) (tomlConfig, string, error) {
	var (
		resolved string
		tomlConf tomlConfig
		err      error
	)

	if configPath == "" {
		resolved, err = getDefaultConfigFile()
		if err != nil {
			// No configuration file anywhere is not fatal here: the
			// built-in defaults are a usable bridge configuration on
			// their own (unlike the teacher, which always requires an
			// image/kernel pair).
			return tomlConf, "", nil
		}
	} else {
		resolved = configPath
	}

	configData, err := ioutil.ReadFile(resolved)
	if err != nil {
		return tomlConf, resolved, fmt.Errorf("config: reading %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(configData), &tomlConf); err != nil {
		return tomlConf, resolved, fmt.Errorf("config: parsing %s: %w", resolved, err)
	}

	return tomlConf, resolved, nil
}

// checkConfig performs basic sanity checks on a loaded configuration.
func checkConfig(cfg BridgeConfig) error {
	if cfg.SlotCount <= 0 {
		return errors.New("config: slot_count must be positive")
	}
	if cfg.DisplayListenAddr == "" {
		return errors.New("config: display_listen_addr must not be empty")
	}
	if cfg.VMCFListenAddr == "" {
		return errors.New("config: vmcf_listen_addr must not be empty")
	}
	if cfg.ControlListenAddr == "" {
		return errors.New("config: control_listen_addr must not be empty")
	}
	if cfg.RequirePrivilegeOnEnd && cfg.PrivilegedUID == 0 && cfg.PrivilegedOrigin == "" {
		return errors.New("config: require_privilege_on_end set but neither privileged_uid nor privileged_origin is configured")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("config: invalid log level %q: %w", cfg.LogLevel, err)
	}
	return nil
}

// GetDefaultConfigFilePaths returns the configuration file locations
// considered, in priority order, when no path is given explicitly.
func GetDefaultConfigFilePaths() []string {
	return []string{
		defaultSysConfRuntimeConfiguration,
		defaultRuntimeConfiguration,
	}
}

// getDefaultConfigFile returns the first of GetDefaultConfigFilePaths that
// exists on disk.
func getDefaultConfigFile() (string, error) {
	var errs []string

	for _, file := range GetDefaultConfigFilePaths() {
		if _, err := os.Stat(file); err == nil {
			return file, nil
		}
		errs = append(errs, fmt.Sprintf("%s: not found", file))
	}

	return "", errors.New(strings.Join(errs, ", "))
}

// SetConfigOptions overrides the default configuration file search paths
// for a build-time or packaging override; an empty argument leaves that
// path unchanged.
func SetConfigOptions(runtimeConfig, sysRuntimeConfig string) {
	if runtimeConfig != "" {
		defaultRuntimeConfiguration = runtimeConfig
	}
	if sysRuntimeConfig != "" {
		defaultSysConfRuntimeConfiguration = sysRuntimeConfig
	}
}
