// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/barcelona/pkg/expert"
	"github.com/lrhodin/barcelona/pkg/mediamonitor"
	"github.com/lrhodin/barcelona/pkg/purged"
	"github.com/lrhodin/barcelona/pkg/transfers"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	ChatDB            ChatDBConfig            `yaml:"chat_db"`
	Feed              FeedConfig              `yaml:"feed"`
	Expert            ExpertConfig            `yaml:"expert"`
	Transfers         TransfersConfig         `yaml:"transfers"`
	PurgedAttachments PurgedAttachmentsConfig `yaml:"purged_attachments"`
	MediaMonitor      MediaMonitorConfig      `yaml:"media_monitor"`

	Logging zeroconfig.Config `yaml:"logging"`
}

type ChatDBConfig struct {
	// Path to chat.db. Empty uses ~/Library/Messages/chat.db.
	Path string `yaml:"path"`
	// WaitForAccess blocks startup until Full Disk Access is granted instead
	// of failing.
	WaitForAccess bool `yaml:"wait_for_access"`
}

type FeedConfig struct {
	// Path to the JSON lines notification file, or "-" for stdin.
	Path string `yaml:"path"`
	// Follow keeps reading the file as the daemon appends to it.
	Follow bool `yaml:"follow"`
}

type ExpertConfig struct {
	SeenCapacity         int  `yaml:"seen_capacity"`
	SuppressUnsentFromMe bool `yaml:"suppress_unsent_from_me"`
}

type TransfersConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

type PurgedAttachmentsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxBytes     int64         `yaml:"max_bytes"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AcceptRate   float64       `yaml:"accept_rate"`
	AcceptBurst  int           `yaml:"accept_burst"`
}

type MediaMonitorConfig struct {
	TimeoutEnabled bool          `yaml:"timeout_enabled"`
	Timeout        time.Duration `yaml:"timeout"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.ChatDB.Path == "" {
		path, err := DefaultChatDBPath()
		if err != nil {
			return err
		}
		c.ChatDB.Path = path
	}
	if c.Feed.Path == "" {
		return fmt.Errorf("feed.path must be set")
	}
	if c.Expert.SeenCapacity <= 0 {
		c.Expert.SeenCapacity = expert.DefaultSeenCapacity
	}
	if c.Transfers.PollInterval <= 0 {
		c.Transfers.PollInterval = transfers.DefaultPollInterval
	}
	if c.Transfers.SettleTimeout < 0 {
		return fmt.Errorf("transfers.settle_timeout must not be negative")
	}
	if c.PurgedAttachments.MaxBytes <= 0 {
		c.PurgedAttachments.MaxBytes = purged.DefaultMaxBytes
	}
	if c.PurgedAttachments.Timeout <= 0 {
		c.PurgedAttachments.Timeout = purged.DefaultTimeout
	}
	if c.PurgedAttachments.PollInterval <= 0 {
		c.PurgedAttachments.PollInterval = purged.DefaultPollInterval
	}
	if c.PurgedAttachments.AcceptRate < 0 {
		return fmt.Errorf("purged_attachments.accept_rate must not be negative")
	}
	if c.MediaMonitor.Timeout <= 0 {
		c.MediaMonitor.Timeout = mediamonitor.DefaultTimeout
	}
	return nil
}

func (c *Config) ExpertConfig() expert.Config {
	cfg := expert.DefaultConfig()
	cfg.SeenCapacity = c.Expert.SeenCapacity
	cfg.SuppressUnsentFromMe = c.Expert.SuppressUnsentFromMe
	return cfg
}

func (c *Config) TransfersConfig() transfers.Config {
	return transfers.Config{
		PollInterval:  c.Transfers.PollInterval,
		SettleTimeout: c.Transfers.SettleTimeout,
	}
}

func (c *Config) PurgedConfig() purged.Config {
	return purged.Config{
		Enabled:      c.PurgedAttachments.Enabled,
		MaxBytes:     c.PurgedAttachments.MaxBytes,
		Timeout:      c.PurgedAttachments.Timeout,
		PollInterval: c.PurgedAttachments.PollInterval,
		AcceptRate:   c.PurgedAttachments.AcceptRate,
		AcceptBurst:  c.PurgedAttachments.AcceptBurst,
	}
}

func (c *Config) MediaMonitorConfig() mediamonitor.Config {
	return mediamonitor.Config{
		TimeoutEnabled: c.MediaMonitor.TimeoutEnabled,
		Timeout:        c.MediaMonitor.Timeout,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "chat_db", "path")
	helper.Copy(up.Bool, "chat_db", "wait_for_access")
	helper.Copy(up.Str, "feed", "path")
	helper.Copy(up.Bool, "feed", "follow")
	helper.Copy(up.Int, "expert", "seen_capacity")
	helper.Copy(up.Bool, "expert", "suppress_unsent_from_me")
	helper.Copy(up.Str, "transfers", "poll_interval")
	helper.Copy(up.Str, "transfers", "settle_timeout")
	helper.Copy(up.Bool, "purged_attachments", "enabled")
	helper.Copy(up.Int, "purged_attachments", "max_bytes")
	helper.Copy(up.Str, "purged_attachments", "timeout")
	helper.Copy(up.Str, "purged_attachments", "poll_interval")
	helper.Copy(up.Float|up.Int, "purged_attachments", "accept_rate")
	helper.Copy(up.Int, "purged_attachments", "accept_burst")
	helper.Copy(up.Bool, "media_monitor", "timeout_enabled")
	helper.Copy(up.Str, "media_monitor", "timeout")
	helper.Copy(up.Map, "logging")
}

// Upgrader fills in keys missing from an existing config file with the
// defaults from the example config.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
}

// LoadConfig reads the config at path, upgrading it against the example
// config first. When save is true the upgraded file is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
