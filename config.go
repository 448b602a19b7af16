package partymesh

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	MaxPartySize      int    `toml:"max_party_size"`
	InviteTimeout     string `toml:"invite_timeout"`
	InviteBackoff     string `toml:"invite_backoff"`
	MaxInviteAttempts int    `toml:"max_invite_attempts"`
	KeepaliveTimeout  string `toml:"keepalive_timeout"`
	HostRequeryDelay  string `toml:"host_requery_delay"`
	VerifyTimeout     string `toml:"verify_timeout"`
	VerifyRetries     int    `toml:"verify_retries"`
	AutoVerify        bool   `toml:"auto_verify"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`

	LAN struct {
		BeaconPort     int    `toml:"beacon_port"`
		ListenAddr     string `toml:"listen_addr"`
		BeaconInterval string `toml:"beacon_interval"`
	} `toml:"lan"`

	Identity struct {
		Store string `toml:"store"`
		Path  string `toml:"path"`
	} `toml:"identity"`
}

// LoadOptions reads a TOML file over NewOptions. Only keys present in the
// file override defaults.
func LoadOptions(path string) (*Options, error) {
	opts := NewOptions()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	durations := []struct {
		key []string
		val string
		dst *time.Duration
	}{
		{[]string{"invite_timeout"}, raw.InviteTimeout, &opts.InviteTimeout},
		{[]string{"invite_backoff"}, raw.InviteBackoff, &opts.InviteBackoff},
		{[]string{"keepalive_timeout"}, raw.KeepaliveTimeout, &opts.KeepaliveTimeout},
		{[]string{"host_requery_delay"}, raw.HostRequeryDelay, &opts.HostRequeryDelay},
		{[]string{"verify_timeout"}, raw.VerifyTimeout, &opts.VerifyTimeout},
		{[]string{"lan", "beacon_interval"}, raw.LAN.BeaconInterval, &opts.LAN.BeaconInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_party_size") {
		opts.MaxPartySize = raw.MaxPartySize
	}
	if meta.IsDefined("max_invite_attempts") {
		opts.MaxInviteAttempts = raw.MaxInviteAttempts
	}
	if meta.IsDefined("verify_retries") {
		opts.VerifyRetries = raw.VerifyRetries
	}
	if meta.IsDefined("auto_verify") {
		opts.AutoVerify = raw.AutoVerify
	}
	if meta.IsDefined("logging", "level") {
		opts.Logging.Level = strings.TrimSpace(raw.Logging.Level)
	}
	if meta.IsDefined("logging", "format") {
		opts.Logging.Format = strings.TrimSpace(raw.Logging.Format)
	}
	if meta.IsDefined("lan", "beacon_port") {
		opts.LAN.BeaconPort = raw.LAN.BeaconPort
	}
	if meta.IsDefined("lan", "listen_addr") {
		opts.LAN.ListenAddr = strings.TrimSpace(raw.LAN.ListenAddr)
	}
	if meta.IsDefined("identity", "store") {
		opts.Identity.Store = strings.TrimSpace(raw.Identity.Store)
	}
	if meta.IsDefined("identity", "path") {
		opts.Identity.Path = strings.TrimSpace(raw.Identity.Path)
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return opts, nil
}
