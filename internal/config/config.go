package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the GTP-C simulator.
type Config struct {
	Node    NodeConfig    `yaml:"node"    mapstructure:"node"`
	Local   PeerConfig    `yaml:"local"   mapstructure:"local"`
	Remote  PeerConfig    `yaml:"remote"  mapstructure:"remote"`
	Timing  TimingConfig  `yaml:"timing"  mapstructure:"timing"`
	Load    LoadConfig    `yaml:"load"    mapstructure:"load"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Stats   StatsConfig   `yaml:"stats"   mapstructure:"stats"`
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`
}

type NodeConfig struct {
	Type      string `yaml:"type"      mapstructure:"type"`      // mme|sgw|pgw
	Interface string `yaml:"interface" mapstructure:"interface"` // s11|s4|s5s8
}

type PeerConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	Port    int    `yaml:"port"    mapstructure:"port"`
}

type TimingConfig struct {
	T3TimerMs        int `yaml:"t3_timer_ms"        mapstructure:"t3_timer_ms"`
	N3Requests       int `yaml:"n3_requests"        mapstructure:"n3_requests"`
	DeadCallWaitMs   int `yaml:"dead_call_wait_ms"  mapstructure:"dead_call_wait_ms"`
	DisplayRefreshMs int `yaml:"display_refresh_ms" mapstructure:"display_refresh_ms"`
}

type LoadConfig struct {
	Scenario  string  `yaml:"scenario"   mapstructure:"scenario"`
	Sessions  int     `yaml:"sessions"   mapstructure:"sessions"`
	Rate      float64 `yaml:"rate"       mapstructure:"rate"`
	ImsiStart string  `yaml:"imsi_start" mapstructure:"imsi_start"`
	Apn       string  `yaml:"apn"        mapstructure:"apn"`
	WaitMs    int     `yaml:"wait_ms"    mapstructure:"wait_ms"`
	UEIPPool  string  `yaml:"ue_ip_pool" mapstructure:"ue_ip_pool"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file"  mapstructure:"file"`
}

type StatsConfig struct {
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

type CaptureConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.type", "mme")
	v.SetDefault("node.interface", "s11")
	v.SetDefault("local.address", "0.0.0.0")
	v.SetDefault("local.port", 2123)
	v.SetDefault("remote.port", 2123)
	v.SetDefault("timing.t3_timer_ms", 3000)
	v.SetDefault("timing.n3_requests", 3)
	v.SetDefault("timing.dead_call_wait_ms", 10000)
	v.SetDefault("timing.display_refresh_ms", 1000)
	v.SetDefault("load.scenario", "create-delete")
	v.SetDefault("load.sessions", 1)
	v.SetDefault("load.rate", 1.0)
	v.SetDefault("load.imsi_start", "001010000000001")
	v.SetDefault("load.apn", "internet")
	v.SetDefault("load.wait_ms", 1000)
	v.SetDefault("load.ue_ip_pool", "10.60.0.0/16")
	v.SetDefault("logging.level", "info")
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper reads configuration using an existing viper instance (for
// CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Initiator reports whether this node sends the initial requests (MME on
// S11, SGW on S5/S8) or answers them.
func (c *Config) Initiator() bool {
	switch strings.ToLower(c.Node.Type) {
	case "sgw":
		return strings.EqualFold(c.Node.Interface, "s5s8")
	case "pgw":
		return false
	default:
		return true
	}
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Node:          %s (%s)\n", c.Node.Type, c.Node.Interface))
	sb.WriteString(fmt.Sprintf("  Local:         %s:%d\n", c.Local.Address, c.Local.Port))
	sb.WriteString(fmt.Sprintf("  Remote:        %s:%d\n", c.Remote.Address, c.Remote.Port))
	sb.WriteString(fmt.Sprintf("  Scenario:      %s\n", c.Load.Scenario))
	sb.WriteString(fmt.Sprintf("  Sessions:      %d at %.1f/s\n", c.Load.Sessions, c.Load.Rate))
	sb.WriteString(fmt.Sprintf("  T3/N3:         %dms / %d\n", c.Timing.T3TimerMs, c.Timing.N3Requests))
	sb.WriteString(fmt.Sprintf("  Dead-Call:     %dms\n", c.Timing.DeadCallWaitMs))
	if c.Stats.MetricsAddr != "" {
		sb.WriteString(fmt.Sprintf("  Metrics:       %s\n", c.Stats.MetricsAddr))
	}
	if c.Capture.File != "" {
		sb.WriteString(fmt.Sprintf("  Capture:       %s\n", c.Capture.File))
	}
	return sb.String()
}
