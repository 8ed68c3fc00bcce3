// Package config provides configuration loading for authdnsd using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the AUTHDNSD_ prefix and underscore-separated keys:
//   - AUTHDNSD_SERVER_HOST -> server.host
//   - AUTHDNSD_SERVER_PORT -> server.port
//   - AUTHDNSD_ZONES_DIRECTORY -> zones.directory
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how worker count is determined.
type WorkersMode int

const (
	// WorkersAuto automatically determines worker count based on available CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific worker count.
	WorkersFixed
)

// WorkerSetting represents the workers configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	Host       string        `yaml:"host"        mapstructure:"host"`
	Port       int           `yaml:"port"        mapstructure:"port"`
	Workers    WorkerSetting `yaml:"-"           mapstructure:"-"`
	WorkersRaw string        `yaml:"workers"     mapstructure:"workers"`
	EnableTCP  bool          `yaml:"enable_tcp"  mapstructure:"enable_tcp"`
	MaxClients int           `yaml:"max_clients" mapstructure:"max_clients"`
}

// ZonesConfig contains zone file settings.
type ZonesConfig struct {
	Directory string   `yaml:"directory" mapstructure:"directory" json:"directory"`
	Files     []string `yaml:"files"     mapstructure:"files"     json:"files,omitempty"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// RateLimitConfig controls the optional admission-control layer in front of
// query processing. Setting the QPS/burst fields to zero disables the
// corresponding tier.
type RateLimitConfig struct {
	CleanupSeconds   float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"    json:"cleanup_seconds"`
	MaxIPEntries     int     `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"     json:"max_ip_entries"`
	MaxPrefixEntries int     `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries" json:"max_prefix_entries"`
	GlobalQPS        float64 `yaml:"global_qps"         mapstructure:"global_qps"         json:"global_qps"`
	GlobalBurst      int     `yaml:"global_burst"       mapstructure:"global_burst"       json:"global_burst"`
	PrefixQPS        float64 `yaml:"prefix_qps"         mapstructure:"prefix_qps"         json:"prefix_qps"`
	PrefixBurst      int     `yaml:"prefix_burst"       mapstructure:"prefix_burst"       json:"prefix_burst"`
	IPQPS            float64 `yaml:"ip_qps"             mapstructure:"ip_qps"             json:"ip_qps"`
	IPBurst          int     `yaml:"ip_burst"           mapstructure:"ip_burst"           json:"ip_burst"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig     `yaml:"server"     mapstructure:"server"`
	Zones     ZonesConfig      `yaml:"zones"      mapstructure:"zones"`
	Logging   LoggingConfig    `yaml:"logging"    mapstructure:"logging"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("AUTHDNSD_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (AUTHDNSD_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
