// Package config handles monitor configuration from environment variables,
// an optional YAML file and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/hubclient"
)

// EnvPrefix prefixes every environment variable, e.g. PANTAREI_API_BASE_URL.
const EnvPrefix = "PANTAREI"

// Config holds all monitor configuration.
type Config struct {
	// Backend
	APIBaseURL  string        // REST, hub and image base URL
	HTTPTimeout time.Duration // REST request timeout
	LinesTTL    time.Duration // cache lifetime of the line/station listing

	Hub       HubConfig
	Monitor   MonitorConfig
	Dashboard DashboardConfig
	MQTT      MQTTConfig

	LogLevel  string // debug, info, warn, error
	LogFormat string // console or json
}

// HubConfig configures the push channel.
type HubConfig struct {
	Path              string
	Transports        string // comma separated: websockets, longpolling
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
}

// MonitorConfig is the initial selection of the watch command.
type MonitorConfig struct {
	Line    string
	Station string
}

// DashboardConfig configures the local live-view server.
type DashboardConfig struct {
	Enabled bool
	Listen  string
}

// MQTTConfig configures the record republisher. An empty broker disables it.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("cache.lines_ttl", 5*time.Minute)
	v.SetDefault("hub.path", "/hubs/acquisizioni")
	v.SetDefault("hub.transports", "websockets,longpolling")
	v.SetDefault("hub.handshake_timeout", 15*time.Second)
	v.SetDefault("hub.keepalive_interval", 15*time.Second)
	v.SetDefault("hub.server_timeout", 30*time.Second)
	v.SetDefault("monitor.line", "")
	v.SetDefault("monitor.station", "")
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.listen", ":8080")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "pantarei-monitor")
	v.SetDefault("mqtt.topic_prefix", "pantarei/acquisizioni")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a YAML configuration file into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from v. It does not validate.
func Load(v *viper.Viper) *Config {
	return &Config{
		APIBaseURL:  strings.TrimRight(strings.TrimSpace(v.GetString("api.base_url")), "/"),
		HTTPTimeout: v.GetDuration("http.timeout"),
		LinesTTL:    v.GetDuration("cache.lines_ttl"),
		Hub: HubConfig{
			Path:              v.GetString("hub.path"),
			Transports:        v.GetString("hub.transports"),
			HandshakeTimeout:  v.GetDuration("hub.handshake_timeout"),
			KeepAliveInterval: v.GetDuration("hub.keepalive_interval"),
			ServerTimeout:     v.GetDuration("hub.server_timeout"),
		},
		Monitor: MonitorConfig{
			Line:    strings.TrimSpace(v.GetString("monitor.line")),
			Station: strings.TrimSpace(v.GetString("monitor.station")),
		},
		Dashboard: DashboardConfig{
			Enabled: v.GetBool("dashboard.enabled"),
			Listen:  v.GetString("dashboard.listen"),
		},
		MQTT: MQTTConfig{
			Broker:      strings.TrimSpace(v.GetString("mqtt.broker")),
			ClientID:    v.GetString("mqtt.client_id"),
			TopicPrefix: strings.Trim(v.GetString("mqtt.topic_prefix"), "/"),
		},
		LogLevel:  strings.ToLower(v.GetString("log.level")),
		LogFormat: strings.ToLower(v.GetString("log.format")),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.APIBaseURL))
	}
	if !strings.HasPrefix(c.Hub.Path, "/") {
		errs = append(errs, errors.New("hub.path must start with /"))
	}
	if _, err := hubclient.ParseTransports(c.Hub.Transports); err != nil {
		errs = append(errs, fmt.Errorf("hub.transports: %w", err))
	}
	if c.Hub.HandshakeTimeout <= 0 || c.Hub.KeepAliveInterval <= 0 || c.Hub.ServerTimeout <= 0 {
		errs = append(errs, errors.New("hub timeouts must be positive"))
	}
	if c.Hub.ServerTimeout <= c.Hub.KeepAliveInterval {
		errs = append(errs, errors.New("hub.server_timeout must exceed hub.keepalive_interval"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.LogFormat))
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		errs = append(errs, errors.New("mqtt.topic_prefix is required when mqtt.broker is set"))
	}
	return errors.Join(errs...)
}

// HubURL returns the push-channel endpoint.
func (c *Config) HubURL() string {
	return c.APIBaseURL + c.Hub.Path
}

// ImageBaseURL returns the prefix of public image URLs.
func (c *Config) ImageBaseURL() string {
	return c.APIBaseURL + acquisition.PublicImagePath
}

// HubTransports returns the allowed push-channel transports.
func (c *Config) HubTransports() hubclient.TransportType {
	t, err := hubclient.ParseTransports(c.Hub.Transports)
	if err != nil {
		return hubclient.TransportAll
	}
	return t
}

// InitialSelection returns the monitor selection from the configuration.
func (c *Config) InitialSelection() acquisition.Selection {
	return acquisition.Selection{Line: c.Monitor.Line, Station: c.Monitor.Station}
}
