// Package config loads the bridge configuration from defaults, an INI file,
// environment variables and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/sebas/callbridge/internal/identity"
	"github.com/sebas/callbridge/internal/logger"
)

// Config holds the bridge configuration
type Config struct {
	Homeserver Homeserver
	Bridge     Bridge
	SIP        SIP
	Redis      Redis
	Postgres   Postgres
	Logging    Logging
}

// Homeserver describes the chat network and the application service
// registration.
type Homeserver struct {
	Domain    string
	URL       string
	ASToken   string
	HSToken   string
	Localpart string
	Users     []string // localpart templates containing %REMOTE_ID%
}

// Bridge holds service-level settings.
type Bridge struct {
	Listen              string
	GRPCListen          string
	EndpointIdleTimeout time.Duration
	InviteLifetime      time.Duration
	RelayWorkers        int
	HangupOnLeave       bool
	NodeID              string
}

// SIP configures the VoIP backend.
type SIP struct {
	Bind      string
	Port      int
	Advertise string
	Gateway   string
}

// Redis is optional. When Addr is set it backs dedup and event publishing.
type Redis struct {
	Addr string
}

// Postgres is optional. When DSN is set it persists virtual identities.
type Postgres struct {
	DSN string
}

// Logging configures console and file output.
type Logging struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Flags are command line overrides. Empty values leave the loaded value alone.
type Flags struct {
	LogLevel string
	Listen   string
	SIPPort  int
}

// Default returns the built-in defaults.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Homeserver: Homeserver{
			Localpart: "callbridge",
		},
		Bridge: Bridge{
			Listen:              ":8090",
			GRPCListen:          ":9095",
			EndpointIdleTimeout: 4 * time.Hour,
			InviteLifetime:      60 * time.Second,
			RelayWorkers:        64,
			HangupOnLeave:       true,
			NodeID:              host,
		},
		SIP: SIP{
			Bind: "0.0.0.0",
			Port: 5060,
		},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path (optional), then the process environment, then flags.
func Load(path string, flags Flags) (*Config, error) {
	return LoadWithEnv(path, flags, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment.
func LoadWithEnv(path string, flags Flags, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if err := cfg.applyINI(file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyFlags(flags)

	if cfg.SIP.Advertise == "" {
		cfg.SIP.Advertise = getPrimaryInterfaceIP()
	}
	return cfg, nil
}

func (c *Config) applyINI(f *ini.File) error {
	hs := f.Section("homeserver")
	c.Homeserver.Domain = hs.Key("domain").MustString(c.Homeserver.Domain)
	c.Homeserver.URL = hs.Key("url").MustString(c.Homeserver.URL)
	c.Homeserver.ASToken = hs.Key("as_token").MustString(c.Homeserver.ASToken)
	c.Homeserver.HSToken = hs.Key("hs_token").MustString(c.Homeserver.HSToken)
	c.Homeserver.Localpart = hs.Key("localpart").MustString(c.Homeserver.Localpart)
	if hs.HasKey("users") {
		c.Homeserver.Users = parseList(hs.Key("users").String())
	}

	br := f.Section("bridge")
	c.Bridge.Listen = br.Key("listen").MustString(c.Bridge.Listen)
	c.Bridge.GRPCListen = br.Key("grpc_listen").MustString(c.Bridge.GRPCListen)
	c.Bridge.NodeID = br.Key("node_id").MustString(c.Bridge.NodeID)
	c.Bridge.HangupOnLeave = br.Key("hangup_on_leave").MustBool(c.Bridge.HangupOnLeave)
	c.Bridge.RelayWorkers = br.Key("relay_workers").MustInt(c.Bridge.RelayWorkers)
	var errs []error
	for key, dst := range map[string]*time.Duration{
		"endpoint_idle_timeout": &c.Bridge.EndpointIdleTimeout,
		"invite_lifetime":       &c.Bridge.InviteLifetime,
	} {
		if !br.HasKey(key) {
			continue
		}
		d, err := br.Key(key).Duration()
		if err != nil {
			errs = append(errs, fmt.Errorf("[bridge] %s: %w", key, err))
			continue
		}
		*dst = d
	}

	sip := f.Section("sip")
	c.SIP.Bind = sip.Key("bind").MustString(c.SIP.Bind)
	c.SIP.Port = sip.Key("port").MustInt(c.SIP.Port)
	c.SIP.Advertise = sip.Key("advertise").MustString(c.SIP.Advertise)
	c.SIP.Gateway = sip.Key("gateway").MustString(c.SIP.Gateway)

	c.Redis.Addr = f.Section("redis").Key("addr").MustString(c.Redis.Addr)
	c.Postgres.DSN = f.Section("postgres").Key("dsn").MustString(c.Postgres.DSN)

	lg := f.Section("logging")
	c.Logging.Level = lg.Key("level").MustString(c.Logging.Level)
	c.Logging.File = lg.Key("file").MustString(c.Logging.File)
	c.Logging.MaxSizeMB = lg.Key("max_size_mb").MustInt(c.Logging.MaxSizeMB)
	c.Logging.MaxBackups = lg.Key("max_backups").MustInt(c.Logging.MaxBackups)
	c.Logging.MaxAgeDays = lg.Key("max_age_days").MustInt(c.Logging.MaxAgeDays)

	return errors.Join(errs...)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("CALLBRIDGE_HS_DOMAIN", &c.Homeserver.Domain)
	str("CALLBRIDGE_HS_URL", &c.Homeserver.URL)
	str("CALLBRIDGE_AS_TOKEN", &c.Homeserver.ASToken)
	str("CALLBRIDGE_HS_TOKEN", &c.Homeserver.HSToken)
	str("CALLBRIDGE_LISTEN", &c.Bridge.Listen)
	str("CALLBRIDGE_GRPC_LISTEN", &c.Bridge.GRPCListen)
	str("CALLBRIDGE_SIP_BIND", &c.SIP.Bind)
	str("CALLBRIDGE_SIP_ADVERTISE", &c.SIP.Advertise)
	str("CALLBRIDGE_SIP_GATEWAY", &c.SIP.Gateway)
	str("CALLBRIDGE_REDIS_ADDR", &c.Redis.Addr)
	str("CALLBRIDGE_POSTGRES_DSN", &c.Postgres.DSN)
	str("CALLBRIDGE_LOG_FILE", &c.Logging.File)
	str("LOGLEVEL", &c.Logging.Level)

	if v, ok := lookup("CALLBRIDGE_USER_TEMPLATES"); ok && v != "" {
		c.Homeserver.Users = parseList(v)
	}
	if v, ok := lookup("CALLBRIDGE_SIP_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALLBRIDGE_SIP_PORT: %w", err)
		}
		c.SIP.Port = p
	}
	return nil
}

func (c *Config) applyFlags(f Flags) {
	if f.LogLevel != "" {
		c.Logging.Level = f.LogLevel
	}
	if f.Listen != "" {
		c.Bridge.Listen = f.Listen
	}
	if f.SIPPort > 0 {
		c.SIP.Port = f.SIPPort
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Homeserver.Domain == "" {
		errs = append(errs, &identity.StartupConfigurationError{Field: "homeserver.domain", Reason: "required"})
	}
	if len(c.Homeserver.Users) == 0 {
		errs = append(errs, &identity.StartupConfigurationError{Field: "homeserver.users", Reason: "at least one user template is required"})
	}
	if c.Homeserver.URL == "" {
		errs = append(errs, &identity.StartupConfigurationError{Field: "homeserver.url", Reason: "required"})
	} else if u, err := url.Parse(c.Homeserver.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, &identity.StartupConfigurationError{Field: "homeserver.url", Reason: "must be an absolute URL"})
	}
	if c.Homeserver.ASToken == "" {
		errs = append(errs, &identity.StartupConfigurationError{Field: "homeserver.as_token", Reason: "required"})
	}
	if c.Homeserver.HSToken == "" {
		errs = append(errs, &identity.StartupConfigurationError{Field: "homeserver.hs_token", Reason: "required"})
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		errs = append(errs, &identity.StartupConfigurationError{Field: "sip.port", Reason: fmt.Sprintf("%d out of range", c.SIP.Port)})
	}
	if c.Bridge.InviteLifetime <= 0 {
		errs = append(errs, &identity.StartupConfigurationError{Field: "bridge.invite_lifetime", Reason: "must be positive"})
	}
	if c.Bridge.RelayWorkers <= 0 {
		errs = append(errs, &identity.StartupConfigurationError{Field: "bridge.relay_workers", Reason: "must be positive"})
	}
	if !logger.ValidLevel(c.Logging.Level) {
		errs = append(errs, &identity.StartupConfigurationError{Field: "logging.level", Reason: fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}
	if len(c.Homeserver.Users) > 0 && c.Homeserver.Domain != "" {
		if _, err := identity.NewMatcher(c.Homeserver.Domain, c.Homeserver.Users); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseList splits a comma or newline separated list
func parseList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// getPrimaryInterfaceIP returns the first IPv4 address of an up,
// non-loopback interface.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
