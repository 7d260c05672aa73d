// Package config loads the ftpd configuration from a YAML file, FTPD_
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of the ftpd binary.
type Config struct {
	Listen        string `mapstructure:"listen" yaml:"listen"`
	Family        string `mapstructure:"family" yaml:"family"`
	Backlog       int    `mapstructure:"backlog" yaml:"backlog"`
	MaxUsers      int    `mapstructure:"max_users" yaml:"max_users"`
	MaxUsersPerIP int    `mapstructure:"max_users_per_ip" yaml:"max_users_per_ip"`
	Root          string `mapstructure:"root" yaml:"root"`
	UsersFile     string `mapstructure:"users_file" yaml:"users_file"`
	CreateHomes   bool   `mapstructure:"create_homes" yaml:"create_homes"`
	AnonWrite     bool   `mapstructure:"anon_write" yaml:"anon_write"`
	Welcome       string `mapstructure:"welcome" yaml:"welcome"`
	Xferlog       string `mapstructure:"xferlog" yaml:"xferlog"`
	RedactIPs     bool   `mapstructure:"redact_ips" yaml:"redact_ips"`

	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Pasv          PasvConfig          `mapstructure:"pasv" yaml:"pasv"`
	Timeouts      TimeoutConfig       `mapstructure:"timeouts" yaml:"timeouts"`
	Bandwidth     BandwidthConfig     `mapstructure:"bandwidth" yaml:"bandwidth"`
	TLS           TLSConfig           `mapstructure:"tls" yaml:"tls"`
	Registry      RegistryConfig      `mapstructure:"registry" yaml:"registry"`
	LoginThrottle LoginThrottleConfig `mapstructure:"login_throttle" yaml:"login_throttle"`

	// Permissions maps a command (SITE subcommands as SITE_<NAME>) to
	// its rule line.
	Permissions map[string]string `mapstructure:"permissions" yaml:"permissions"`
	// Commands registers external commands.
	Commands []CommandConfig `mapstructure:"commands" yaml:"commands"`
	Hooks    []HookConfig    `mapstructure:"hooks" yaml:"hooks"`
	Crontab  []JobConfig     `mapstructure:"crontab" yaml:"crontab"`
}

// LogConfig selects the log level (debug, info, warn, error) and format
// (text, json).
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// PasvConfig configures passive mode.
type PasvConfig struct {
	PublicHost string `mapstructure:"public_host" yaml:"public_host"`
	MinPort    int    `mapstructure:"min_port" yaml:"min_port"`
	MaxPort    int    `mapstructure:"max_port" yaml:"max_port"`
}

// TimeoutConfig holds the session timeouts.
type TimeoutConfig struct {
	Idle     time.Duration `mapstructure:"idle" yaml:"idle"`
	Transfer time.Duration `mapstructure:"transfer" yaml:"transfer"`
	Connect  time.Duration `mapstructure:"connect" yaml:"connect"`
}

// BandwidthConfig holds the server-wide limits in bytes per second.
type BandwidthConfig struct {
	GlobalUpload   int64 `mapstructure:"global_upload" yaml:"global_upload"`
	GlobalDownload int64 `mapstructure:"global_download" yaml:"global_download"`
}

// TLSConfig configures FTPS.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	Implicit bool   `mapstructure:"implicit" yaml:"implicit"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// RegistryConfig configures the published session registry.
type RegistryConfig struct {
	StatusFile string `mapstructure:"status_file" yaml:"status_file"`
}

// LoginThrottleConfig limits failed logins per address. A zero rate
// disables the throttle.
type LoginThrottleConfig struct {
	Rate  float64 `mapstructure:"rate" yaml:"rate"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// CommandConfig is an external command.
type CommandConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Command    string `mapstructure:"command" yaml:"command"`
	Permission string `mapstructure:"permission" yaml:"permission"`
}

// HookConfig runs Command on the events named by Event ("login|logout").
type HookConfig struct {
	Event   string `mapstructure:"event" yaml:"event"`
	Command string `mapstructure:"command" yaml:"command"`
}

// JobConfig is a crontab entry. Empty fields mean "*".
type JobConfig struct {
	Minutes    string `mapstructure:"minutes" yaml:"minutes"`
	Hours      string `mapstructure:"hours" yaml:"hours"`
	DayOfMonth string `mapstructure:"day_of_month" yaml:"day_of_month"`
	Month      string `mapstructure:"month" yaml:"month"`
	DayOfWeek  string `mapstructure:"day_of_week" yaml:"day_of_week"`
	Command    string `mapstructure:"command" yaml:"command"`
}

// Spec returns the five crontab fields of j.
func (j JobConfig) Spec() string {
	field := func(v string) string {
		if v = strings.TrimSpace(v); v == "" {
			return "*"
		}
		return v
	}
	return strings.Join([]string{
		field(j.Minutes), field(j.Hours), field(j.DayOfMonth), field(j.Month), field(j.DayOfWeek),
	}, " ")
}

// Defaults.
const (
	DefaultListen     = ":2121"
	DefaultFamily     = "any"
	DefaultMaxUsers   = 64
	DefaultStatusFile = "/run/ftpd/status"
)

// Loader wraps Viper configuration loading.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader initializes a Loader with the standard search path, FTPD_
// environment overrides and defaults.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("FTPD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("ftpd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/ftpd")
	v.AddConfigPath("/etc/ftpd")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("family", DefaultFamily)
	v.SetDefault("backlog", 128)
	v.SetDefault("max_users", DefaultMaxUsers)
	v.SetDefault("max_users_per_ip", 0)
	v.SetDefault("root", ".")
	v.SetDefault("users_file", "")
	v.SetDefault("welcome", "ftpd ready.")
	v.SetDefault("timeouts.idle", 5*time.Minute)
	v.SetDefault("timeouts.transfer", 2*time.Minute)
	v.SetDefault("timeouts.connect", 10*time.Second)
	v.SetDefault("bandwidth.global_upload", 0)
	v.SetDefault("bandwidth.global_download", 0)
	v.SetDefault("tls.implicit", false)
	v.SetDefault("registry.status_file", "")
	v.SetDefault("login_throttle.rate", 0.2)
	v.SetDefault("login_throttle.burst", 5)

	return &Loader{v: v}
}

// Viper exposes the underlying Viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = strings.TrimSpace(path)
}

// ReadInConfig reads the config file. A missing file is not an error
// unless it was named explicitly.
func (l *Loader) ReadInConfig() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// Load reads the configuration, unmarshals and validates it.
func (l *Loader) Load() (Config, error) {
	if err := l.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the server options do not check themselves.
func (c Config) Validate() error {
	switch strings.ToLower(c.Family) {
	case "any", "ipv4", "ipv6":
	default:
		return fmt.Errorf("config: family must be any, ipv4 or ipv6, got %q", c.Family)
	}
	if c.MaxUsers <= 0 {
		return fmt.Errorf("config: max_users must be positive, got %d", c.MaxUsers)
	}
	if c.UsersFile == "" {
		return errors.New("config: users_file is required")
	}
	if (c.Pasv.MinPort == 0) != (c.Pasv.MaxPort == 0) || c.Pasv.MinPort > c.Pasv.MaxPort {
		return fmt.Errorf("config: invalid passive port range %d-%d", c.Pasv.MinPort, c.Pasv.MaxPort)
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("config: tls needs both cert_file and key_file")
	}
	if c.TLS.Implicit && !c.TLS.Enabled() {
		return errors.New("config: tls.implicit needs a certificate")
	}
	for i, h := range c.Hooks {
		if h.Event == "" || h.Command == "" {
			return fmt.Errorf("config: hook %d needs event and command", i)
		}
	}
	for i, j := range c.Crontab {
		if j.Command == "" {
			return fmt.Errorf("config: crontab entry %d has no command", i)
		}
	}
	for i, cmd := range c.Commands {
		if cmd.Name == "" || cmd.Command == "" {
			return fmt.Errorf("config: command %d needs name and command", i)
		}
	}
	return nil
}
