// Package config loads the daemon configuration through viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. CALLDOC_DEVLINK_ADDRESS.
const EnvPrefix = "CALLDOC"

type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	DevLink     DevLinkConfig     `mapstructure:"devlink"`
	SMDR        SMDRConfig        `mapstructure:"smdr"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Status      StatusConfig      `mapstructure:"status"`
	Log         LogConfig         `mapstructure:"log"`
	Agents      map[string]string `mapstructure:"agents"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// DSN returns the go-sql-driver/mysql data source name.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type DevLinkConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Address          string        `mapstructure:"address"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	EventFlags       string        `mapstructure:"event_flags"`
	LivenessProbe    bool          `mapstructure:"liveness_probe"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReconnectMin     time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

type SMDRConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Mode is "listen" (the PBX connects to us) or "dial"
	Mode     string `mapstructure:"mode"`
	Address  string `mapstructure:"address"`
	Location string `mapstructure:"location"`
}

type CorrelationConfig struct {
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SweepBatch       int           `mapstructure:"sweep_batch"`
	MatchWindow      time.Duration `mapstructure:"match_window"`
	RequireExtension bool          `mapstructure:"require_extension"`
	Mailbox          int           `mapstructure:"mailbox"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	CallTopic    string        `mapstructure:"call_topic"`
	EventsTopic  string        `mapstructure:"events_topic"`
	RecordsTopic string        `mapstructure:"records_topic"`
	GroupID      string        `mapstructure:"group_id"`
	Inbound      bool          `mapstructure:"inbound"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   FileLogConfig `mapstructure:"file"`
}

type FileLogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "calldoc")

	v.SetDefault("devlink.enabled", true)
	v.SetDefault("devlink.address", "localhost:50797")
	v.SetDefault("devlink.username", "devlink")
	v.SetDefault("devlink.password", "")
	v.SetDefault("devlink.event_flags", "-CallDelta3 -CMExtn")
	v.SetDefault("devlink.liveness_probe", true)
	v.SetDefault("devlink.probe_interval", 30*time.Second)
	v.SetDefault("devlink.probe_timeout", 10*time.Second)
	v.SetDefault("devlink.handshake_timeout", 10*time.Second)
	v.SetDefault("devlink.reconnect_min", time.Second)
	v.SetDefault("devlink.reconnect_max", time.Minute)

	v.SetDefault("smdr.enabled", true)
	v.SetDefault("smdr.mode", "listen")
	v.SetDefault("smdr.address", ":4000")
	v.SetDefault("smdr.location", "Local")

	v.SetDefault("correlation.stale_after", 10*time.Minute)
	v.SetDefault("correlation.sweep_interval", 30*time.Second)
	v.SetDefault("correlation.sweep_batch", 500)
	v.SetDefault("correlation.match_window", 5*time.Second)
	v.SetDefault("correlation.require_extension", true)
	v.SetDefault("correlation.mailbox", 64)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.call_topic", "calldoc.calls")
	v.SetDefault("kafka.events_topic", "calldoc.events")
	v.SetDefault("kafka.records_topic", "calldoc.records")
	v.SetDefault("kafka.group_id", "calldoc-correlator")
	v.SetDefault("kafka.inbound", false)
	v.SetDefault("kafka.batch_timeout", 100*time.Millisecond)

	v.SetDefault("status.listen", "127.0.0.1:8089")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

// Load reads the configuration file at path (optional) plus environment
// overrides. A missing file is not an error; the returned bool reports
// whether a file was read.
func Load(path string) (*Config, bool, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := false
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isNotExist(err) {
				return nil, false, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else {
			fromFile = true
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, fromFile, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fromFile, err
	}
	return cfg, fromFile, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	return &cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.DevLink.Enabled && c.DevLink.Address == "" {
		errs = append(errs, errors.New("devlink.address is required when devlink is enabled"))
	}
	if c.DevLink.ReconnectMin <= 0 || c.DevLink.ReconnectMax < c.DevLink.ReconnectMin {
		errs = append(errs, errors.New("devlink.reconnect_min must be positive and not exceed reconnect_max"))
	}
	if c.SMDR.Enabled {
		if c.SMDR.Mode != "listen" && c.SMDR.Mode != "dial" {
			errs = append(errs, fmt.Errorf("smdr.mode must be listen or dial, got %q", c.SMDR.Mode))
		}
		if c.SMDR.Address == "" {
			errs = append(errs, errors.New("smdr.address is required when smdr is enabled"))
		}
		if _, err := time.LoadLocation(c.SMDR.Location); err != nil {
			errs = append(errs, fmt.Errorf("smdr.location: %w", err))
		}
	}
	if c.Correlation.StaleAfter <= 0 {
		errs = append(errs, errors.New("correlation.stale_after must be positive"))
	}
	if c.Correlation.SweepInterval <= 0 {
		errs = append(errs, errors.New("correlation.sweep_interval must be positive"))
	} else if c.Correlation.SweepInterval > c.Correlation.StaleAfter {
		errs = append(errs, errors.New("correlation.sweep_interval must not exceed correlation.stale_after"))
	}
	if c.Correlation.MatchWindow < 0 {
		errs = append(errs, errors.New("correlation.match_window must not be negative"))
	}
	if c.Kafka.Inbound && !c.Kafka.Enabled() {
		errs = append(errs, errors.New("kafka.inbound requires kafka.brokers"))
	}

	return errors.Join(errs...)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
