package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatsync/cmd/internal/transport"
)

// Config is the runtime configuration. Sources, lowest precedence first:
// DefaultConfig, the YAML file, CHATSYNC_* environment variables, CLI flags.
type Config struct {
	Endpoint string `yaml:"endpoint"`
	SockJS   bool   `yaml:"sockjs"`
	Debug    bool   `yaml:"debug"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Token is a raw bearer token; TokenFile is watched and reloaded on change.
	// TokenFile wins when both are set.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	SelfEmail string `yaml:"self_email"`

	APIBaseURL string        `yaml:"api_base_url"`
	APITimeout time.Duration `yaml:"api_timeout"`

	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	HeartBeat            time.Duration `yaml:"heart_beat"`

	DatabaseURL string `yaml:"database_url"`
	DBSchema    string `yaml:"db_schema"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	// MetricsAddr enables /metrics, /healthz and /readyz when non-empty.
	MetricsAddr       string        `yaml:"metrics_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:             "info",
		LogFormat:            "json",
		APITimeout:           15 * time.Second,
		ReconnectBase:        5 * time.Second,
		MaxReconnectAttempts: 10,
		DialTimeout:          10 * time.Second,
		DBSchema:             "chatsync",
		DBMaxConns:           4,
		NATSSubjectPrefix:    "chatsync.conversation",
		ReadHeaderTimeout:    5 * time.Second,
	}
}

// LoadConfig builds a Config from defaults, the optional YAML file at path and
// the environment. A missing file is not an error. The result is not
// validated; callers apply flag overrides first and then call Validate.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Endpoint = EnvString(EnvPrefix+"ENDPOINT", c.Endpoint)
	c.SockJS = EnvBool(EnvPrefix+"SOCKJS", c.SockJS)
	c.Debug = EnvBool(EnvPrefix+"DEBUG", c.Debug)

	c.LogLevel = EnvString(EnvPrefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvString(EnvPrefix+"LOG_FORMAT", c.LogFormat)

	c.Token = EnvString(EnvPrefix+"TOKEN", c.Token)
	c.TokenFile = EnvString(EnvPrefix+"TOKEN_FILE", c.TokenFile)
	c.SelfEmail = EnvString(EnvPrefix+"SELF_EMAIL", c.SelfEmail)

	c.APIBaseURL = EnvString(EnvPrefix+"API_BASE_URL", c.APIBaseURL)
	c.APITimeout = EnvDuration(EnvPrefix+"API_TIMEOUT", c.APITimeout)

	c.ReconnectBase = EnvDuration(EnvPrefix+"RECONNECT_BASE", c.ReconnectBase)
	c.MaxReconnectAttempts = EnvInt(EnvPrefix+"MAX_RECONNECT_ATTEMPTS", c.MaxReconnectAttempts)
	c.DialTimeout = EnvDuration(EnvPrefix+"DIAL_TIMEOUT", c.DialTimeout)
	c.HeartBeat = EnvDuration(EnvPrefix+"HEART_BEAT", c.HeartBeat)

	c.DatabaseURL = EnvString(EnvPrefix+"DATABASE_URL", c.DatabaseURL)
	c.DBSchema = EnvString(EnvPrefix+"DB_SCHEMA", c.DBSchema)
	c.DBMaxConns = EnvInt32(EnvPrefix+"DB_MAX_CONNS", c.DBMaxConns)
	c.DBMinConns = EnvInt32(EnvPrefix+"DB_MIN_CONNS", c.DBMinConns)

	c.NATSURL = EnvString(EnvPrefix+"NATS_URL", c.NATSURL)
	c.NATSSubjectPrefix = EnvString(EnvPrefix+"NATS_SUBJECT_PREFIX", c.NATSSubjectPrefix)

	c.MetricsAddr = EnvString(EnvPrefix+"METRICS_ADDR", c.MetricsAddr)
	c.ReadHeaderTimeout = EnvDuration(EnvPrefix+"READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
}

// APIBase returns APIBaseURL, or the origin of Endpoint when it is unset.
func (c Config) APIBase() string {
	if c.APIBaseURL != "" {
		return c.APIBaseURL
	}
	return transport.Origin(c.Endpoint)
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if _, err := transport.ResolveURL(c.Endpoint, c.SockJS); err != nil {
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want json or pretty", c.LogFormat))
	}

	if c.ReconnectBase <= 0 {
		errs = append(errs, errors.New("reconnect_base must be positive"))
	}
	if c.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must be positive"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("db_min_conns %d exceeds db_max_conns %d", c.DBMinConns, c.DBMaxConns))
	}

	return errors.Join(errs...)
}
