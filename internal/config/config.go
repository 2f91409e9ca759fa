// Package config loads graphmailer configuration from defaults, an optional
// YAML file, an optional .env file and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shineum/graphmailer/internal/email"
)

// Provider names accepted in the provider setting.
const (
	ProviderGraph  = "msgraph"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

const (
	defaultListen         = ":2525"
	defaultHostname       = "localhost"
	defaultMaxMessageSize = ByteSize(25 * units.MiB)
	defaultChunkSize      = ByteSize(10 * 320 * units.KiB)
	defaultGraphTimeout   = 60 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	Graph    GraphConfig   `yaml:"graph"`
	SES      SESConfig     `yaml:"ses"`
	Relay    RelayConfig   `yaml:"relay"`
	Logging  LoggingConfig `yaml:"logging"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// Sender is used as the from address of messages that have none.
	Sender string `yaml:"sender"`

	BaseURL      string `yaml:"base_url"`
	AuthorityURL string `yaml:"authority_url"`

	ChunkSize         ByteSize      `yaml:"chunk_size"`
	StrictUploads     bool          `yaml:"strict_uploads"`
	CheckCancellation bool          `yaml:"check_cancellation"`
	Timeout           time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration. Empty keys fall back to the default
// AWS credential chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// RelayConfig holds SMTP relay configuration.
type RelayConfig struct {
	Listen         string    `yaml:"listen"`
	Hostname       string    `yaml:"hostname"`
	Username       string    `yaml:"username"`
	Password       string    `yaml:"password"`
	MaxMessageSize ByteSize  `yaml:"max_message_size"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate file paths. With no files set a
// self-signed certificate is generated unless Disabled is true.
type TLSConfig struct {
	Disabled bool   `yaml:"disabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ByteSize is a size in bytes that also accepts human-readable values such as
// "25MB" or "3200KiB". Units are binary.
type ByteSize int64

// ParseByteSize parses a plain byte count or a human-readable size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Graph: GraphConfig{
			ChunkSize: defaultChunkSize,
			Timeout:   defaultGraphTimeout,
		},
		Relay: RelayConfig{
			Listen:         defaultListen,
			Hostname:       defaultHostname,
			MaxMessageSize: defaultMaxMessageSize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. configPath and envPath are optional: an
// empty configPath skips the YAML layer, and a missing envPath is ignored.
// Environment variables always take precedence.
func Load(configPath, envPath string) (*Config, error) {
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}

	cfg := Defaults()

	if configPath != "" {
		fileCfg, err := readFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(fileCfg, cfg); err != nil {
			return nil, fmt.Errorf("failed to merge config defaults: %w", err)
		}
		cfg = *fileCfg
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readFile parses a YAML config file after expanding ${VAR} references.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s does not exist: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the selected provider has what it needs.
func (c *Config) Validate() error {
	switch c.ProviderName() {
	case ProviderGraph:
		if !c.GraphConfigured() {
			return errors.New("msgraph provider requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET")
		}
		if c.Graph.ChunkSize <= 0 {
			return fmt.Errorf("graph chunk_size must be positive, got %d", c.Graph.ChunkSize)
		}
	case ProviderSES:
		if c.SES.Region == "" {
			return errors.New("ses provider requires SES_REGION")
		}
	case ProviderStdout:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay max_message_size must be positive, got %d", c.Relay.MaxMessageSize)
	}
	if (c.Relay.TLS.CertFile == "") != (c.Relay.TLS.KeyFile == "") {
		return errors.New("relay tls cert_file and key_file must be set together")
	}
	return nil
}

// ProviderName resolves the provider setting. When empty the provider is
// auto-detected: Graph if its credentials are set, then SES if a region is
// set, otherwise stdout.
func (c *Config) ProviderName() string {
	switch p := strings.ToLower(c.Provider); p {
	case "graph":
		return ProviderGraph
	case "":
		if c.GraphConfigured() {
			return ProviderGraph
		}
		if c.SES.Region != "" {
			return ProviderSES
		}
		return ProviderStdout
	default:
		return p
	}
}

// GraphConfigured returns true if all three Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// DefaultSender parses Graph.Sender. It returns nil when no sender is set.
func (c *Config) DefaultSender() (*email.Address, error) {
	if strings.TrimSpace(c.Graph.Sender) == "" {
		return nil, nil
	}
	list, err := email.ParseAddressList(c.Graph.Sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", c.Graph.Sender, err)
	}
	if len(list) != 1 {
		return nil, fmt.Errorf("invalid sender %q: want exactly one address", c.Graph.Sender)
	}
	return list[0], nil
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	setString(&c.Provider, "PROVIDER")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")
	setString(&c.Graph.BaseURL, "GRAPH_BASE_URL")
	setString(&c.Graph.AuthorityURL, "GRAPH_AUTHORITY_URL")
	if err := setSize(&c.Graph.ChunkSize, "GRAPH_CHUNK_SIZE"); err != nil {
		return err
	}
	if err := setBool(&c.Graph.StrictUploads, "GRAPH_STRICT_UPLOADS"); err != nil {
		return err
	}
	if err := setBool(&c.Graph.CheckCancellation, "GRAPH_CHECK_CANCELLATION"); err != nil {
		return err
	}
	if v := os.Getenv("GRAPH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid GRAPH_TIMEOUT: %w", err)
		}
		c.Graph.Timeout = d
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	setString(&c.Relay.Listen, "RELAY_LISTEN")
	setString(&c.Relay.Hostname, "RELAY_HOSTNAME")
	setString(&c.Relay.Username, "RELAY_USERNAME")
	setString(&c.Relay.Password, "RELAY_PASSWORD")
	if err := setSize(&c.Relay.MaxMessageSize, "RELAY_MAX_MESSAGE_SIZE"); err != nil {
		return err
	}
	if err := setBool(&c.Relay.TLS.Disabled, "TLS_DISABLED"); err != nil {
		return err
	}
	setString(&c.Relay.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.Relay.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setSize(dst *ByteSize, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	size, err := ParseByteSize(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = size
	return nil
}
