// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail forwarder.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxAttachmentSize is 16 MB in bytes.
const defaultMaxAttachmentSize = 16777216

// DefaultSubjectKeywords are matched against the subject when no keyword
// list is configured.
var DefaultSubjectKeywords = []string{
	"NOTIFICATION", "ALERT", "URGENT", "SYSTEM", "BACKUP", "ERROR", "WARNING",
}

// Config holds the complete application configuration.
type Config struct {
	IMAP        IMAPConfig       `yaml:"imap"`
	Forward     ForwardConfig    `yaml:"forward"`
	Attachments AttachmentConfig `yaml:"attachments"`
	// Transport selects the outbound transport: auto, evolution, ses,
	// msgraph, smtp or stdout.
	Transport string          `yaml:"transport"`
	Evolution EvolutionConfig `yaml:"evolution"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	SMTPRelay SMTPRelayConfig `yaml:"smtp_relay"`
	Chat      ChatConfig      `yaml:"chat"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IMAPConfig holds the watched mailbox settings.
type IMAPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Folder             string        `yaml:"folder"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// Addr returns the host:port pair to dial.
func (c IMAPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ForwardConfig holds the eligibility lists and summary formatting options.
type ForwardConfig struct {
	Target               string   `yaml:"target"`
	AllowedSenders       []string `yaml:"allowed_senders"`
	SubjectKeywords      []string `yaml:"subject_keywords"`
	BodyLimit            int      `yaml:"body_limit"`
	AlwaysMarkTruncation bool     `yaml:"always_mark_truncation"`
}

// AttachmentConfig holds the staging policy. An empty SupportedTypes list
// means the stager's built-in allowlist.
type AttachmentConfig struct {
	MaxSize         int64         `yaml:"max_size"`
	TempDir         string        `yaml:"temp_dir"`
	SupportedTypes  []string      `yaml:"supported_types"`
	CleanupFallback time.Duration `yaml:"cleanup_fallback"`
}

// EvolutionConfig holds the WhatsApp gateway settings.
type EvolutionConfig struct {
	APIURL   string `yaml:"api_url"`
	APIKey   string `yaml:"api_key"`
	Instance string `yaml:"instance"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SMTPRelayConfig holds the outbound SMTP relay settings.
type SMTPRelayConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender"`
	TLS      bool   `yaml:"tls"`
}

// ChatConfig holds the chat-completion settings used for inbound replies.
type ChatConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	HistorySize int    `yaml:"history_size"`
}

// InboundConfig holds the webhook server settings.
type InboundConfig struct {
	Enabled bool             `yaml:"enabled"`
	Listen  string           `yaml:"listen"`
	APIKey  string           `yaml:"api_key"`
	TLS     InboundTLSConfig `yaml:"tls"`
}

// InboundTLSConfig holds TLS certificate file paths for the webhook server.
type InboundTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports every missing setting the mail pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.IMAP.Username == "" || c.IMAP.Password == "" {
		errs = append(errs, errors.New("IMAP_USERNAME and IMAP_PASSWORD are required"))
	}
	if c.Forward.Target == "" {
		errs = append(errs, errors.New("FORWARD_TARGET is required"))
	}
	if len(c.Forward.AllowedSenders) == 0 {
		errs = append(errs, errors.New("FORWARD_ALLOWED_SENDERS must list at least one sender"))
	}
	if c.Attachments.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("attachment max size must be positive, got %d", c.Attachments.MaxSize))
	}
	if c.Inbound.Enabled && c.Inbound.APIKey == "" {
		errs = append(errs, errors.New("INBOUND_API_KEY is required when the inbound server is enabled"))
	}
	return errors.Join(errs...)
}

// EvolutionConfigured returns true if the gateway URL, key and instance are set.
func (c *Config) EvolutionConfigured() bool {
	return c.Evolution.APIURL != "" &&
		c.Evolution.APIKey != "" &&
		c.Evolution.Instance != ""
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if all required Graph API settings are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SMTPRelayConfigured returns true if the relay address and sender are set.
func (c *Config) SMTPRelayConfigured() bool {
	return c.SMTPRelay.Addr != "" && c.SMTPRelay.Sender != ""
}

// ChatConfigured returns true if a chat-completion API key is set.
func (c *Config) ChatConfigured() bool {
	return c.Chat.APIKey != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.IMAP.Host = "imap.gmail.com"
	c.IMAP.Port = 993
	c.IMAP.Folder = "INBOX"
	c.IMAP.TLS = true
	c.IMAP.PollInterval = time.Minute

	c.Forward.SubjectKeywords = append([]string(nil), DefaultSubjectKeywords...)
	c.Forward.BodyLimit = 500
	c.Forward.AlwaysMarkTruncation = true

	c.Attachments.MaxSize = defaultMaxAttachmentSize
	c.Attachments.TempDir = "temp/attachments"
	c.Attachments.CleanupFallback = 5 * time.Second

	c.Transport = "auto"

	c.Chat.BaseURL = "https://api.openai.com/v1"
	c.Chat.Model = "gpt-3.5-turbo"
	c.Chat.HistorySize = 10

	c.Inbound.Listen = ":8085"

	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.IMAP.Host, "IMAP_HOST")
	setInt(&c.IMAP.Port, "IMAP_PORT")
	setString(&c.IMAP.Username, "IMAP_USERNAME")
	setString(&c.IMAP.Password, "IMAP_PASSWORD")
	setString(&c.IMAP.Folder, "IMAP_FOLDER")
	setBool(&c.IMAP.TLS, "IMAP_TLS")
	setBool(&c.IMAP.InsecureSkipVerify, "IMAP_INSECURE_SKIP_VERIFY")
	setDuration(&c.IMAP.PollInterval, "IMAP_POLL_INTERVAL")

	setString(&c.Forward.Target, "FORWARD_TARGET")
	setList(&c.Forward.AllowedSenders, "FORWARD_ALLOWED_SENDERS")
	setList(&c.Forward.SubjectKeywords, "FORWARD_SUBJECT_KEYWORDS")
	setInt(&c.Forward.BodyLimit, "FORWARD_BODY_LIMIT")
	setBool(&c.Forward.AlwaysMarkTruncation, "FORWARD_ALWAYS_MARK_TRUNCATION")

	if v := os.Getenv("ATTACHMENT_MAX_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Attachments.MaxSize = size
		}
	}
	setString(&c.Attachments.TempDir, "ATTACHMENT_TEMP_DIR")
	setList(&c.Attachments.SupportedTypes, "ATTACHMENT_SUPPORTED_TYPES")
	setDuration(&c.Attachments.CleanupFallback, "ATTACHMENT_CLEANUP_FALLBACK")

	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}

	setString(&c.Evolution.APIURL, "EVOLUTION_API_URL")
	setString(&c.Evolution.APIKey, "EVOLUTION_API_KEY")
	setString(&c.Evolution.Instance, "EVOLUTION_INSTANCE")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.SMTPRelay.Addr, "RELAY_SMTP_ADDR")
	setString(&c.SMTPRelay.Username, "RELAY_SMTP_USERNAME")
	setString(&c.SMTPRelay.Password, "RELAY_SMTP_PASSWORD")
	setString(&c.SMTPRelay.Sender, "RELAY_SMTP_SENDER")
	setBool(&c.SMTPRelay.TLS, "RELAY_SMTP_TLS")

	setString(&c.Chat.APIKey, "OPENAI_API_KEY")
	setString(&c.Chat.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Chat.Model, "OPENAI_MODEL")
	setInt(&c.Chat.HistorySize, "CHAT_HISTORY_SIZE")

	setBool(&c.Inbound.Enabled, "INBOUND_ENABLED")
	setString(&c.Inbound.Listen, "INBOUND_LISTEN")
	setString(&c.Inbound.APIKey, "INBOUND_API_KEY")
	setBool(&c.Inbound.TLS.Enabled, "INBOUND_TLS")
	setString(&c.Inbound.TLS.CertFile, "INBOUND_TLS_CERT_FILE")
	setString(&c.Inbound.TLS.KeyFile, "INBOUND_TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setList splits a comma-separated value, dropping blank entries.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
