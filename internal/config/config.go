// Package config handles configuration loading, validation, and management for forensicseal.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FORENSICSEAL_"

// Config holds the complete configuration shared by sealctl and the watcher.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the custody database and journal.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Sealing defaults applied when a submission does not override them.
	Sealing SealingConfig `toml:"sealing" json:"sealing" yaml:"sealing"`

	// Enrichment configuration for the optional analysis service.
	Enrichment EnrichmentConfig `toml:"enrichment" json:"enrichment" yaml:"enrichment"`

	// Journal configuration for the write-ahead custody journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Export configuration for binder archives.
	Export ExportConfig `toml:"export" json:"export" yaml:"export"`

	// Watch configuration for inbox auto-ingestion.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Signing configuration for custodian signatures.
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`

	mu sync.RWMutex
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// DatabasePath is the SQLite custody database.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// JournalPath is the write-ahead journal file.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`
}

// SealingConfig holds sealing defaults.
type SealingConfig struct {
	// Jurisdiction is an ISO 3166 code, optionally with a subdivision ("ZA", "US-CA").
	Jurisdiction string `toml:"jurisdiction" json:"jurisdiction" yaml:"jurisdiction"`

	// Mode is "full" or "report-only".
	Mode string `toml:"mode" json:"mode" yaml:"mode"`

	// HashSuite is "sha512", "sha3-512" or "blake3-512".
	HashSuite string `toml:"hash_suite" json:"hash_suite" yaml:"hash_suite"`

	// ReportFormat is "md", "html", "txt" or "json".
	ReportFormat string `toml:"report_format" json:"report_format" yaml:"report_format"`

	// AnchorPending marks new bundles as awaiting external timestamping.
	AnchorPending bool `toml:"anchor_pending" json:"anchor_pending" yaml:"anchor_pending"`

	// Concurrency bounds parallel submissions in one session.
	Concurrency int `toml:"concurrency" json:"concurrency" yaml:"concurrency"`
}

// EnrichmentConfig configures the HTTP enricher. An empty endpoint disables it.
type EnrichmentConfig struct {
	Endpoint string   `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	Timeout  Duration `toml:"timeout" json:"timeout" yaml:"timeout"`

	// RatePerSecond limits outgoing requests; zero means unlimited.
	RatePerSecond float64 `toml:"rate_per_second" json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `toml:"burst" json:"burst" yaml:"burst"`

	// ExcerptLimit bounds the text handed to analysis, in bytes.
	ExcerptLimit int `toml:"excerpt_limit" json:"excerpt_limit" yaml:"excerpt_limit"`
}

// JournalConfig configures the journal HMAC key source.
type JournalConfig struct {
	// Enabled turns on the write-ahead journal next to the database.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SecretEnv names the environment variable holding the HMAC secret.
	SecretEnv string `toml:"secret_env" json:"secret_env" yaml:"secret_env"`

	// SecretFile is read when SecretEnv is unset or empty.
	SecretFile string `toml:"secret_file" json:"secret_file" yaml:"secret_file"`
}

// ExportConfig configures binder archive output.
type ExportConfig struct {
	OutputDir string `toml:"output_dir" json:"output_dir" yaml:"output_dir"`

	// Recipients are age X25519 public keys; empty means unencrypted archives.
	Recipients []string `toml:"recipients" json:"recipients" yaml:"recipients"`

	// CompressionLevel is 1 (fastest) to 4 (best).
	CompressionLevel int `toml:"compression_level" json:"compression_level" yaml:"compression_level"`
}

// WatchConfig configures the inbox watcher.
type WatchConfig struct {
	Inbox    string   `toml:"inbox" json:"inbox" yaml:"inbox"`
	Debounce Duration `toml:"debounce" json:"debounce" yaml:"debounce"`

	// ExcludePatterns are glob patterns matched against the base name.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// SigningConfig configures custodian signatures.
type SigningConfig struct {
	// Enabled signs every exported bundle with KeyPath.
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// Duration is a time.Duration that reads and writes as "20s" in every format.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns a configuration rooted at DataDir().
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dir, "custody.db"),
			JournalPath:  filepath.Join(dir, "journal", "custody.wal"),
		},
		Sealing: SealingConfig{
			Jurisdiction: "ZA",
			Mode:         "full",
			HashSuite:    "sha512",
			ReportFormat: "md",
			Concurrency:  4,
		},
		Enrichment: EnrichmentConfig{
			Timeout:       Duration{20 * time.Second},
			RatePerSecond: 2,
			Burst:         4,
			ExcerptLimit:  64 * 1024,
		},
		Journal: JournalConfig{
			Enabled:   true,
			SecretEnv: EnvPrefix + "JOURNAL_SECRET",
			// the secret file is created by sealctl init
			SecretFile: filepath.Join(dir, "journal", "hmac.key"),
		},
		Export: ExportConfig{
			OutputDir:        filepath.Join(dir, "bundles"),
			CompressionLevel: 2,
		},
		Watch: WatchConfig{
			Inbox:           filepath.Join(dir, "inbox"),
			Debounce:        Duration{500 * time.Millisecond},
			ExcludePatterns: DefaultExcludePatterns(),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "forensicseal.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
		},
		Signing: SigningConfig{
			KeyPath: filepath.Join(dir, "custodian_ed25519"),
		},
	}
}

// DataDir returns the base data directory, honoring FORENSICSEAL_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode TOML: unknown key %q", undecoded[0].String())
		}
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	dirs := []string{
		filepath.Dir(c.Storage.DatabasePath),
		c.Export.OutputDir,
		c.Watch.Inbox,
	}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.JournalPath))
	}
	if c.Signing.KeyPath != "" {
		dirs = append(dirs, filepath.Dir(c.Signing.KeyPath))
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	c.mu.RUnlock()

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with FORENSICSEAL_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	str("DB_PATH", &c.Storage.DatabasePath)
	str("JOURNAL_PATH", &c.Storage.JournalPath)
	str("JURISDICTION", &c.Sealing.Jurisdiction)
	str("MODE", &c.Sealing.Mode)
	str("HASH_SUITE", &c.Sealing.HashSuite)
	str("REPORT_FORMAT", &c.Sealing.ReportFormat)
	str("ENRICH_ENDPOINT", &c.Enrichment.Endpoint)
	str("OUTPUT_DIR", &c.Export.OutputDir)
	str("INBOX", &c.Watch.Inbox)
	str("SIGNING_KEY_PATH", &c.Signing.KeyPath)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_PATH", &c.Logging.FilePath)

	if v := os.Getenv(EnvPrefix + "ENRICH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Enrichment.Timeout = Duration{d}
		}
	}
	if v := os.Getenv(EnvPrefix + "RECIPIENTS"); v != "" {
		c.Export.Recipients = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "SIGN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Signing.Enabled = b
		}
	}
}

// JournalSecret resolves the journal HMAC secret from the environment
// variable or the secret file, in that order.
func (c *Config) JournalSecret() ([]byte, error) {
	c.mu.RLock()
	env, file := c.Journal.SecretEnv, c.Journal.SecretFile
	c.mu.RUnlock()

	if env != "" {
		if v := os.Getenv(env); v != "" {
			return []byte(v), nil
		}
	}
	if file == "" {
		return nil, fmt.Errorf("journal secret: neither %s nor secret_file is set", env)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("journal secret: %w", err)
	}
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("journal secret: %s is empty", file)
	}
	return secret, nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Storage:    c.Storage,
		Sealing:    c.Sealing,
		Enrichment: c.Enrichment,
		Journal:    c.Journal,
		Export:     c.Export,
		Watch:      c.Watch,
		Logging:    c.Logging,
		Signing:    c.Signing,
	}
	clone.Export.Recipients = append([]string(nil), c.Export.Recipients...)
	clone.Watch.ExcludePatterns = append([]string(nil), c.Watch.ExcludePatterns...)
	return clone
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
