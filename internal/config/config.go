package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort     = 8080
	defaultDataDir  = "data"
	defaultDatabase = "fiscalsync.db"

	envPrefix = "FISCALSYNC_"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port      int             `yaml:"port" validate:"min=1,max=65535"`
	DataDir   string          `yaml:"data_dir" validate:"required"`
	Database  string          `yaml:"database" validate:"required"`
	SecretKey string          `yaml:"secret_key"`
	KeepAwake bool            `yaml:"keep_awake"`
	Log       LogConfig       `yaml:"log"`
	Remote    RemoteConfig    `yaml:"remote"`
	Provider  ProviderConfig  `yaml:"provider"`
	Auth      AuthConfig      `yaml:"auth"`
	Retry     RetryConfig     `yaml:"retry"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=trace debug info warn error"`
	// File, when set, receives JSON logs next to the console output.
	File string `yaml:"file"`
}

type RemoteConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	Origin            string        `yaml:"origin"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=1"`
}

type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey    string        `yaml:"api_key"`
	BatchSize int           `yaml:"batch_size" validate:"min=1,max=1000"`
	OutputDir string        `yaml:"output_dir"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
}

type AuthConfig struct {
	TokenLifetime  time.Duration `yaml:"token_lifetime" validate:"gt=0"`
	RefreshMargin  time.Duration `yaml:"refresh_margin" validate:"gte=0,ltfield=TokenLifetime"`
	SignInAttempts int           `yaml:"sign_in_attempts" validate:"min=1,max=10"`
	SignInDelay    time.Duration `yaml:"sign_in_delay" validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=1,max=20"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
}

type JobsConfig struct {
	PausePollInterval time.Duration `yaml:"pause_poll_interval" validate:"gt=0"`
	ResumeLimit       int           `yaml:"resume_limit" validate:"gte=0"`
	TempDir           string        `yaml:"temp_dir"`
}

type DiscoveryConfig struct {
	DocumentExtensions    []string `yaml:"document_extensions" validate:"min=1"`
	CertificateExtensions []string `yaml:"certificate_extensions" validate:"min=1"`
}

// Default returns a configuration that runs against a local upload service.
func Default() Config {
	return Config{
		Port:     defaultPort,
		DataDir:  defaultDataDir,
		Database: defaultDatabase,
		Log:      LogConfig{Level: "info"},
		Remote: RemoteConfig{
			BaseURL:           "http://localhost:9000/api",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Provider: ProviderConfig{
			BatchSize: 50,
			OutputDir: filepath.Join(defaultDataDir, "downloads"),
			Timeout:   60 * time.Second,
		},
		Auth: AuthConfig{
			TokenLifetime:  time.Hour,
			RefreshMargin:  5 * time.Minute,
			SignInAttempts: 3,
			SignInDelay:    2 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
		},
		Jobs: JobsConfig{
			PausePollInterval: time.Second,
			ResumeLimit:       1,
		},
		Discovery: DiscoveryConfig{
			DocumentExtensions:    []string{".xml", ".pdf", ".txt", ".zip"},
			CertificateExtensions: []string{".pfx"},
		},
	}
}

// Load reads YAML config from the provided path over Default, applies
// FISCALSYNC_* environment overrides and validates the result. A missing or
// empty file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func Validate(cfg Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DatabasePath resolves the database file inside the data dir unless absolute.
func (c Config) DatabasePath() string {
	if filepath.IsAbs(c.Database) {
		return c.Database
	}
	return filepath.Join(c.DataDir, c.Database)
}

// TempDir is where archives are extracted.
func (c Config) TempDir() string {
	if c.Jobs.TempDir != "" {
		return c.Jobs.TempDir
	}
	return filepath.Join(c.DataDir, "tmp")
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SECRET_KEY":        &cfg.SecretKey,
		"DATA_DIR":          &cfg.DataDir,
		"LOG_LEVEL":         &cfg.Log.Level,
		"REMOTE_BASE_URL":   &cfg.Remote.BaseURL,
		"PROVIDER_BASE_URL": &cfg.Provider.BaseURL,
		"PROVIDER_API_KEY":  &cfg.Provider.APIKey,
	}
	for name, dst := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	if v, ok := lookup(envPrefix + "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sPORT: %w", envPrefix, err)
		}
		cfg.Port = port
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Discovery.DocumentExtensions = normalizeExtensions(cfg.Discovery.DocumentExtensions)
	cfg.Discovery.CertificateExtensions = normalizeExtensions(cfg.Discovery.CertificateExtensions)
}

func normalizeExtensions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
