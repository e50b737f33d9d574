package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendKIE    = "kie"
	BackendGemini = "gemini"
)

// Store backends. Memory keeps balances and payments in process and is
// meant for local runs only.
const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken                     string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	StoreBackend                 string        `envconfig:"STORE_BACKEND" default:"mysql"`
	MySQLDSN                     string        `envconfig:"MYSQL_DSN"`
	LogLevel                     string        `envconfig:"LOG_LEVEL" default:"info"`
	GenerationBackend            string        `envconfig:"GENERATION_BACKEND" default:"kie"`
	KIEAPIKey                    string        `envconfig:"KIE_API_KEY"`
	KIEBaseURL                   string        `envconfig:"KIE_BASE_URL" default:"https://api.kie.ai"`
	KIEModel                     string        `envconfig:"KIE_MODEL" default:"ip-adapter-faceid-sdxl"`
	GeminiAPIKey                 string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel                  string        `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash-image"`
	GenerationTimeout            time.Duration `envconfig:"GENERATION_TIMEOUT" default:"120s"`
	RequestTimeout               time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s"`
	MaxConcurrentUpdates         int64         `envconfig:"MAX_CONCURRENT_UPDATES" default:"16"`
	MaxConcurrentGenerations     int64         `envconfig:"MAX_CONCURRENT_GENERATIONS" default:"8"`
	CatalogPath                  string        `envconfig:"CATALOG_PATH"`
	WatermarkText                string        `envconfig:"WATERMARK_TEXT" default:"PREVIEW @lumifyaibot"`
	PrivacyPolicyURL             string        `envconfig:"PRIVACY_POLICY_URL" default:"https://telegra.ph/Politika-konfidencialnosti-12-06-68"`
	TelegramPaymentProviderToken string        `envconfig:"TELEGRAM_PAYMENT_PROVIDER_TOKEN"`
	PaymentCurrency              string        `envconfig:"PAYMENT_CURRENCY" default:"RUB"`
	AdminListenAddr              string        `envconfig:"ADMIN_LISTEN_ADDR" default:":8080"`
	AdminUsername                string        `envconfig:"ADMIN_USERNAME" default:"admin"`
	AdminPassword                string        `envconfig:"ADMIN_PASSWORD" default:"change-me"`
	S3Endpoint                   string        `envconfig:"S3_ENDPOINT"`
	S3Region                     string        `envconfig:"S3_REGION"`
	S3AccessKey                  string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey                  string        `envconfig:"S3_SECRET_KEY"`
	S3Bucket                     string        `envconfig:"S3_BUCKET"`
	S3PublicBaseURL              string        `envconfig:"S3_PUBLIC_BASE_URL"`
	S3UsePathStyle               bool          `envconfig:"S3_USE_PATH_STYLE" default:"false"`
	S3Prefix                     string        `envconfig:"S3_PREFIX" default:"uploads"`
}

// Load reads configuration from the environment, applying defaults. An env
// file is optional; when present it overrides the process environment.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase reads only what the database-facing CLI commands need.
func LoadDatabase() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	cfg.normalize()
	if cfg.MySQLDSN == "" {
		return Config{}, fmt.Errorf("missing required environment variables: [MYSQL_DSN]")
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.GenerationBackend = strings.ToLower(strings.TrimSpace(c.GenerationBackend))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.KIEBaseURL = normalizeKIEBaseURL(c.KIEBaseURL, "https://api.kie.ai")
	c.PaymentCurrency = strings.ToUpper(strings.TrimSpace(c.PaymentCurrency))
	if c.MaxConcurrentUpdates < 1 {
		c.MaxConcurrentUpdates = 1
	}
	if c.MaxConcurrentGenerations < 1 {
		c.MaxConcurrentGenerations = 1
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 120 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

// Validate reports every missing required variable at once.
func (c Config) Validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	switch c.StoreBackend {
	case StoreMySQL:
		if c.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported store backend: %q", c.StoreBackend)
	}
	switch c.GenerationBackend {
	case BackendKIE:
		if c.KIEAPIKey == "" {
			missing = append(missing, "KIE_API_KEY")
		}
	case BackendGemini:
		if c.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported generation backend: %q", c.GenerationBackend)
	}
	if c.TelegramPaymentProviderToken == "" {
		missing = append(missing, "TELEGRAM_PAYMENT_PROVIDER_TOKEN")
	}
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// normalizeKIEBaseURL ensures we always hit the API host. The root kie.ai
// domain serves HTML instead of JSON.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
