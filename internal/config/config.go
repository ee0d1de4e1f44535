package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting services.
type Config struct {
	ListenAddr    string
	AdminUsername string
	AdminPassword string

	MySQLDSN string

	GeminiAPIKey  string
	GeminiBaseURL string

	CustomerAPIKey     string
	CustomerAPIBaseURL string

	PaymentWebhookSecret    string
	PaymentWebhookTolerance time.Duration
	AppBaseURL              string

	IdentityVerifyURL string

	ReceiptSecret string

	FreeImageCredits int
	FreeVideoCredits int

	PreviewDailyLimit    int
	FreeTierMaxDimension int

	VideoPollInterval time.Duration
	VideoMaxWait      time.Duration
	RequestTimeout    time.Duration

	CatalogPath         string
	WatermarkLogoPath   string
	ReferenceImagePaths []string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:              getEnv("LISTEN_ADDR", ":8080"),
		AdminUsername:           getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:           getEnv("ADMIN_PASSWORD", "change-me"),
		GeminiBaseURL:           getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		CustomerAPIBaseURL:      getEnv("CUSTOMER_API_BASE_URL", "https://api.stripe.com"),
		PaymentWebhookTolerance: time.Second * time.Duration(getInt("PAYMENT_WEBHOOK_TOLERANCE_SECONDS", 300)),
		AppBaseURL:              getEnv("APP_BASE_URL", "http://localhost:3000"),
		FreeImageCredits:        getInt("FREE_IMAGE_CREDITS", 5),
		FreeVideoCredits:        getInt("FREE_VIDEO_CREDITS", 2),
		PreviewDailyLimit:       getInt("PREVIEW_DAILY_LIMIT", 1),
		FreeTierMaxDimension:    getInt("FREE_TIER_MAX_DIMENSION", 768),
		VideoPollInterval:       time.Second * time.Duration(getInt("VIDEO_POLL_INTERVAL_SECONDS", 10)),
		VideoMaxWait:            time.Second * time.Duration(getInt("VIDEO_MAX_WAIT_SECONDS", 300)),
		RequestTimeout:          time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		CatalogPath:             getEnv("CATALOG_PATH", ""),
		WatermarkLogoPath:       getEnv("WATERMARK_LOGO_PATH", ""),
		ReferenceImagePaths:     splitList(getEnv("REFERENCE_IMAGE_PATHS", "")),
		S3Endpoint:              getEnv("S3_ENDPOINT", ""),
		S3Region:                os.Getenv("S3_REGION"),
		S3AccessKey:             os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:             os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:         os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:          getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                getEnv("S3_PREFIX", "outputs"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.CustomerAPIKey = os.Getenv("CUSTOMER_API_KEY")
	cfg.PaymentWebhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")
	cfg.IdentityVerifyURL = os.Getenv("IDENTITY_VERIFY_URL")
	cfg.ReceiptSecret = os.Getenv("RECEIPT_SECRET")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if cfg.CustomerAPIKey == "" {
		missing = append(missing, "CUSTOMER_API_KEY")
	}
	if cfg.PaymentWebhookSecret == "" {
		missing = append(missing, "PAYMENT_WEBHOOK_SECRET")
	}
	if cfg.IdentityVerifyURL == "" {
		missing = append(missing, "IDENTITY_VERIFY_URL")
	}
	if cfg.ReceiptSecret == "" {
		missing = append(missing, "RECEIPT_SECRET")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
	// No env file is fine; run off the process environment.
	return nil
}
