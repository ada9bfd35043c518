// Package config reads the service configuration from the environment. A .env file in the working
// directory is loaded by cmd/main.go before Load runs.
package config

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port      string
	PublicURL string
	DataDir   string
	DBPath    string
	UploadDir string

	LogLevel string
	LogFile  string

	LLMProvider string
	LLMAPIKey   string
	LLMModel    string
	LLMBaseURL  string

	ImageAPIURL string
	ImageAPIKey string
	ImageModel  string
	PollTimeout time.Duration

	S3 S3Config

	RedisURL string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Enabled reports whether object storage is configured.
func (s S3Config) Enabled() bool { return s.Endpoint != "" && s.Bucket != "" }

func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	dataDir := getEnv("DATA_DIR", "data")

	cfg := &Config{
		Port:      port,
		PublicURL: strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:"+port), "/"),
		DataDir:   dataDir,
		DBPath:    getEnv("DB_PATH", filepath.Join(dataDir, "storyboard.db")),
		UploadDir: getEnv("UPLOAD_DIR", filepath.Join(dataDir, "uploads")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),

		LLMProvider: strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMModel:    os.Getenv("LLM_MODEL"),
		LLMBaseURL:  os.Getenv("LLM_BASE_URL"),

		ImageAPIURL: os.Getenv("IMAGE_API_URL"),
		ImageAPIKey: os.Getenv("IMAGE_API_KEY"),
		ImageModel:  os.Getenv("IMAGE_MODEL"),

		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    getEnv("S3_BUCKET", "storyboard"),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},

		RedisURL: os.Getenv("REDIS_URL"),
	}

	// Provider specific keys (OPENROUTER_API_KEY, GEMINI_API_KEY, ...) are accepted as well.
	providerKey := strings.ToUpper(cfg.LLMProvider) + "_API_KEY"
	cfg.LLMAPIKey = cmp.Or(os.Getenv("LLM_API_KEY"), os.Getenv(providerKey))
	if cfg.LLMModel == "" {
		cfg.LLMModel = os.Getenv(strings.ToUpper(cfg.LLMProvider) + "_MODEL")
	}

	var err error
	if cfg.S3.UseSSL, err = getEnvBool("S3_USE_SSL", false); err != nil {
		return nil, err
	}
	if cfg.PollTimeout, err = getEnvDuration("POLL_TIMEOUT", 3*time.Minute); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
