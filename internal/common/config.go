package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Dispatcher DispatcherConfig
	Reclaimer  ReclaimerConfig
	Download   DownloadConfig
	Webhook    WebhookConfig
	LLM        LLMConfig
	Ingest     IngestConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP and health listener configuration
type ServerConfig struct {
	HTTPAddr       string
	HealthGRPCAddr string
	APIPrefix      string
	CORSOrigins    []string
}

type DispatcherConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

type ReclaimerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type DownloadConfig struct {
	Timeout time.Duration
	MaxMB   int
}

type WebhookConfig struct {
	Timeout time.Duration
}

// LLMConfig holds extraction client configuration
type LLMConfig struct {
	Extractor         string // openai | stub
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float32
	Timeout           time.Duration
	RequestsPerMinute int
	Lenient           bool
	PDFToText         string // pdftotext binary for local full text; "off" disables
}

type IngestConfig struct {
	WatchDir string
	Debounce time.Duration
}

// LoadConfig loads configuration from a local .env file (if any) and environment variables
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:       getEnv("HTTP_ADDR", ":8000"),
			HealthGRPCAddr: getEnv("HEALTH_GRPC_ADDR", ":8081"),
			APIPrefix:      getEnv("API_PREFIX", "/api/v1"),
			CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"*"}),
		},
		Dispatcher: DispatcherConfig{
			Workers:    getEnvAsInt("WORKERS", 4),
			QueueSize:  getEnvAsInt("QUEUE_SIZE", 256),
			JobTimeout: getEnvAsDuration("JOB_TIMEOUT", 10*time.Minute),
		},
		Reclaimer: ReclaimerConfig{
			Interval: getEnvAsDuration("RECLAIM_INTERVAL", 5*time.Minute),
			Timeout:  getEnvAsDuration("RECLAIM_TIMEOUT", 30*time.Minute),
		},
		Download: DownloadConfig{
			Timeout: getEnvAsDuration("DOWNLOAD_TIMEOUT", 30*time.Second),
			MaxMB:   getEnvAsInt("DOWNLOAD_MAX_MB", 50),
		},
		Webhook: WebhookConfig{
			Timeout: getEnvAsDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Extractor:         getEnv("EXTRACTOR", "openai"),
			Model:             getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:            getEnv("OPENAI_API_KEY", ""),
			BaseURL:           getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Temperature:       getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:           getEnvAsDuration("OPENAI_TIMEOUT", 2*time.Minute),
			RequestsPerMinute: getEnvAsInt("OPENAI_RPM", 60),
			Lenient:           getEnvAsBool("OPENAI_LENIENT", true),
			PDFToText:         getEnv("PDFTOTEXT", "pdftotext"),
		},
		Ingest: IngestConfig{
			WatchDir: os.Getenv("WATCH_DIR"),
			Debounce: getEnvAsDuration("WATCH_DEBOUNCE", 500*time.Millisecond),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.LLM.Extractor == "openai" && c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.LLM.Extractor != "openai" && c.LLM.Extractor != "stub" {
		return NewAppError("CONFIG_ERROR", "EXTRACTOR must be openai or stub", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Dispatcher.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKERS must be positive", ErrInvalidInput)
	}
	if c.Reclaimer.Timeout <= 0 {
		return NewAppError("CONFIG_ERROR", "RECLAIM_TIMEOUT must be positive", ErrInvalidInput)
	}
	return nil
}
