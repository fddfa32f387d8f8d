package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"medicine-scanner/internal/profile"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	AI        AIConfig
	Voice     VoiceConfig
	Telegram  TelegramConfig
	Reminders ReminderConfig
	Log       LogConfig

	envFileErr error
}

type ServerConfig struct {
	Port               string
	CORSAllowedOrigins []string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// StoreConfig selects the durable key-value backend for profiles.
type StoreConfig struct {
	Backend       string // file, redis, postgres
	Path          string
	DatabaseURL   string
	MigrationsDir string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type AIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	ScanTimeout time.Duration
	// ProbeAddr is dialed before every scan; derived from BaseURL when empty.
	ProbeAddr    string
	ProbeTimeout time.Duration
}

type VoiceConfig struct {
	ElevenLabsAPIKey string
	STTURL           string
}

type TelegramConfig struct {
	BotToken        string
	CaregiverChatID int64
}

type ReminderConfig struct {
	Enabled     bool
	DefaultTime string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from the environment, reading .env first when present.
func Load() (*Config, error) {
	envErr := godotenv.Load(".env")
	if os.IsNotExist(envErr) {
		envErr = nil
	}

	cfg := &Config{
		envFileErr: envErr,
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			CORSAllowedOrigins: getStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ReadTimeout:        getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:       getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", "file")),
			Path:          getEnv("STORE_PATH", "~/.medicine-scanner"),
			DatabaseURL:   getEnv("DATABASE_URL", ""),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "file://migrations"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getIntEnv("REDIS_DB", 0),
		},
		AI: AIConfig{
			APIKey:       getEnv("AI_API_KEY", ""),
			BaseURL:      strings.TrimRight(getEnv("AI_BASE_URL", "https://api.openai.com/v1"), "/"),
			Model:        getEnv("AI_MODEL", "gpt-4o-mini"),
			Timeout:      getDurationEnv("AI_TIMEOUT", 60*time.Second),
			ScanTimeout:  getDurationEnv("SCAN_TIMEOUT", 0),
			ProbeAddr:    getEnv("PROBE_ADDR", ""),
			ProbeTimeout: getDurationEnv("PROBE_TIMEOUT", 2*time.Second),
		},
		Voice: VoiceConfig{
			ElevenLabsAPIKey: getEnv("ELEVENLABS_API_KEY", ""),
			STTURL:           getEnv("STT_URL", "http://tts:8000/transcribe"),
		},
		Telegram: TelegramConfig{
			BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
			CaregiverChatID: getInt64Env("CAREGIVER_CHAT_ID", 0),
		},
		Reminders: ReminderConfig{
			Enabled:     getBoolEnv("REMINDERS_ENABLED", true),
			DefaultTime: getEnv("DEFAULT_REMINDER_TIME", "08:00"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks required configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "redis":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	if !profile.ValidTimeOfDay(c.Reminders.DefaultTime) {
		return fmt.Errorf("DEFAULT_REMINDER_TIME must be HH:MM, got %q", c.Reminders.DefaultTime)
	}
	return nil
}

// Warnings lists optional features left unconfigured, for the caller to log.
func (c *Config) Warnings() []string {
	var out []string
	if c.envFileErr != nil {
		out = append(out, fmt.Sprintf("could not read .env: %v", c.envFileErr))
	}
	if c.AI.APIKey == "" {
		out = append(out, "AI_API_KEY is not set, scans will fail at the gateway")
	}
	if !c.IsTelegramConfigured() {
		out = append(out, "TELEGRAM_BOT_TOKEN or CAREGIVER_CHAT_ID not set, reminders and reports will not be delivered")
	}
	return out
}

// IsTelegramConfigured reports whether reminder and report delivery can work.
func (c *Config) IsTelegramConfigured() bool {
	return c.Telegram.BotToken != "" && c.Telegram.CaregiverChatID != 0
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var parts []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return defaultValue
	}
	return parts
}
