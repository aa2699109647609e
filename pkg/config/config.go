package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	WhatsApp   WhatsAppConfig   `mapstructure:"whatsapp"`
	AI         AIConfig         `mapstructure:"ai"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Automation AutomationConfig `mapstructure:"automation"`
	Business   BusinessConfig   `mapstructure:"business"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	WebhookVerifyToken string        `mapstructure:"webhook_verify_token"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type WhatsAppConfig struct {
	Provider      string       `mapstructure:"provider"`
	APIKey        string       `mapstructure:"api_key"`
	PhoneNumberID string       `mapstructure:"phone_number_id"`
	BaseURL       string       `mapstructure:"base_url"`
	Twilio        TwilioConfig `mapstructure:"twilio"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

type AIConfig struct {
	Provider        string        `mapstructure:"provider"`
	Model           string        `mapstructure:"model"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	SystemPrompt    string        `mapstructure:"system_prompt"`
	Pricing         []PriceConfig `mapstructure:"pricing"`
	DefaultRate     float64       `mapstructure:"default_rate"`
}

// PriceConfig is the estimated cost per 1K tokens for a model (or model prefix).
type PriceConfig struct {
	Model     string  `mapstructure:"model"`
	RatePer1K float64 `mapstructure:"rate_per_1k"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
}

type AutomationConfig struct {
	ResponseDelay         time.Duration `mapstructure:"response_delay"`
	MaxAIResponses        int           `mapstructure:"max_ai_responses"`
	ImmediateOutsideHours bool          `mapstructure:"immediate_outside_hours"`
	EmergencyKeywords     []string      `mapstructure:"emergency_keywords"`
	CheckInterval         time.Duration `mapstructure:"check_interval"`
	ExternalTimeout       time.Duration `mapstructure:"external_timeout"`
	HistoryLimit          int           `mapstructure:"history_limit"`
	SweepConcurrency      int           `mapstructure:"sweep_concurrency"`
	MaxMessagesPerMinute  int           `mapstructure:"max_messages_per_minute"`
}

type BusinessConfig struct {
	Name         string   `mapstructure:"name"`
	Therapist    string   `mapstructure:"therapist"`
	Phone        string   `mapstructure:"phone"`
	Email        string   `mapstructure:"email"`
	Address      string   `mapstructure:"address"`
	WorkingHours string   `mapstructure:"working_hours"`
	Timezone     string   `mapstructure:"timezone"`
	Days         []string `mapstructure:"days"`
	Opens        string   `mapstructure:"opens"`
	Closes       string   `mapstructure:"closes"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	StaffChatID int64  `mapstructure:"staff_chat_id"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	URL      string `mapstructure:"url"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
		URL:      dbURL,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("whatsapp.provider", "twilio")

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.max_tokens", 500)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.default_rate", 0.0005)
	v.SetDefault("ai.pricing", []map[string]any{
		{"model": "gpt-4", "rate_per_1k": 0.002},
	})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/conversations.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("automation.response_delay", 300*time.Second)
	v.SetDefault("automation.max_ai_responses", 3)
	v.SetDefault("automation.immediate_outside_hours", true)
	v.SetDefault("automation.emergency_keywords", []string{"acil", "urgent", "emergency", "ivedi", "hemen"})
	v.SetDefault("automation.check_interval", 30*time.Second)
	v.SetDefault("automation.external_timeout", 30*time.Second)
	v.SetDefault("automation.history_limit", 10)
	v.SetDefault("automation.sweep_concurrency", 1)
	v.SetDefault("automation.max_messages_per_minute", 10)

	v.SetDefault("business.therapist", "Uzman Terapist Ekibimiz")
	v.SetDefault("business.working_hours", "Cumartesi-Pazar: 09:00 - 20:00")
	v.SetDefault("business.timezone", "Europe/Istanbul")
	v.SetDefault("business.days", []string{"saturday", "sunday"})
	v.SetDefault("business.opens", "09:00")
	v.SetDefault("business.closes", "20:00")

	v.SetDefault("logging.level", "info")
}

// LoadConfig reads the YAML file at path (optional when it does not exist),
// applies defaults and lets environment variables override any key.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support: server.port -> SERVER_PORT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := applyWellKnownEnv(v, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyWellKnownEnv maps the variable names used by existing deployments.
func applyWellKnownEnv(v *viper.Viper, config *Config) error {
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	overrides := map[string]*string{
		"OPENAI_API_KEY":           &config.AI.OpenAIAPIKey,
		"ANTHROPIC_API_KEY":        &config.AI.AnthropicAPIKey,
		"AI_PROVIDER":              &config.AI.Provider,
		"AI_MODEL":                 &config.AI.Model,
		"TELEGRAM_TOKEN":           &config.Telegram.Token,
		"WHATSAPP_API_KEY":         &config.WhatsApp.APIKey,
		"WHATSAPP_API_PROVIDER":    &config.WhatsApp.Provider,
		"WHATSAPP_PHONE_NUMBER_ID": &config.WhatsApp.PhoneNumberID,
		"TWILIO_WHATSAPP_NUMBER":   &config.WhatsApp.Twilio.FromNumber,
		"TWILIO_ACCOUNT_SID":       &config.WhatsApp.Twilio.AccountSID,
		"TWILIO_AUTH_TOKEN":        &config.WhatsApp.Twilio.AuthToken,
		"WEBHOOK_VERIFY_TOKEN":     &config.Server.WebhookVerifyToken,
		"REDIS_URL":                &config.Redis.URL,
	}
	for key, dst := range overrides {
		if val := v.GetString(key); val != "" {
			*dst = val
		}
	}
	return nil
}

// Validate checks that the credentials required by the selected providers
// are present and that the business-hours settings parse.
func (c *Config) Validate() error {
	var errs []string

	switch c.WhatsApp.Provider {
	case "twilio":
		if c.WhatsApp.Twilio.AccountSID == "" {
			errs = append(errs, "TWILIO_ACCOUNT_SID is required")
		}
		if c.WhatsApp.Twilio.AuthToken == "" {
			errs = append(errs, "TWILIO_AUTH_TOKEN is required")
		}
	case "meta":
		if c.WhatsApp.APIKey == "" {
			errs = append(errs, "WHATSAPP_API_KEY is required for Meta API")
		}
		if c.WhatsApp.PhoneNumberID == "" {
			errs = append(errs, "WHATSAPP_PHONE_NUMBER_ID is required for Meta API")
		}
	case "360dialog":
		if c.WhatsApp.APIKey == "" {
			errs = append(errs, "WHATSAPP_API_KEY is required for 360dialog")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported WhatsApp provider %q", c.WhatsApp.Provider))
	}

	switch c.AI.Provider {
	case "openai":
		if c.AI.OpenAIAPIKey == "" {
			errs = append(errs, "OPENAI_API_KEY is required")
		}
	case "anthropic":
		if c.AI.AnthropicAPIKey == "" {
			errs = append(errs, "ANTHROPIC_API_KEY is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported AI provider %q", c.AI.Provider))
	}

	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	if _, err := time.LoadLocation(c.Business.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("invalid business timezone %q", c.Business.Timezone))
	}
	if _, err := ParseWeekdays(c.Business.Days); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ParseClock(c.Business.Opens); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ParseClock(c.Business.Closes); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Automation.CheckInterval <= 0 {
		errs = append(errs, "automation.check_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func ParseWeekdays(names []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("invalid business day %q", name)
		}
		days = append(days, day)
	}
	return days, nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}
