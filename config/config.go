/*
Package config loads server configuration from the environment.

PURPOSE:
  Every setting has an environment variable and a default suitable for
  local development. An optional .env file in the working directory is
  loaded first; variables already set in the environment win.

VARIABLES:
  Server:    PORT, LOG_LEVEL, JWT_SECRET, CLINIC_NAME
  Database:  DB_DRIVER (sqlite3|postgres), DB_CONN
  Email:     EMAIL_TRANSPORT (http|smtp), EMAIL_API_URL, EMAIL_API_KEY,
             EMAIL_FROM, SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD
  WhatsApp:  TWILIO_API_URL, TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN,
             TWILIO_WHATSAPP_FROM, WHATSAPP_INSTALLMENT_TEMPLATE_SID,
             WHATSAPP_APPOINTMENT_TEMPLATE_SID
  Reminders: REMINDER_CHANNEL, REMINDER_CRON, LEDGER_SWEEP_CRON,
             LEDGER_STALE_AFTER, REMINDER_APPOINTMENT_LOOKAHEAD
  Timeouts:  DISPATCH_TIMEOUT, STORE_TIMEOUT
  Billing:   BILLING_ROUNDING_UNIT, QUOTA_MODE (reserve|commit)
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port       string
	LogLevel   string
	JWTSecret  string
	ClinicName string

	DBDriver string
	DBConn   string

	EmailTransport string
	EmailAPIURL    string
	EmailAPIKey    string
	EmailFrom      string
	SMTPHost       string
	SMTPPort       string
	SMTPUsername   string
	SMTPPassword   string

	TwilioAPIURL           string
	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioWhatsAppFrom     string
	InstallmentTemplateSID string
	AppointmentTemplateSID string

	ReminderChannel      billing.Channel
	ReminderCron         string
	LedgerSweepCron      string
	LedgerStaleAfter     time.Duration
	AppointmentLookahead time.Duration

	DispatchTimeout time.Duration
	StoreTimeout    time.Duration

	RoundingUnit decimal.Decimal
	QuotaMode    quota.Mode
}

// NewConfig loads .env (if present) and reads the environment.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment without touching .env.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		JWTSecret:  getEnv("JWT_SECRET", ""),
		ClinicName: getEnv("CLINIC_NAME", "Clínica"),

		DBDriver: getEnv("DB_DRIVER", "sqlite3"),
		DBConn:   getEnv("DB_CONN", "billing.db"),

		EmailTransport: strings.ToLower(getEnv("EMAIL_TRANSPORT", "http")),
		EmailAPIURL:    getEnv("EMAIL_API_URL", "https://api.resend.com"),
		EmailAPIKey:    getEnv("EMAIL_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", "recordatorios@example.com"),
		SMTPHost:       getEnv("SMTP_HOST", "localhost"),
		SMTPPort:       getEnv("SMTP_PORT", "587"),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),

		TwilioAPIURL:           getEnv("TWILIO_API_URL", "https://api.twilio.com"),
		TwilioAccountSID:       getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:        getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWhatsAppFrom:     getEnv("TWILIO_WHATSAPP_FROM", ""),
		InstallmentTemplateSID: getEnv("WHATSAPP_INSTALLMENT_TEMPLATE_SID", ""),
		AppointmentTemplateSID: getEnv("WHATSAPP_APPOINTMENT_TEMPLATE_SID", ""),

		ReminderChannel: billing.Channel(strings.ToLower(getEnv("REMINDER_CHANNEL", string(billing.ChannelEmail)))),
		ReminderCron:    getEnv("REMINDER_CRON", "0 9 * * *"),
		LedgerSweepCron: getEnv("LEDGER_SWEEP_CRON", "@every 5m"),

		QuotaMode: quota.Mode(strings.ToLower(getEnv("QUOTA_MODE", string(quota.ModeReserveOnCheck)))),
	}

	var err error
	if cfg.LedgerStaleAfter, err = getDuration("LEDGER_STALE_AFTER", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AppointmentLookahead, err = getDuration("REMINDER_APPOINTMENT_LOOKAHEAD", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout, err = getDuration("DISPATCH_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getDuration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RoundingUnit, err = decimal.NewFromString(getEnv("BILLING_ROUNDING_UNIT", "1000")); err != nil {
		return nil, fmt.Errorf("BILLING_ROUNDING_UNIT: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DBConn == "" {
		return fmt.Errorf("DB_CONN is required")
	}
	if c.DBDriver != "sqlite3" && c.DBDriver != "postgres" {
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.DBDriver)
	}
	if c.EmailTransport != "http" && c.EmailTransport != "smtp" {
		return fmt.Errorf("EMAIL_TRANSPORT must be http or smtp, got %q", c.EmailTransport)
	}
	if !c.ReminderChannel.Valid() {
		return fmt.Errorf("REMINDER_CHANNEL must be email or whatsapp, got %q", c.ReminderChannel)
	}
	if c.QuotaMode != quota.ModeReserveOnCheck && c.QuotaMode != quota.ModeCommitOnSuccess {
		return fmt.Errorf("QUOTA_MODE must be reserve or commit, got %q", c.QuotaMode)
	}
	if c.RoundingUnit.IsNegative() {
		return fmt.Errorf("BILLING_ROUNDING_UNIT must not be negative")
	}
	return nil
}

// WhatsAppEnabled reports whether Twilio credentials are configured.
func (c *Config) WhatsAppEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioWhatsAppFrom != ""
}

// Logger builds the process logger: JSON output, level from LOG_LEVEL.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		log.WithField("log_level", c.LogLevel).Warn("unknown LOG_LEVEL, using info")
	}
	log.SetLevel(level)
	return log
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
