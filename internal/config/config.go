package config

import (
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/example/ingestion-service/internal/models"
)

// Config captures all runtime configuration for the ingestion service and its
// retry worker. Values come from the environment with an optional .env file.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	SMTP     SMTPConfig
	Senders  []models.SenderIdentity
	Retry    RetryConfig
	Kafka    KafkaConfig
	Timeouts TimeoutConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string
}

// SMTPConfig stores SMTP connection settings for email delivery. The sender
// identity is not part of this block; identities rotate per attempt and are
// configured separately via SENDER_IDENTITIES.
type SMTPConfig struct {
	Host      string
	Port      int
	User      string
	Pass      string
	HelloName string
}

// RetryConfig controls the retry worker's polling and attempt budget.
type RetryConfig struct {
	PollIntervalSeconds int
	BatchSize           int
	MaxAttempts         int
	WorkerConcurrency   int
}

// KafkaConfig holds the optional status event side-channel settings. An empty
// broker list disables event publishing.
type KafkaConfig struct {
	Brokers     []string
	StatusTopic string
}

// TimeoutConfig contains timeout thresholds for outbound providers.
type TimeoutConfig struct {
	ProviderTimeoutSeconds int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Database.Path = ldr.getString("DB_PATH", "ingestion.db", false)

	cfg.SMTP.Host = ldr.getString("SMTP_HOST", "", true)
	cfg.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.SMTP.HelloName = ldr.getString("SMTP_HELLO_NAME", "localhost", false)

	senders := ldr.getString("SENDER_IDENTITIES", "", true)
	if senders != "" {
		parsed, err := ParseSenderIdentities(senders)
		if err != nil {
			ldr.addError(fmt.Sprintf("SENDER_IDENTITIES is malformed: %v", err))
		}
		cfg.Senders = parsed
	}

	cfg.Retry.PollIntervalSeconds = ldr.getInt("RETRY_POLL_INTERVAL_SECONDS", 60, false)
	cfg.Retry.BatchSize = ldr.getInt("RETRY_BATCH_SIZE", 50, false)
	cfg.Retry.MaxAttempts = ldr.getInt("RETRY_MAX_ATTEMPTS", 5, false)
	cfg.Retry.WorkerConcurrency = ldr.getInt("RETRY_WORKER_CONCURRENCY", 4, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "notification-status", false)

	cfg.Timeouts.ProviderTimeoutSeconds = ldr.getInt("PROVIDER_TIMEOUT_SECONDS", 30, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseSenderIdentities turns a comma separated list of RFC 5322 mailboxes
// ("Reports <reports@example.com>, noreply@example.com") into the ordered
// sender identity list used by the delivery coordinator. Order is preserved;
// it is the fallback order.
func ParseSenderIdentities(raw string) ([]models.SenderIdentity, error) {
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, err
	}

	identities := make([]models.SenderIdentity, 0, len(addrs))
	for _, addr := range addrs {
		identities = append(identities, models.SenderIdentity{
			Address: addr.Address,
			Name:    addr.Name,
		})
	}
	return identities, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
