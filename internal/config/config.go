package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfig reports missing or malformed settings; the process must not start.
var ErrConfig = errors.New("config: invalid configuration")

const localWebhookSecret = "whsec_local"

type Config struct {
	ServiceName     string        `validate:"required"`
	Env             string        `validate:"required"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	HTTPAddr        string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	Store       StoreConfig
	Lock        LockConfig
	Kafka       KafkaConfig
	Providers   ProvidersConfig
	Fulfillment FulfillmentConfig
}

type StoreConfig struct {
	Backend     string `validate:"oneof=memory postgres"`
	DatabaseURL string `validate:"required_if=Backend postgres"`
}

type LockConfig struct {
	Backend       string `validate:"oneof=memory redis"`
	RedisAddr     string `validate:"required_if=Backend redis"`
	RedisPassword string
	RedisDB       int `validate:"min=0"`
}

// KafkaConfig is optional: without brokers outcome events stay in-process.
type KafkaConfig struct {
	Brokers []string
	Topic   string `validate:"required_with=Brokers"`
}

type ProvidersConfig struct {
	// Mock swaps every provider for an in-process fake; credentials are then optional.
	Mock bool

	StripeSecretKey        string        `validate:"required_if=Mock false"`
	StripeWebhookSecret    string        `validate:"required"`
	StripeWebhookTolerance time.Duration `validate:"gt=0"`
	SuccessURL             string        `validate:"required,url"`
	CancelURL              string        `validate:"required,url"`
	AllowedCountries       []string      `validate:"min=1,dive,len=2"`

	EasyPostAPIKey string  `validate:"required_if=Mock false"`
	EasyPostRPS    float64 `validate:"min=0"`

	SheetID             string  `validate:"required_if=Mock false"`
	SheetRange          string  `validate:"required"`
	ServiceAccountEmail string  `validate:"required_if=Mock false"`
	PrivateKey          string  `validate:"required_if=Mock false"`
	SheetsRPS           float64 `validate:"min=0"`

	SendGridAPIKey string `validate:"required_if=Mock false"`
	FromEmail      string `validate:"required_if=Mock false"`
	FromName       string

	// LocalStock seeds the in-process ledger when Mock is set.
	LocalStock map[string]int
}

type FulfillmentConfig struct {
	MaxAttempts    int           `validate:"min=1"`
	BackoffInitial time.Duration `validate:"gt=0"`
	BackoffMax     time.Duration `validate:"gtefield=BackoffInitial"`
	StepTimeout    time.Duration `validate:"gt=0"`
	LockTTL        time.Duration `validate:"gtfield=StepTimeout"`
	SweepInterval  time.Duration `validate:"gt=0"`
	SweepAge       time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// Load reads defaults, an optional .env file and the environment, in increasing
// order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("env")
	v.SetConfigName(".env")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	setDefaults(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read .env: %w", ErrConfig, err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "minishop-fulfillment")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("LOCK_BACKEND", "memory")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_TOPIC", "fulfillment.events")

	v.SetDefault("MOCK_PROVIDERS", false)
	v.SetDefault("STRIPE_WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("CHECKOUT_SUCCESS_URL", "http://localhost:8080/success")
	v.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:8080/cart")
	v.SetDefault("CHECKOUT_ALLOWED_COUNTRIES", "US,CA,GB,AU,MX,JP,DE,FR,IT,ES")
	v.SetDefault("EASYPOST_RPS", 5)
	v.SetDefault("GOOGLE_SHEET_RANGE", "Sheet1!A1:G")
	v.SetDefault("SHEETS_RPS", 1)
	v.SetDefault("NOTIFY_FROM_NAME", "Card Quest Games")

	v.SetDefault("FULFILLMENT_MAX_ATTEMPTS", 5)
	v.SetDefault("FULFILLMENT_BACKOFF_INITIAL", "500ms")
	v.SetDefault("FULFILLMENT_BACKOFF_MAX", "30s")
	v.SetDefault("FULFILLMENT_STEP_TIMEOUT", "15s")
	v.SetDefault("FULFILLMENT_LOCK_TTL", "2m")
	v.SetDefault("FULFILLMENT_SWEEP_INTERVAL", "1m")
	v.SetDefault("FULFILLMENT_SWEEP_AGE", "2m")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServiceName:     v.GetString("SERVICE_NAME"),
		Env:             v.GetString("ENV"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		Store: StoreConfig{
			Backend:     v.GetString("STORE_BACKEND"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Lock: LockConfig{
			Backend:       v.GetString("LOCK_BACKEND"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Providers: ProvidersConfig{
			Mock:                   v.GetBool("MOCK_PROVIDERS"),
			StripeSecretKey:        v.GetString("STRIPE_SECRET_KEY"),
			StripeWebhookSecret:    v.GetString("STRIPE_WEBHOOK_SECRET"),
			StripeWebhookTolerance: v.GetDuration("STRIPE_WEBHOOK_TOLERANCE"),
			SuccessURL:             v.GetString("CHECKOUT_SUCCESS_URL"),
			CancelURL:              v.GetString("CHECKOUT_CANCEL_URL"),
			AllowedCountries:       splitList(strings.ToUpper(v.GetString("CHECKOUT_ALLOWED_COUNTRIES"))),
			EasyPostAPIKey:         v.GetString("EASYPOST_API_KEY"),
			EasyPostRPS:            v.GetFloat64("EASYPOST_RPS"),
			SheetID:                v.GetString("GOOGLE_SHEET_ID"),
			SheetRange:             v.GetString("GOOGLE_SHEET_RANGE"),
			ServiceAccountEmail:    v.GetString("GOOGLE_SERVICE_ACCOUNT_EMAIL"),
			PrivateKey:             strings.ReplaceAll(v.GetString("GOOGLE_PRIVATE_KEY"), `\n`, "\n"),
			SheetsRPS:              v.GetFloat64("SHEETS_RPS"),
			SendGridAPIKey:         v.GetString("SENDGRID_API_KEY"),
			FromEmail:              v.GetString("NOTIFY_FROM_EMAIL"),
			FromName:               v.GetString("NOTIFY_FROM_NAME"),
		},
		Fulfillment: FulfillmentConfig{
			MaxAttempts:    v.GetInt("FULFILLMENT_MAX_ATTEMPTS"),
			BackoffInitial: v.GetDuration("FULFILLMENT_BACKOFF_INITIAL"),
			BackoffMax:     v.GetDuration("FULFILLMENT_BACKOFF_MAX"),
			StepTimeout:    v.GetDuration("FULFILLMENT_STEP_TIMEOUT"),
			LockTTL:        v.GetDuration("FULFILLMENT_LOCK_TTL"),
			SweepInterval:  v.GetDuration("FULFILLMENT_SWEEP_INTERVAL"),
			SweepAge:       v.GetDuration("FULFILLMENT_SWEEP_AGE"),
		},
	}

	if cfg.Providers.Mock {
		if cfg.Providers.StripeWebhookSecret == "" {
			cfg.Providers.StripeWebhookSecret = localWebhookSecret
		}
		stock, err := parseStock(v.GetString("LOCAL_STOCK"))
		if err != nil {
			return nil, err
		}
		cfg.Providers.LocalStock = stock
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("%w: %s", ErrConfig, strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseStock reads "A1=5,B2=3".
func parseStock(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range splitList(raw) {
		id, qty, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if !ok || id == "" || err != nil || n < 0 {
			return nil, fmt.Errorf("%w: LOCAL_STOCK entry %q", ErrConfig, pair)
		}
		out[id] = n
	}
	return out, nil
}
