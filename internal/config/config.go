package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"pimutpos/backend/internal/pricing"
)

// DefaultCallbackURL is a placeholder accepted by the sandbox only.
const DefaultCallbackURL = "https://example.com/mpesa/callback"

type Config struct {
	Port                   string
	AppEnv                 string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	BootstrapAdminPassword string
	VATRate                decimal.Decimal
	Mpesa                  MpesaConfig
}

type MpesaConfig struct {
	Env            string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	PollInterval   time.Duration
	PollAttempts   int
}

// Simulated reports whether gateway credentials are missing, in which case
// payments are confirmed locally without contacting the gateway.
func (m MpesaConfig) Simulated() bool {
	return m.ConsumerKey == "" || m.ConsumerSecret == "" || m.Shortcode == "" || m.Passkey == ""
}

func (m MpesaConfig) BaseURL() string {
	if m.Env == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// Load reads an optional .env file, then the process environment.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	vatRate, err := decimal.NewFromString(getEnv("VAT_RATE", "0.16"))
	if err != nil || !pricing.ValidRate(vatRate) {
		vatRate = pricing.DefaultVATRate
	}
	pollSeconds, err := strconv.Atoi(getEnv("MPESA_POLL_INTERVAL_SECONDS", "5"))
	if err != nil || pollSeconds < 1 {
		pollSeconds = 5
	}
	pollAttempts, err := strconv.Atoi(getEnv("MPESA_POLL_ATTEMPTS", "12"))
	if err != nil || pollAttempts < 1 {
		pollAttempts = 12
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AppEnv:                 getEnv("APP_ENV", "development"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		VATRate:                vatRate,
		Mpesa: MpesaConfig{
			Env:            getEnv("MPESA_ENV", "sandbox"),
			ConsumerKey:    strings.TrimSpace(os.Getenv("MPESA_CONSUMER_KEY")),
			ConsumerSecret: strings.TrimSpace(os.Getenv("MPESA_CONSUMER_SECRET")),
			Shortcode:      strings.TrimSpace(os.Getenv("MPESA_SHORTCODE")),
			Passkey:        strings.TrimSpace(os.Getenv("MPESA_PASSKEY")),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", DefaultCallbackURL),
			PollInterval:   time.Duration(pollSeconds) * time.Second,
			PollAttempts:   pollAttempts,
		},
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
