package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	AppPort string
	// PublicBaseURL is where providers reach this service.
	PublicBaseURL string
	StoreDriver   string
	DBDSN         string
	JWTSecret     string
	CORSOrigins   string
	// TrustedProxies lists the proxy IPs/CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string

	// SettlementCurrency is the currency every wallet balance is kept in.
	SettlementCurrency string
	ServiceKeyHash     string

	PostbackAllowUnverified bool
	PostbackRateLimit       float64
	PostbackRateBurst       int
	ConversionTimeout       time.Duration
	NotifyTimeout           time.Duration

	FXRates  map[string]decimal.Decimal
	FXAPIURL string

	Fraud Fraud

	CronProviderReload string
	CronCreditRetry    string
	CronFXRefresh      string
}

type Fraud struct {
	VelocityWindow time.Duration
	VelocityLimit  int64
	AmountFlag     decimal.Decimal
	AmountBlock    decimal.Decimal
	IPWindow       time.Duration
	IPUserLimit    int64
	FlagScore      int
	BlockScore     int
}

func Load() Config {
	driver := strings.ToLower(get("STORE_DRIVER", "postgres"))
	dsn := get("DB_DSN", "")
	if driver == "postgres" {
		dsn = must("DB_DSN")
	}

	return Config{
		AppPort:        get("APP_PORT", "8080"),
		PublicBaseURL:  get("PUBLIC_BASE_URL", "http://localhost:8080"),
		StoreDriver:    driver,
		DBDSN:          dsn,
		JWTSecret:      must("JWT_SECRET"),
		CORSOrigins:    get("CORS_ORIGINS", "http://127.0.0.1:3000, http://localhost:3000"),
		TrustedProxies: getList("TRUSTED_PROXIES"),

		RedisAddr:     get("REDIS_ADDR", "localhost:6379"),
		RedisPassword: get("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		LogLevel:  get("LOG_LEVEL", "info"),
		LogFormat: get("LOG_FORMAT", "json"),

		SettlementCurrency: strings.ToUpper(get("SETTLEMENT_CURRENCY", "NGN")),
		ServiceKeyHash:     get("SERVICE_KEY_HASH", ""),

		PostbackAllowUnverified: getBool("POSTBACK_ALLOW_UNVERIFIED", true),
		PostbackRateLimit:       getFloat("POSTBACK_RATE_LIMIT", 20),
		PostbackRateBurst:       getInt("POSTBACK_RATE_BURST", 40),
		ConversionTimeout:       getDuration("CONVERSION_TIMEOUT", 5*time.Second),
		NotifyTimeout:           getDuration("NOTIFY_TIMEOUT", 2*time.Second),

		FXRates:  ParseRates(get("FX_RATES", "")),
		FXAPIURL: get("FX_API_URL", ""),

		Fraud: Fraud{
			VelocityWindow: getDuration("FRAUD_VELOCITY_WINDOW", time.Hour),
			VelocityLimit:  int64(getInt("FRAUD_VELOCITY_LIMIT", 30)),
			AmountFlag:     getDecimal("FRAUD_AMOUNT_FLAG", decimal.NewFromInt(50_000)),
			AmountBlock:    getDecimal("FRAUD_AMOUNT_BLOCK", decimal.NewFromInt(500_000)),
			IPWindow:       getDuration("FRAUD_IP_WINDOW", 24*time.Hour),
			IPUserLimit:    int64(getInt("FRAUD_IP_USER_LIMIT", 5)),
			FlagScore:      getInt("FRAUD_FLAG_SCORE", 30),
			BlockScore:     getInt("FRAUD_BLOCK_SCORE", 70),
		},

		CronProviderReload: get("CRON_PROVIDER_RELOAD", "@every 5m"),
		CronCreditRetry:    get("CRON_CREDIT_RETRY", "@every 10m"),
		CronFXRefresh:      get("CRON_FX_REFRESH", "@hourly"),
	}
}

// ParseRates reads "GHS:NGN=80,USD:NGN=1500". Malformed entries are skipped.
func ParseRates(raw string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		from, to, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil || !rate.IsPositive() {
			continue
		}
		out[strings.ToUpper(from)+":"+strings.ToUpper(to)] = rate
	}
	return out
}

func get(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}

func getList(k string) []string {
	var out []string
	for _, v := range strings.Split(get(k, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getInt(k string, def int) int {
	n, err := strconv.Atoi(get(k, ""))
	if err != nil {
		return def
	}
	return n
}

func getFloat(k string, def float64) float64 {
	f, err := strconv.ParseFloat(get(k, ""), 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(k string, def bool) bool {
	b, err := strconv.ParseBool(get(k, ""))
	if err != nil {
		return def
	}
	return b
}

func getDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(get(k, ""))
	if err != nil {
		return def
	}
	return d
}

func getDecimal(k string, def decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(get(k, ""))
	if err != nil {
		return def
	}
	return d
}
