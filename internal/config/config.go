package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	HTTPAddr     string

	WheelchairBufferSeats   int
	WheelchairRateLimitUnit time.Duration
	SeatLockGrace           time.Duration
	ConfirmedLockRetention  time.Duration
	TransactionTTL          time.Duration
	TaskMaxTries            int
	BusinessTimezone        *time.Location
	CatalogCacheTTL         time.Duration
	IdempotencyTTL          time.Duration
	OrderNumberPrefix       string

	WaiterSecret         string
	WaiterPassportIssuer []string

	ExpiryInterval   time.Duration
	DispatchInterval time.Duration
	DispatchBatch    int

	RatePerAgent int
	RatePerIP    int
	RateWindow   time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs error
	duration := func(name string, def time.Duration) time.Duration {
		v := os.Getenv(name)
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s", name))
			return def
		}
		return d
	}
	integer := func(name string, def int) int {
		v := os.Getenv(name)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s", name))
			return def
		}
		return n
	}

	cfg := &Config{
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getenv("MONGO_DB", "tro"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),

		WheelchairBufferSeats:   integer("WHEELCHAIR_BUFFER_SEATS", 6),
		WheelchairRateLimitUnit: duration("WHEELCHAIR_RATE_LIMIT_UNIT", time.Hour),
		SeatLockGrace:           duration("SEAT_LOCK_GRACE", time.Minute),
		ConfirmedLockRetention:  duration("CONFIRMED_LOCK_RETENTION", 720*time.Hour),
		TransactionTTL:          duration("TRANSACTION_TTL", 15*time.Minute),
		TaskMaxTries:            integer("TASK_MAX_TRIES", 3),
		CatalogCacheTTL:         duration("CATALOG_CACHE_TTL", time.Minute),
		IdempotencyTTL:          duration("IDEMPOTENCY_TTL", time.Hour),
		OrderNumberPrefix:       getenv("ORDER_NUMBER_PREFIX", "TT"),

		WaiterSecret: os.Getenv("WAITER_SECRET"),

		ExpiryInterval:   duration("EXPIRY_INTERVAL", time.Minute),
		DispatchInterval: duration("DISPATCH_INTERVAL", 5*time.Second),
		DispatchBatch:    integer("DISPATCH_BATCH", 10),

		RatePerAgent: integer("RATE_LIMIT_PER_AGENT", 60),
		RatePerIP:    integer("RATE_LIMIT_PER_IP", 600),
		RateWindow:   duration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if v := os.Getenv("WAITER_PASSPORT_ISSUER"); v != "" {
		for _, iss := range strings.Split(v, ",") {
			if iss = strings.TrimSpace(iss); iss != "" {
				cfg.WaiterPassportIssuer = append(cfg.WaiterPassportIssuer, iss)
			}
		}
	}

	loc, err := time.LoadLocation(getenv("BUSINESS_TIMEZONE", "Asia/Tokyo"))
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "BUSINESS_TIMEZONE"))
		loc = time.UTC
	}
	cfg.BusinessTimezone = loc

	if cfg.WheelchairBufferSeats < 0 {
		errs = errors.CombineErrors(errs, errors.New("WHEELCHAIR_BUFFER_SEATS must not be negative"))
	}
	if cfg.TaskMaxTries <= 0 {
		errs = errors.CombineErrors(errs, errors.New("TASK_MAX_TRIES must be positive"))
	}
	if errs != nil {
		return nil, errors.Wrap(errs, "load config")
	}
	return cfg, nil
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
