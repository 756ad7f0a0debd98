package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	BackendMongo  = "mongo"
	BackendCRDB   = "crdb"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr     string
	StoreBackend string
	MongoURI     string
	MongoDB      string
	CRDBDSN      string
	RedisAddr    string
	RabbitURL    string
	JWTSecret    string
	OTLPEndpoint string
	LogLevel     string

	HoldDuration    time.Duration
	ExpiryGrace     time.Duration
	BroadcastWindow time.Duration
	GlobalBroadcast bool
	ShowLockTTL     time.Duration
	SweepInterval   time.Duration

	RateLimitPerUser int
	RateLimitPerIP   int
	IdempotencyTTL   time.Duration
	// InstanceID tags relayed events so a process can skip its own.
	InstanceID string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	holdDuration := envDur("HOLD_DURATION", 60*time.Second)
	// RESERVATION_MS is the millisecond form used by older deployments.
	if ms := envInt("RESERVATION_MS", 0); ms > 0 && os.Getenv("HOLD_DURATION") == "" {
		holdDuration = time.Duration(ms) * time.Millisecond
	}

	cfg := &Config{
		HTTPAddr:     envStr("HTTP_ADDR", ":8080"),
		StoreBackend: envStr("STORE_BACKEND", BackendMongo),
		MongoURI:     envStr("MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDB:      envStr("MONGO_DB", "seats"),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envStr("LOG_LEVEL", "info"),

		HoldDuration:    holdDuration,
		ExpiryGrace:     envDur("EXPIRY_GRACE", 200*time.Millisecond),
		BroadcastWindow: envDur("BROADCAST_WINDOW", 500*time.Millisecond),
		GlobalBroadcast: envBool("GLOBAL_BROADCAST", true),
		ShowLockTTL:     envDur("SHOW_LOCK_TTL", 5*time.Second),
		SweepInterval:   envDur("SWEEP_INTERVAL", 30*time.Second),

		RateLimitPerUser: envInt("RATE_LIMIT_USER", 60),
		RateLimitPerIP:   envInt("RATE_LIMIT_IP", 600),
		IdempotencyTTL:   envDur("IDEMPOTENCY_TTL", time.Hour),
		InstanceID:       envStr("INSTANCE_ID", defaultInstanceID()),
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.HoldDuration <= 0 {
		return errors.Newf("hold duration must be positive, got %s", c.HoldDuration)
	}
	if c.ExpiryGrace < 0 || c.BroadcastWindow < 0 {
		return errors.New("expiry grace and broadcast window must not be negative")
	}
	if c.RateLimitPerUser <= 0 || c.RateLimitPerIP <= 0 {
		return errors.Newf("rate limits must be positive, got user=%d ip=%d", c.RateLimitPerUser, c.RateLimitPerIP)
	}
		switch c.StoreBackend {
	case BackendMongo, BackendMemory:
	case BackendCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required for the crdb store backend")
		}
	default:
		return errors.Newf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "seats"
	}
	return host + "-" + uuid.NewString()[:8]
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
