package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Broker holds the RabbitMQ settings shared by every service.
type Broker struct {
	DSN            string
	ConnectTimeout time.Duration
	RPCTimeout     time.Duration
	RPCMaxRetries  int
	RPCRetryDelay  time.Duration
	Prefetch       int
}

// Redis holds the connection settings for the auth-service Redis.
type Redis struct {
	URL      string
	Password string
	PoolSize int
	Timeout  time.Duration
}

// Auth is the configuration of the auth service process.
type Auth struct {
	Env      string // dev / staging / prod
	HTTPAddr string // health + metrics listener

	Broker Broker

	DatabaseURL string
	DBSchema    string

	Redis Redis

	// JWT / credentials
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	BcryptCost   int
	CompatAnyAud bool

	// Login brute-force guard
	LoginMaxAttempts int
	LoginWindowTTL   time.Duration
	LoginBanTTL      time.Duration
}

// Gateway is the configuration of the gateway process.
type Gateway struct {
	Env      string
	HTTPAddr string

	Broker Broker

	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration
	WSAuthTimeout  time.Duration
	WSMaxMsgBytes  int64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Per-IP rate limit on the auth endpoints
	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration
}

// bcryptCostFloor is the weakest cost the auth service will run with.
const bcryptCostFloor = 12

func LoadAuth() (*Auth, error) {
	_ = godotenv.Load()

	cfg := &Auth{
		Env:      getEnv("ENV", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8081"),
		DBSchema: getEnv("DB_SCHEMA", "public"),
	}

	broker, err := loadBroker()
	if err != nil {
		return nil, err
	}
	cfg.Broker = broker

	// Infrastructure dependencies are required at startup. The service
	// cannot answer a single RPC without them, so fail fast instead of
	// starting half-initialized.
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing required env var: DATABASE_URL")
	}
	if err := validatePostgresDSN(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	cfg.Redis.URL = os.Getenv("REDIS_URL")
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("missing required env var: REDIS_URL")
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.PoolSize, err = getInt("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.Redis.Timeout, err = getSeconds("REDIS_TIMEOUT_SEC", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required env var: JWT_SECRET")
	}
	cfg.JWTIssuer = getEnv("AUTH_JWT_ISS", "core-auth")
	cfg.JWTAudience = getEnv("AUTH_JWT_AUD", "game-clients")

	// TTL values are plain seconds on the wire (expires_in mirrors the
	// access TTL), so the env vars are integers, not duration strings.
	if cfg.AccessTTL, err = getSeconds("AUTH_ACCESS_TTL", 1800*time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshTTL, err = getSeconds("AUTH_REFRESH_TTL", 1209600*time.Second); err != nil {
		return nil, err
	}

	if cfg.BcryptCost, err = getInt("AUTH_PASSWORD_BCRYPT_ROUNDS", bcryptCostFloor); err != nil {
		return nil, err
	}
	if cfg.BcryptCost < bcryptCostFloor {
		return nil, fmt.Errorf("AUTH_PASSWORD_BCRYPT_ROUNDS must be >= %d, got %d", bcryptCostFloor, cfg.BcryptCost)
	}

	if cfg.CompatAnyAud, err = getBool("AUTH_COMPAT_ANY_AUD", false); err != nil {
		return nil, err
	}

	if cfg.LoginMaxAttempts, err = getInt("REDIS_LOGIN_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.LoginWindowTTL, err = getSeconds("REDIS_TTL_LOGIN_WINDOW_SEC", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.LoginBanTTL, err = getSeconds("REDIS_TTL_LOGIN_BAN_SEC", 900*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadGateway() (*Gateway, error) {
	_ = godotenv.Load()

	cfg := &Gateway{
		Env:      getEnv("ENV", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}

	broker, err := loadBroker()
	if err != nil {
		return nil, err
	}
	cfg.Broker = broker

	if cfg.WSPingInterval, err = getDuration("GATEWAY_WS_PING_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.WSIdleTimeout, err = getDuration("GATEWAY_WS_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.WSAuthTimeout, err = getSeconds("WS_AUTH_TIMEOUT_SEC", 10*time.Second); err != nil {
		return nil, err
	}
	maxBytes, err := getInt("WS_MAX_MSG_BYTES", 65536)
	if err != nil {
		return nil, err
	}
	cfg.WSMaxMsgBytes = int64(maxBytes)

	if cfg.HTTPReadTimeout, err = getDuration("HTTP_READ_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPWriteTimeout, err = getDuration("HTTP_WRITE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPIdleTimeout, err = getDuration("HTTP_IDLE_TIMEOUT", time.Minute); err != nil {
		return nil, err
	}

	if cfg.RLEnabled, err = getBool("HTTP_RL_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RLLimit, err = getInt("HTTP_RL_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.RLWindow, err = getDuration("HTTP_RL_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadBroker() (Broker, error) {
	var b Broker

	b.DSN = os.Getenv("RABBITMQ_DSN")
	if b.DSN == "" {
		return b, fmt.Errorf("missing required env var: RABBITMQ_DSN")
	}

	var err error
	if b.ConnectTimeout, err = getDuration("RABBITMQ_CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return b, err
	}
	if b.RPCTimeout, err = getMillis("RPC_TIMEOUT_MS", 5000*time.Millisecond); err != nil {
		return b, err
	}
	if b.RPCMaxRetries, err = getInt("RPC_MAX_RETRIES", 3); err != nil {
		return b, err
	}
	if b.RPCRetryDelay, err = getMillis("RPC_RETRY_DELAY_MS", 5000*time.Millisecond); err != nil {
		return b, err
	}
	if b.Prefetch, err = getInt("RPC_PREFETCH", 8); err != nil {
		return b, err
	}

	return b, nil
}

func validatePostgresDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must be a postgres:// DSN")
	}
	// scheme://host[:port]/dbname at minimum
	rest := dsn[strings.Index(dsn, "://")+3:]
	if !strings.Contains(rest, "/") {
		return fmt.Errorf("DATABASE_URL is missing a database name")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q: %w", key, v, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %q: %w", key, v, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q: %w", key, v, err)
	}
	return d, nil
}

// getSeconds reads an integer number of seconds.
func getSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := getInt(key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// getMillis reads an integer number of milliseconds.
func getMillis(key string, def time.Duration) (time.Duration, error) {
	n, err := getInt(key, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
