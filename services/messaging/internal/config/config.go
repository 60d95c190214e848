package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the working directory.
const ConfigPath = "config.yaml"

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	defaultMessageRateLimitPerMinute = 60
	defaultMessageEditWindow         = 5 * time.Minute
	defaultConversationMessageLimit  = 50
	defaultInternalAllowedIssuer     = "identity"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                        string   `yaml:"port"`
	LogLevel                    string   `yaml:"logLevel"`
	LogsDir                     string   `yaml:"logsDir"`
	Storage                     string   `yaml:"storage"`
	DatabaseURL                 string   `yaml:"databaseURL"`
	RedisAddr                   string   `yaml:"redisAddr"`
	RedisPassword               string   `yaml:"redisPassword"`
	AuthJWKSURL                 string   `yaml:"authJwksURL"`
	JWTIssuer                   string   `yaml:"jwtIssuer"`
	JWTAudience                 string   `yaml:"jwtAudience"`
	JWTLeeway                   string   `yaml:"jwtLeeway"`
	CourseServiceURL            string   `yaml:"courseServiceURL"`
	InternalJWTPrivateKeyPath   string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTIssuer           string   `yaml:"internalJwtIssuer"`
	InternalAllowedIssuers      []string `yaml:"internalAllowedIssuers"`
	TrustedProxies              []string `yaml:"trustedProxies"`
	MessageRateLimitPerMinute   int      `yaml:"messageRateLimitPerMinute"`
	MessageEditWindow           string   `yaml:"messageEditWindow"`
	ConversationMessageLimit    int      `yaml:"conversationMessageLimit"`
}

// ResolvePath returns MESSAGING_CONFIG when set, otherwise ConfigPath.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("MESSAGING_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	// Override with environment variables
	if v := os.Getenv("MESSAGING_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("MESSAGING_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("MESSAGING_STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("MESSAGING_COURSE_SERVICE_URL"); v != "" {
		cfg.CourseServiceURL = v
	}
	if v := os.Getenv("COURSEHUB_INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("COURSEHUB_INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("COURSEHUB_INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	if v := os.Getenv("COURSEHUB_INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("MESSAGING_INTERNAL_JWT_ISSUER"); v != "" {
		cfg.InternalJWTIssuer = v
	}
	if v := os.Getenv("MESSAGING_INTERNAL_ALLOWED_ISSUERS"); v != "" {
		cfg.InternalAllowedIssuers = splitList(v)
	}
	if v := os.Getenv("MESSAGING_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("MESSAGING_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MESSAGING_EDIT_WINDOW"); v != "" {
		cfg.MessageEditWindow = v
	}
	if v := os.Getenv("MESSAGING_CONVERSATION_MESSAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConversationMessageLimit = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.Storage == "" {
		cfg.Storage = StoragePostgres
	}
	if cfg.InternalJWTIssuer == "" {
		cfg.InternalJWTIssuer = "messaging"
	}
	if len(cfg.InternalAllowedIssuers) == 0 {
		cfg.InternalAllowedIssuers = []string{defaultInternalAllowedIssuer}
	}
	if cfg.MessageRateLimitPerMinute == 0 {
		cfg.MessageRateLimitPerMinute = defaultMessageRateLimitPerMinute
	}
	if cfg.ConversationMessageLimit == 0 {
		cfg.ConversationMessageLimit = defaultConversationMessageLimit
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or MESSAGING_PORT)")
	}
	switch cfg.Storage {
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for postgres storage (set in config.yaml or DATABASE_URL)")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("config: storage must be %q or %q, got %q", StoragePostgres, StorageMemory, cfg.Storage)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required for message rate limiting (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" && strings.TrimSpace(cfg.InternalJWTVerifyPublicKeys) == "" {
		return errors.New("config: internal service auth requires COURSEHUB_INTERNAL_JWT_PUBLIC_KEY_PATH or COURSEHUB_INTERNAL_JWT_VERIFY_PUBLIC_KEYS")
	}
	if cfg.CourseServiceURL != "" && strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) == "" {
		return errors.New("config: courseServiceURL requires COURSEHUB_INTERNAL_JWT_PRIVATE_KEY_PATH to sign course lookups")
	}
	if cfg.MessageRateLimitPerMinute < 0 {
		return errors.New("config: messageRateLimitPerMinute must be > 0")
	}
	if _, err := ParseEditWindow(cfg.MessageEditWindow); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.ConversationMessageLimit < 0 {
		return errors.New("config: conversationMessageLimit must be > 0")
	}
	return nil
}

// ParseJWTLeeway parses a duration string like "30s". Empty means the verifier default.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseEditWindow parses messageEditWindow, defaulting to five minutes.
func ParseEditWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultMessageEditWindow, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid messageEditWindow duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("messageEditWindow must be positive")
	}
	return dur, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
