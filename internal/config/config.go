// Package config loads the voice client configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the client daemon and admin CLI.
type Config struct {
	App     AppConfig
	Profile ProfileConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Call    CallConfig
	Reaper  ReaperConfig
}

type AppConfig struct {
	Env  string
	Port int
	// Lang is the default notice language for UI clients that do not send one.
	Lang string
}

// ProfileConfig seeds the local anonymous user on first start. An empty
// UserID reuses the stored profile or generates a new one.
type ProfileConfig struct {
	UserID      string
	DisplayName string
	Avatar      string
	Interests   []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every rendezvous key and channel.
	Prefix string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type CallConfig struct {
	UnansweredTimeout time.Duration
	ICEServers        []string
	// AudioSource is an Ogg/Opus file streamed as the local microphone.
	// Empty means a silent track.
	AudioSource string
	AutoNext    bool
}

type ReaperConfig struct {
	Enabled  bool
	Schedule string
}

// Load reads the environment into a Config and validates it.
func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = envOr("APP_ENV", "local")
	c.App.Port, parseErrs = intEnv(parseErrs, "APP_PORT", 8080)
	c.App.Lang = envOr("APP_LANG", "en")

	c.Profile.UserID = strings.TrimSpace(os.Getenv("USER_ID"))
	c.Profile.DisplayName = envOr("USER_DISPLAY_NAME", "Anonymous")
	c.Profile.Avatar = strings.TrimSpace(os.Getenv("USER_AVATAR"))
	c.Profile.Interests = listEnv("USER_INTERESTS", nil)

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = intEnv(parseErrs, "DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Addr = envOr("REDIS_ADDR", "localhost:6379")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = intEnv(parseErrs, "REDIS_DB", 0)
	c.Redis.Prefix = envOr("REDIS_PREFIX", "rt:")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.TokenTTL, parseErrs = durationEnv(parseErrs, "JWT_TTL", 72*time.Hour)

	c.Call.UnansweredTimeout, parseErrs = durationEnv(parseErrs, "CALL_UNANSWERED_TIMEOUT", UnansweredTimeout)
	c.Call.ICEServers = listEnv("CALL_ICE_SERVERS", DefaultICEServers)
	c.Call.AudioSource = strings.TrimSpace(os.Getenv("CALL_AUDIO_SOURCE"))
	c.Call.AutoNext, parseErrs = boolEnv(parseErrs, "CALL_AUTO_NEXT", false)

	c.Reaper.Enabled, parseErrs = boolEnv(parseErrs, "REAPER_ENABLED", false)
	c.Reaper.Schedule = envOr("REAPER_SCHEDULE", ReaperSchedule)

	if err := errors.Join(parseErrs...); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once. It fills local-friendly defaults
// where production must be explicit.
func (c *Config) Validate() error {
	var errs []error

	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}

	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}

	if c.Auth.JWTSecret == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		} else {
			c.Auth.JWTSecret = "local-dev-secret"
		}
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be positive"))
	}

	if c.Call.UnansweredTimeout <= 0 {
		errs = append(errs, errors.New("CALL_UNANSWERED_TIMEOUT must be positive"))
	}
	if len(c.Call.ICEServers) == 0 {
		errs = append(errs, errors.New("CALL_ICE_SERVERS must list at least one STUN server"))
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") {
			errs = append(errs, fmt.Errorf("CALL_ICE_SERVERS only accepts stun: urls, got %q", s))
		}
	}

	if c.Reaper.Enabled && c.Reaper.Schedule == "" {
		errs = append(errs, errors.New("REAPER_SCHEDULE is required when the reaper is enabled"))
	}

	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// PostgresDSN contains secrets; never log it.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func isValidEnv(env string) bool {
	switch env {
	case "local", "dev", "staging", "production":
		return true
	}
	return false
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(errs []error, key string, def int) (int, []error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, errs
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer: %w", key, err))
	}
	return n, errs
}

func boolEnv(errs []error, key string, def bool) (bool, []error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean: %w", key, err))
	}
	return b, errs
}

func durationEnv(errs []error, key string, def time.Duration) (time.Duration, []error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, errs
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a duration: %w", key, err))
	}
	return d, errs
}

func listEnv(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		out := make([]string, len(def))
		copy(out, def)
		return out
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
