package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const devSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RevocationTimeoutMS   int
	AllowedOrigins        []string
	AccountRetentionDays  int
}

var intDefaults = map[string]int{
	"ACCESS_TOKEN_TTL_MINUTES": 30,
	"REFRESH_TOKEN_TTL_DAYS":   14,
	"REVOCATION_TIMEOUT_MS":    200,
	"ACCOUNT_RETENTION_DAYS":   90,
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatroom port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("JWT_SECRET", devSecret)
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_DB", 0)
	for k, def := range intDefaults {
		v.SetDefault(k, def)
	}
	return v
}

// positive 读取正整数配置，缺失、非法或非正数时回退到默认值。
func positive(v *viper.Viper, key string) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return intDefaults[key]
}

// Load 从环境变量读取配置。
func Load() Config {
	v := newViper()
	var origins []string
	for _, o := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return Config{
		Port:                  v.GetString("APP_PORT"),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		Env:                   v.GetString("APP_ENV"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		AccessTokenTTLMinutes: positive(v, "ACCESS_TOKEN_TTL_MINUTES"),
		RefreshTokenTTLDays:   positive(v, "REFRESH_TOKEN_TTL_DAYS"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		RevocationTimeoutMS:   positive(v, "REVOCATION_TIMEOUT_MS"),
		AllowedOrigins:        origins,
		AccountRetentionDays:  positive(v, "ACCOUNT_RETENTION_DAYS"),
	}
}

// Validate 拒绝无法启动或不安全的配置。非 dev 环境必须更换默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == devSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}

func (c Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}

func (c Config) RevocationTimeout() time.Duration {
	return time.Duration(c.RevocationTimeoutMS) * time.Millisecond
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.AccountRetentionDays) * 24 * time.Hour
}
