package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yungbote/omop-automapper/internal/data/db"
	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/platform/openai"
	"github.com/yungbote/omop-automapper/internal/platform/qdrant"
	"github.com/yungbote/omop-automapper/internal/realtime/bus"
)

const envPrefix = "AUTOMAPPER"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type HTTPConfig struct {
	Addr            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	Driver      string
	Postgres    db.PostgresConfig
	SQLitePath  string
	AutoMigrate bool
}

type Config struct {
	LogMode     string
	ServiceName string
	Environment string

	HTTP   HTTPConfig
	DB     DBConfig
	Qdrant qdrant.Config
	OpenAI openai.Config
	// Redis.Addr empty keeps progress events in process.
	Redis bus.RedisConfig

	Retry               mapping.RetryPolicy
	RerankMaxCandidates int
}

// settings lists every key with its default and the unprefixed env name it
// also answers to. AUTOMAPPER_<ENV> always wins over <ENV>.
var settings = []struct {
	key string
	env string
	def any
}{
	{"log.mode", "LOG_MODE", "development"},
	{"service.name", "OTEL_SERVICE_NAME", "omop-automapper"},
	{"service.environment", "APP_ENV", "development"},

	{"http.addr", "HTTP_ADDR", ":8080"},
	{"http.cors_origins", "CORS_ORIGINS", ""},
	{"http.shutdown_timeout", "HTTP_SHUTDOWN_TIMEOUT", "15s"},

	{"db.driver", "DB_DRIVER", DriverPostgres},
	{"db.auto_migrate", "DB_AUTO_MIGRATE", true},
	{"postgres.host", "POSTGRES_HOST", "localhost"},
	{"postgres.port", "POSTGRES_PORT", "5432"},
	{"postgres.user", "POSTGRES_USER", "postgres"},
	{"postgres.password", "POSTGRES_PASSWORD", ""},
	{"postgres.name", "POSTGRES_NAME", "omop"},
	{"postgres.sslmode", "POSTGRES_SSLMODE", "disable"},
	{"postgres.max_open", "POSTGRES_MAX_OPEN", 20},
	{"postgres.max_idle", "POSTGRES_MAX_IDLE", 10},
	{"sqlite.path", "SQLITE_PATH", "automapper.db"},

	{"qdrant.url", "QDRANT_URL", ""},
	{"qdrant.distance", "QDRANT_DISTANCE", ""},
	{"openai.api_key", "OPENAI_API_KEY", ""},
	{"openai.base_url", "OPENAI_BASE_URL", ""},

	{"redis.addr", "REDIS_ADDR", ""},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},
	{"redis.channel", "REDIS_CHANNEL", "automap.progress"},

	{"retry.max_tries", "RETRY_MAX_TRIES", 4},
	{"retry.initial", "RETRY_INITIAL", "500ms"},
	{"retry.max", "RETRY_MAX", "8s"},
	{"retry.call_timeout", "RETRY_CALL_TIMEOUT", "60s"},
	{"rerank.max_candidates", "RERANK_MAX_CANDIDATES", 20},
}

// NewViper returns a viper instance with defaults and env bindings applied.
// Callers may bind flags on top before LoadConfig.
func NewViper() *viper.Viper {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		_ = v.BindEnv(s.key, envPrefix+"_"+s.env, s.env)
	}
	return v
}

// LoadConfig reads an optional config file and resolves the process config.
// Qdrant and OpenAI start from their own env resolution; explicit viper
// values override it.
func LoadConfig(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if f := strings.TrimSpace(configFile); f != "" {
		v.SetConfigFile(f)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", f, err)
		}
	}

	cfg := Config{
		LogMode:     v.GetString("log.mode"),
		ServiceName: v.GetString("service.name"),
		Environment: v.GetString("service.environment"),
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			CORSOrigins:     splitCSV(v.GetString("http.cors_origins")),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(strings.TrimSpace(v.GetString("db.driver"))),
			AutoMigrate: v.GetBool("db.auto_migrate"),
			SQLitePath:  v.GetString("sqlite.path"),
			Postgres: db.PostgresConfig{
				Host:     v.GetString("postgres.host"),
				Port:     v.GetString("postgres.port"),
				User:     v.GetString("postgres.user"),
				Password: v.GetString("postgres.password"),
				Name:     v.GetString("postgres.name"),
				SSLMode:  v.GetString("postgres.sslmode"),
				MaxOpen:  v.GetInt("postgres.max_open"),
				MaxIdle:  v.GetInt("postgres.max_idle"),
			},
		},
		Redis: bus.RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("redis.addr")),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Retry: mapping.RetryPolicy{
			MaxTries:    v.GetUint("retry.max_tries"),
			Initial:     v.GetDuration("retry.initial"),
			Max:         v.GetDuration("retry.max"),
			CallTimeout: v.GetDuration("retry.call_timeout"),
		},
		RerankMaxCandidates: v.GetInt("rerank.max_candidates"),
	}

	switch cfg.DB.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return Config{}, fmt.Errorf("unsupported db.driver %q (want postgres or sqlite)", cfg.DB.Driver)
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return Config{}, fmt.Errorf("http.addr is required")
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 15 * time.Second
	}

	qcfg, err := resolveQdrant(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Qdrant = qcfg

	cfg.OpenAI = openai.ConfigFromEnv()
	if key := strings.TrimSpace(v.GetString("openai.api_key")); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if base := strings.TrimSpace(v.GetString("openai.base_url")); base != "" {
		cfg.OpenAI.BaseURL = base
	}
	return cfg, nil
}

func resolveQdrant(v *viper.Viper) (qdrant.Config, error) {
	cfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		return qdrant.Config{}, err
	}
	if u := strings.TrimSpace(v.GetString("qdrant.url")); u != "" {
		cfg.URL = u
	}
	if d := strings.TrimSpace(v.GetString("qdrant.distance")); d != "" {
		cfg.Distance = d
	}
	if err := qdrant.ValidateConfig(cfg); err != nil {
		return qdrant.Config{}, err
	}
	return cfg, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
