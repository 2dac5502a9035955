package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	Pipeline  PipelineConfig
	Stages    StagesConfig
	Storage   StorageConfig
	Publisher PublisherConfig
	Worker    WorkerConfig
	Poll      PollConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	BodyLimit int // bytes
	// PublicURL prefixes links to files served by the local storage fallback.
	PublicURL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	JobsPerHour int
}

// StoreConfig selects the job store backend: sqlite, postgres or redis.
type StoreConfig struct {
	Driver string
	DSN    string
}

type PipelineConfig struct {
	SharedDir    string
	Checkpoint   string
	ModelSet     string
	DefaultVoice string
}

type StagesConfig struct {
	Melody StageConfig
	Vocal  StageConfig
}

// StageConfig describes how to reach one long-lived external stage worker.
type StageConfig struct {
	Transport string // http or docker
	URL       string
	Container string
	Script    string
	Timeout   time.Duration
	AutoBPM   bool
}

type StorageConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Endpoint        string
	SignedURLTTL    time.Duration
}

type PublisherConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type PollConfig struct {
	Interval     time.Duration
	BaseAttempts int
	Headroom     float64
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("STORE_DSN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":               "SERVER_PORT",
		"server.env":                "SERVER_ENV",
		"server.log_level":          "LOG_LEVEL",
		"server.public_url":         "PUBLIC_URL",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"redis.db":                  "REDIS_DB",
		"jwt.secret":                "JWT_SECRET",
		"zitadel.domain":            "ZITADEL_DOMAIN",
		"zitadel.client_id":         "ZITADEL_CLIENT_ID",
		"zitadel.issuer":            "ZITADEL_ISSUER",
		"gateway.enabled":           "GATEWAY_ENABLED",
		"store.driver":              "STORE_DRIVER",
		"store.dsn":                 "STORE_DSN",
		"pipeline.shared_dir":       "SHARED_DIR",
		"pipeline.checkpoint":       "MODEL_CHECKPOINT",
		"pipeline.model_set":        "MODEL_SET",
		"pipeline.default_voice":    "DEFAULT_VOICE",
		"stages.melody.transport":   "MELODY_TRANSPORT",
		"stages.melody.url":         "MELODY_SERVICE_URL",
		"stages.melody.container":   "MELODY_CONTAINER",
		"stages.melody.timeout":     "MELODY_TIMEOUT",
		"stages.melody.auto_bpm":    "MELODY_AUTO_BPM",
		"stages.vocal.transport":    "VOCAL_TRANSPORT",
		"stages.vocal.url":          "VOCAL_SERVICE_URL",
		"stages.vocal.container":    "VOCAL_CONTAINER",
		"stages.vocal.timeout":      "VOCAL_TIMEOUT",
		"storage.account_id":        "R2_ACCOUNT_ID",
		"storage.access_key_id":     "R2_ACCESS_KEY_ID",
		"storage.secret_access_key": "R2_SECRET_ACCESS_KEY",
		"storage.bucket_name":       "R2_BUCKET_NAME",
		"storage.endpoint":          "R2_ENDPOINT",
		"storage.signed_url_ttl":    "SIGNED_URL_TTL",
		"worker.concurrency":        "WORKER_CONCURRENCY",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			BodyLimit: v.GetInt("server.body_limit"),
			PublicURL: v.GetString("server.public_url"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour: v.GetInt("ratelimit.jobs_per_hour"),
		},
		Store: StoreConfig{
			Driver: v.GetString("store.driver"),
			DSN:    v.GetString("store.dsn"),
		},
		Pipeline: PipelineConfig{
			SharedDir:    v.GetString("pipeline.shared_dir"),
			Checkpoint:   v.GetString("pipeline.checkpoint"),
			ModelSet:     v.GetString("pipeline.model_set"),
			DefaultVoice: v.GetString("pipeline.default_voice"),
		},
		Stages: StagesConfig{
			Melody: stageConfig(v, "stages.melody"),
			Vocal:  stageConfig(v, "stages.vocal"),
		},
		Storage: StorageConfig{
			AccountID:       v.GetString("storage.account_id"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			BucketName:      v.GetString("storage.bucket_name"),
			Endpoint:        v.GetString("storage.endpoint"),
			SignedURLTTL:    v.GetDuration("storage.signed_url_ttl"),
		},
		Publisher: PublisherConfig{
			MaxAttempts:    v.GetInt("publisher.max_attempts"),
			InitialBackoff: v.GetDuration("publisher.initial_backoff"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
		},
		Poll: PollConfig{
			Interval:     v.GetDuration("poll.interval"),
			BaseAttempts: v.GetInt("poll.base_attempts"),
			Headroom:     v.GetFloat64("poll.headroom"),
		},
	}

	modelSet := cfg.Pipeline.ModelSet
	if cfg.Stages.Melody.Container == "" {
		cfg.Stages.Melody.Container = "melody-generation-" + modelSet
	}
	if cfg.Stages.Vocal.Container == "" {
		cfg.Stages.Vocal.Container = "vocal-mix-" + modelSet
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.body_limit", 100*1024*1024)
	v.SetDefault("server.public_url", "http://localhost:8000")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.jobs_per_hour", 20)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./data/jobs.db")

	v.SetDefault("pipeline.shared_dir", "/shared_data")
	v.SetDefault("pipeline.checkpoint", "/app/checkpoints/checkpoint.pth")
	v.SetDefault("pipeline.model_set", "set1")
	v.SetDefault("pipeline.default_voice", "female")

	v.SetDefault("stages.melody.transport", "http")
	v.SetDefault("stages.melody.url", "http://localhost:8091")
	v.SetDefault("stages.melody.script", "melody_generation.py")
	v.SetDefault("stages.melody.timeout", 20*time.Minute)
	v.SetDefault("stages.melody.auto_bpm", true)
	v.SetDefault("stages.vocal.transport", "http")
	v.SetDefault("stages.vocal.url", "http://localhost:8092")
	v.SetDefault("stages.vocal.script", "make_vocalmix.py")
	v.SetDefault("stages.vocal.timeout", 20*time.Minute)

	v.SetDefault("storage.signed_url_ttl", 7*24*time.Hour)
	v.SetDefault("publisher.max_attempts", 3)
	v.SetDefault("publisher.initial_backoff", 2*time.Second)

	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.base_attempts", 120)
	v.SetDefault("poll.headroom", 1.5)
}

func stageConfig(v *viper.Viper, prefix string) StageConfig {
	return StageConfig{
		Transport: v.GetString(prefix + ".transport"),
		URL:       v.GetString(prefix + ".url"),
		Container: v.GetString(prefix + ".container"),
		Script:    v.GetString(prefix + ".script"),
		Timeout:   v.GetDuration(prefix + ".timeout"),
		AutoBPM:   v.GetBool(prefix + ".auto_bpm"),
	}
}

// PipelineTimeout bounds a whole job run: both stages plus upload headroom.
func (c *Config) PipelineTimeout() time.Duration {
	return c.Stages.Melody.Timeout + c.Stages.Vocal.Timeout + 10*time.Minute
}
