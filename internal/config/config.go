package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	CycleTopic     string // nudges that start a worker cycle
	CycleChannel   string // channel the workers share on CycleTopic
	EventsTopic    string // job outcome events
	PublishEvents  bool
}

type Worker struct {
	PollInterval time.Duration // time between ticker-driven cycles
	ClaimLimit   int           // jobs claimed per cycle
	JobType      string        // "" claims every type
	HTTPPort     string        // Worker HTTP metrics port
	NSQTrigger   bool          // also run a cycle per NSQ nudge
}

type Batch struct {
	DefaultConcurrency    int
	DefaultDelayMs        int
	DefaultTimeoutSeconds int
	MaxItems              int  // per-action item cap when the action sets none
	ConcurrencyLimit      int  // running batch jobs across all workers, 0 is unlimited
	StrictMapping         bool // fail items of unrecognised bulk responses
}

type Gateway struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type Auth struct {
	PublicKey         string // PEM, RSA
	Issuer            string
	Audience          string
	TrustTenantHeader bool
}

// Redis is optional; an empty Addr selects the in-process rate limit tracker.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Config struct {
	AppName  string
	HTTPPort string // :8080
	GRPCPort string // :50051
	DB       DB
	NSQ      NSQ
	Worker   Worker
	Batch    Batch
	Gateway  Gateway
	Auth     Auth
	Redis    Redis
	LogLevel string
}

var defaults = map[string]any{
	"APP_NAME":  "harborjobs",
	"HTTP_PORT": ":8080",
	"GRPC_PORT": ":50051",

	"DB_USER":      "postgres",
	"DB_PASS":      "postgres",
	"DB_HOST":      "postgres",
	"DB_PORT":      "5432",
	"DB_NAME":      "harborjobs",
	"DB_MAX_CONNS": 10,

	"NSQD_TCP_ADDR":        "nsqd:4150",
	"NSQ_LOOKUP_HTTP_ADDR": "http://nsqlookupd:4161",
	"NSQ_CYCLE_TOPIC":      "worker_cycles",
	"NSQ_CYCLE_CHANNEL":    "workers",
	"NSQ_EVENTS_TOPIC":     "job_events",
	"PUBLISH_JOB_EVENTS":   false,

	"WORKER_POLL_INTERVAL": "1m",
	"WORKER_CLAIM_LIMIT":   10,
	"WORKER_JOB_TYPE":      "",
	"WORKER_HTTP_PORT":     "8083",
	"WORKER_NSQ_TRIGGER":   true,

	"BATCH_DEFAULT_CONCURRENCY":     5,
	"BATCH_DEFAULT_DELAY_MS":        0,
	"BATCH_DEFAULT_TIMEOUT_SECONDS": 30,
	"BATCH_MAX_ITEMS":               10000,
	"BATCH_CONCURRENCY_LIMIT":       0,
	"BATCH_STRICT_MAPPING":          false,

	"GATEWAY_URL":     "http://gateway:8090",
	"GATEWAY_TOKEN":   "",
	"GATEWAY_TIMEOUT": "30s",

	"JWT_PUBLIC_KEY":      "",
	"JWT_ISSUER":          "harborjobs",
	"JWT_AUDIENCE":        "harborjobs-api",
	"TRUST_TENANT_HEADER": false,

	"REDIS_ADDR":     "",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"LOG_LEVEL": "info",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return v
}

// FromEnv reads the configuration from the environment, after loading a
// .env file from the working directory if there is one. Variables already
// set in the environment win over the file.
func FromEnv() Config {
	_ = godotenv.Load()
	return fromViper(newViper())
}

// Load is FromEnv plus an optional config file (any format viper reads)
// whose keys use the environment variable names. The environment wins over
// the file.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		AppName:  v.GetString("APP_NAME"),
		HTTPPort: v.GetString("HTTP_PORT"),
		GRPCPort: v.GetString("GRPC_PORT"),
		DB: DB{
			User:     v.GetString("DB_USER"),
			Pass:     v.GetString("DB_PASS"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			MaxConns: v.GetInt("DB_MAX_CONNS"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    v.GetString("NSQD_TCP_ADDR"),
			LookupHTTPAddr: v.GetString("NSQ_LOOKUP_HTTP_ADDR"),
			CycleTopic:     v.GetString("NSQ_CYCLE_TOPIC"),
			CycleChannel:   v.GetString("NSQ_CYCLE_CHANNEL"),
			EventsTopic:    v.GetString("NSQ_EVENTS_TOPIC"),
			PublishEvents:  v.GetBool("PUBLISH_JOB_EVENTS"),
		},
		Worker: Worker{
			PollInterval: v.GetDuration("WORKER_POLL_INTERVAL"),
			ClaimLimit:   v.GetInt("WORKER_CLAIM_LIMIT"),
			JobType:      v.GetString("WORKER_JOB_TYPE"),
			HTTPPort:     ":" + v.GetString("WORKER_HTTP_PORT"),
			NSQTrigger:   v.GetBool("WORKER_NSQ_TRIGGER"),
		},
		Batch: Batch{
			DefaultConcurrency:    v.GetInt("BATCH_DEFAULT_CONCURRENCY"),
			DefaultDelayMs:        v.GetInt("BATCH_DEFAULT_DELAY_MS"),
			DefaultTimeoutSeconds: v.GetInt("BATCH_DEFAULT_TIMEOUT_SECONDS"),
			MaxItems:              v.GetInt("BATCH_MAX_ITEMS"),
			ConcurrencyLimit:      v.GetInt("BATCH_CONCURRENCY_LIMIT"),
			StrictMapping:         v.GetBool("BATCH_STRICT_MAPPING"),
		},
		Gateway: Gateway{
			URL:     v.GetString("GATEWAY_URL"),
			Token:   v.GetString("GATEWAY_TOKEN"),
			Timeout: v.GetDuration("GATEWAY_TIMEOUT"),
		},
		Auth: Auth{
			PublicKey:         v.GetString("JWT_PUBLIC_KEY"),
			Issuer:            v.GetString("JWT_ISSUER"),
			Audience:          v.GetString("JWT_AUDIENCE"),
			TrustTenantHeader: v.GetBool("TRUST_TENANT_HEADER"),
		},
		Redis: Redis{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
