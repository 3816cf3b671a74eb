package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "NEXVISION"

const (
	FailClosed = "closed"
	FailOpen   = "open"

	VisionRekognition = "rekognition"
	VisionGCP         = "gcp"

	ReimagineGemini = "gemini"
	ReimagineOpenAI = "openai"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

type StorageConfig struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	BucketOriginals string
	BucketVariants  string
	UseSSL          bool
	Region          string
	PresignTTL      time.Duration
}

type SecurityConfig struct {
	UploadTokenSecret string
	UploadTokenTTL    time.Duration
}

type VisionConfig struct {
	Provider                string
	Region                  string
	MinModerationConfidence float64
	MinLabelConfidence      float64
	MaxLabels               int
	Timeout                 time.Duration
	GCPCredentialsFile      string
}

type GateConfig struct {
	FailureMode string
	CacheTTL    time.Duration
}

type OrientationConfig struct {
	Quality          float64
	ReimagineQuality float64
	MaxUploadBytes   int64
}

type ReimagineConfig struct {
	Provider     string
	GeminiAPIKey string
	GeminiModel  string
	OpenAIAPIKey string
	OpenAIModel  string
	Timeout      time.Duration
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type QueueConfig struct {
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
	BlockTimeout      time.Duration
	MaxDeliveries     int64
	DeadLetterStream  string
}

type JobsConfig struct {
	CleanupSchedule string
	RecheckSchedule string
	Retention       time.Duration
	RecheckBatch    int
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Vision           VisionConfig
	Gate             GateConfig
	Orientation      OrientationConfig
	Reimagine        ReimagineConfig
	RateLimit        RateLimitConfig
	AllowCORSOrigins []string
}

type WorkerConfig struct {
	Environment string
	Postgres    PostgresConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Vision      VisionConfig
	Gate        GateConfig
	Orientation OrientationConfig
	Queues      QueueConfig
	Jobs        JobsConfig
	Logging     LoggingConfig
}

// Load reads config.yaml and NEXVISION_* environment overrides for the API.
func Load() (*AppConfig, error) {
	var cfg AppConfig
	if err := load("config", &cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg.Gate, cfg.Vision, &cfg.Reimagine); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker reads worker.yaml with the same environment overrides.
func LoadWorker() (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := load("worker", &cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg.Gate, cfg.Vision, nil); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(name string, target any) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config file: %w", err)
		}
	}

	if err := v.Unmarshal(target, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func validate(gate GateConfig, vision VisionConfig, reimagine *ReimagineConfig) error {
	var errs []error

	switch gate.FailureMode {
	case FailClosed, FailOpen:
	default:
		errs = append(errs, fmt.Errorf("gate.failuremode must be %q or %q, got %q", FailClosed, FailOpen, gate.FailureMode))
	}

	switch vision.Provider {
	case VisionRekognition, VisionGCP:
	default:
		errs = append(errs, fmt.Errorf("vision.provider %q is not supported", vision.Provider))
	}

	if reimagine != nil {
		switch reimagine.Provider {
		case ReimagineGemini, ReimagineOpenAI:
		default:
			errs = append(errs, fmt.Errorf("reimagine.provider %q is not supported", reimagine.Provider))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "60s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "media:ingest")
	v.SetDefault("redis.group", "media-workers")
	v.SetDefault("redis.consumer", "worker-1")

	v.SetDefault("storage.endpoint", "127.0.0.1:9000")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucketoriginals", "nexvision-originals")
	v.SetDefault("storage.bucketvariants", "nexvision-variants")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.presignttl", "1h")

	v.SetDefault("security.uploadtokensecret", "")
	v.SetDefault("security.uploadtokenttl", "24h")

	v.SetDefault("vision.provider", VisionRekognition)
	v.SetDefault("vision.region", "us-east-1")
	v.SetDefault("vision.minmoderationconfidence", 50)
	v.SetDefault("vision.minlabelconfidence", 30)
	v.SetDefault("vision.maxlabels", 50)
	v.SetDefault("vision.timeout", "20s")
	v.SetDefault("vision.gcpcredentialsfile", "")

	v.SetDefault("gate.failuremode", FailClosed)
	v.SetDefault("gate.cachettl", "24h")

	v.SetDefault("orientation.quality", 0.92)
	v.SetDefault("orientation.reimaginequality", 0.95)
	v.SetDefault("orientation.maxuploadbytes", 5<<20)

	v.SetDefault("reimagine.provider", ReimagineGemini)
	v.SetDefault("reimagine.geminiapikey", "")
	v.SetDefault("reimagine.geminimodel", "gemini-2.5-flash-image-preview")
	v.SetDefault("reimagine.openaiapikey", "")
	v.SetDefault("reimagine.openaimodel", "gpt-image-1")
	v.SetDefault("reimagine.timeout", "120s")

	v.SetDefault("ratelimit.requests", 3)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("allowcorsorigins", []string{})

	v.SetDefault("queues.visibilitytimeout", "2m")
	v.SetDefault("queues.claiminterval", "10s")
	v.SetDefault("queues.blocktimeout", "5s")
	v.SetDefault("queues.maxdeliveries", 5)
	v.SetDefault("queues.deadletterstream", "media:ingest:dead")

	v.SetDefault("jobs.cleanupschedule", "@every 1h")
	v.SetDefault("jobs.recheckschedule", "@every 15m")
	v.SetDefault("jobs.retention", "168h")
	v.SetDefault("jobs.recheckbatch", 20)

	v.SetDefault("logging.level", "info")
}
