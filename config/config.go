package config

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
)

type Config struct {
	MinIOBucket string
	App         App
	DB          *sql.DB       // nil when no postgres host is configured
	Queue       *RabbitMQ     // nil when no broker host is configured
	Storage     *minio.Client // nil when no minio url is configured
	Server      Server
	Limits      Limits
	Capability  Capability
}

type App struct {
	Environment string
	Host        string
	Protocol    string
}

type Server struct {
	HttpPort string
	Workers  int
}

// Limits carries the tunables of the orchestration engine. Every value has a
// viper default, so a minimal config file runs the whole pipeline in-process.
type Limits struct {
	MaxUploadBytes int64
	MaxTextChars   int
	DedupWindow    time.Duration
	LeaseTTL       time.Duration
	ConvertTimeout time.Duration
	MaxRetries     int
	QueueDepth     int
	ArtifactTTL    time.Duration
	SweepInterval  time.Duration
}

// Capability points at the external conversion services.
type Capability struct {
	TranscribeURL string
	SynthesizeURL string
	APIKey        string
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.workers", 4)
	viper.SetDefault("limits.max_upload_bytes", int64(150*1024*1024))
	viper.SetDefault("limits.max_text_chars", 5000)
	viper.SetDefault("limits.dedup_window", "10m")
	viper.SetDefault("limits.lease_ttl", "2m")
	viper.SetDefault("limits.convert_timeout", "5m")
	viper.SetDefault("limits.max_retries", 3)
	viper.SetDefault("limits.queue_depth", 256)
	viper.SetDefault("limits.artifact_ttl", "24h")
	viper.SetDefault("limits.sweep_interval", "5m")

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if dsn := viper.GetString("postgresql_host"); dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
	}

	var rabbitmq *RabbitMQ
	if viper.GetString("rabbitmq_host") != "" {
		rabbitmq = &RabbitMQ{
			Host:         viper.GetString("rabbitmq_host"),
			Port:         viper.GetInt("rabbitmq_port"),
			User:         viper.GetString("rabbitmq_user"),
			Pass:         viper.GetString("rabbitmq_pass"),
			ExchangeName: viper.GetString("rabbitmq_exchange"),
			Kind:         viper.GetString("rabbitmq_kind"),
		}
	}

	var minioClient *minio.Client
	if url := viper.GetString("minio.url"); url != "" {
		minioClient, err = minio.New(url, &minio.Options{
			Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
			Secure: false,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		App: App{
			Environment: viper.GetString("app.environment"),
			Host:        viper.GetString("app.host"),
			Protocol:    viper.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
			Workers:  viper.GetInt("server.workers"),
		},
		Limits: Limits{
			MaxUploadBytes: viper.GetInt64("limits.max_upload_bytes"),
			MaxTextChars:   viper.GetInt("limits.max_text_chars"),
			DedupWindow:    viper.GetDuration("limits.dedup_window"),
			LeaseTTL:       viper.GetDuration("limits.lease_ttl"),
			ConvertTimeout: viper.GetDuration("limits.convert_timeout"),
			MaxRetries:     viper.GetInt("limits.max_retries"),
			QueueDepth:     viper.GetInt("limits.queue_depth"),
			ArtifactTTL:    viper.GetDuration("limits.artifact_ttl"),
			SweepInterval:  viper.GetDuration("limits.sweep_interval"),
		},
		Capability: Capability{
			TranscribeURL: viper.GetString("capability.transcribe_url"),
			SynthesizeURL: viper.GetString("capability.synthesize_url"),
			APIKey:        viper.GetString("capability.api_key"),
		},
		DB:      db,
		Queue:   rabbitmq,
		Storage: minioClient,
	}, nil
}
