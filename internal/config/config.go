// Package config loads the process configuration from the environment
// using struct tags, following the same envconfig-driven pattern used for
// provider-facing services elsewhere in this stack.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env  string `env:"ENV,default=development"`
	Port int    `env:"PORT,default=8080"`

	PostgresDSN string `env:"POSTGRES_DSN,required"`

	RedisAddr    string `env:"REDIS_ADDR,required"`
	RedisChannel string `env:"REDIS_CHANNEL,default=pipeline-events"`

	GCSBucket         string `env:"GCS_BUCKET,required"`
	GCSCDNDomain      string `env:"GCS_CDN_DOMAIN"`
	GCSSignedURLTTL   time.Duration `env:"GCS_SIGNED_URL_TTL,default=1h"`
	GCSEmulatorHost   string `env:"STORAGE_EMULATOR_HOST"`
	GCSSignerEmail    string `env:"GCS_SIGNER_EMAIL"`
	GCSPrivateKeyPath string `env:"GCS_PRIVATE_KEY_PATH"`

	PlannerEndpoint string `env:"PLANNER_ENDPOINT,required"`
	PlannerAPIKey   string `env:"PLANNER_API_KEY,required"`
	ImageEndpoint   string `env:"IMAGE_ENDPOINT,required"`
	ImageAPIKey     string `env:"IMAGE_API_KEY,required"`
	VideoEndpoint   string `env:"VIDEO_ENDPOINT,required"`
	VideoAPIKey     string `env:"VIDEO_API_KEY,required"`
	MusicEndpoint   string `env:"MUSIC_ENDPOINT,required"`
	MusicAPIKey     string `env:"MUSIC_API_KEY,required"`

	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY,default=4"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL,default=1s"`
	JobMaxAttempts     int           `env:"JOB_MAX_ATTEMPTS,default=5"`
	JobRetryDelay      time.Duration `env:"JOB_RETRY_DELAY,default=30s"`
	JobStaleRunning    time.Duration `env:"JOB_STALE_RUNNING,default=2m"`

	ChunkGroupConcurrency int `env:"CHUNK_GROUP_CONCURRENCY,default=4"`
	StoryboardConcurrency int `env:"STORYBOARD_CONCURRENCY,default=4"`

	PlanStageBudget       time.Duration `env:"PLAN_STAGE_BUDGET,default=2m"`
	StoryboardStageBudget time.Duration `env:"STORYBOARD_STAGE_BUDGET,default=10m"`
	ChunksStageBudget     time.Duration `env:"CHUNKS_STAGE_BUDGET,default=30m"`
	RefineStageBudget     time.Duration `env:"REFINE_STAGE_BUDGET,default=10m"`

	FFmpegPath  string `env:"FFMPEG_PATH,default=ffmpeg"`
	FFprobePath string `env:"FFPROBE_PATH,default=ffprobe"`

	TemporalAddress   string `env:"TEMPORAL_ADDRESS"`
	TemporalNamespace string `env:"TEMPORAL_NAMESPACE,default=adforge"`
	TemporalTaskQueue string `env:"TEMPORAL_TASK_QUEUE,default=adforge-pipeline"`

	BlobGCGracePeriod time.Duration `env:"BLOB_GC_GRACE_PERIOD,default=24h"`

	LogMode string `env:"LOG_MODE,default=development"`
}

func (c Config) TemporalEnabled() bool {
	return c.TemporalAddress != ""
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
