// Package config loads platform settings from an optional YAML file with
// MLSEC_-prefixed environment overrides on top. Every key has a default, so
// an empty configuration is fully usable for local development and tests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration tree shared by all binaries.
// Each binary reads only the groups it needs.
type Config struct {
	Log        Log        `yaml:"log"`
	API        API        `yaml:"api"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Broker     Broker     `yaml:"broker"`
	Blobstore  Blobstore  `yaml:"blobstore"`
	Gateway    Gateway    `yaml:"gateway"`
	Docker     Docker     `yaml:"docker"`
	Worker     Worker     `yaml:"worker"`
	DefenseJob DefenseJob `yaml:"defense_job"`
	Evaluation Evaluation `yaml:"evaluation"`
	Source     Source     `yaml:"source"`
}

type Log struct {
	Level string `yaml:"level"`
}

type API struct {
	ListenAddr string `yaml:"listen_addr"`
}

type Database struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Broker struct {
	Queue string `yaml:"queue"`
}

type Blobstore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Gateway struct {
	// URL is where workers reach the gateway; ListenAddr is where the
	// gateway binary itself listens. ContainerName is the gateway's own
	// container, connected to each job-private network so it can reach
	// the defense inside.
	URL                 string `yaml:"url"`
	AuthSecret          string `yaml:"auth_secret"`
	ListenAddr          string `yaml:"listen_addr"`
	AllowedTargetPrefix string `yaml:"allowed_target_prefix"`
	ContainerName       string `yaml:"container_name"`
}

type Docker struct {
	// Host overrides the daemon address, e.g. "/var/run/docker.sock".
	// Empty uses the platform default.
	Host string `yaml:"host"`
}

type Worker struct {
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	IdleExitSeconds          int    `yaml:"idle_exit_seconds"` // 0 = never exit when idle
	MetricsAddr              string `yaml:"metrics_addr"`
	Reaper                   Reaper `yaml:"reaper"`
}

type Reaper struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	StaleAfterSeconds    int `yaml:"stale_after_seconds"`
	JobStaleAfterSeconds int `yaml:"job_stale_after_seconds"`
}

type DefenseJob struct {
	MemLimit                string `yaml:"mem_limit"` // docker-style, e.g. "1g"
	NanoCPUs                int64  `yaml:"nano_cpus"`
	PidsLimit               int64  `yaml:"pids_limit"`
	ContainerTimeoutSeconds int    `yaml:"container_timeout_seconds"`
	MaxUncompressedSizeMB   int64  `yaml:"max_uncompressed_size_mb"`
}

type Evaluation struct {
	RequestsTimeoutSeconds int `yaml:"requests_timeout_seconds"`
}

type Source struct {
	MaxZipSizeMB        int64 `yaml:"max_zip_size_mb"`
	MaxBuildTimeSeconds int   `yaml:"max_build_time_seconds"`
	NetworkDisabled     bool  `yaml:"network_disabled"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Log:      Log{Level: "info"},
		API:      API{ListenAddr: ":8000"},
		Database: Database{Driver: "sqlite", DSN: "mlsec.db"},
		Redis:    Redis{Addr: "localhost:6379"},
		Broker:   Broker{Queue: "mlsec"},
		Blobstore: Blobstore{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "mlsec",
		},
		Gateway: Gateway{
			URL:                 "http://localhost:8088",
			ListenAddr:          ":8088",
			AllowedTargetPrefix: "mlsec-defense-",
			ContainerName:       "mlsec-gateway",
		},
		Worker: Worker{
			HeartbeatIntervalSeconds: 30,
			MetricsAddr:              ":9100",
			Reaper: Reaper{
				IntervalSeconds:      60,
				StaleAfterSeconds:    300,
				JobStaleAfterSeconds: 86400,
			},
		},
		DefenseJob: DefenseJob{
			MemLimit:                "1g",
			NanoCPUs:                1_000_000_000,
			PidsLimit:               256,
			ContainerTimeoutSeconds: 30,
			MaxUncompressedSizeMB:   4096,
		},
		Evaluation: Evaluation{RequestsTimeoutSeconds: 5},
		Source: Source{
			MaxZipSizeMB:        512,
			MaxBuildTimeSeconds: 300,
			NetworkDisabled:     true,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty) on top of
// the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// -----------------------------------------------------------------------------
// Derived values
// -----------------------------------------------------------------------------

// MemLimitBytes parses the docker-style memory limit ("1g", "512m").
func (d DefenseJob) MemLimitBytes() (int64, error) {
	n, err := units.RAMInBytes(d.MemLimit)
	if err != nil {
		return 0, fmt.Errorf("config: parse mem_limit %q: %w", d.MemLimit, err)
	}
	return n, nil
}

// ContainerTimeout is how long to wait for a defense container to become
// ready before the job fails.
func (d DefenseJob) ContainerTimeout() time.Duration {
	return time.Duration(d.ContainerTimeoutSeconds) * time.Second
}

// RequestsTimeout bounds a single classification request.
func (e Evaluation) RequestsTimeout() time.Duration {
	return time.Duration(e.RequestsTimeoutSeconds) * time.Second
}

// MaxBuildTime bounds a git clone or image build.
func (s Source) MaxBuildTime() time.Duration {
	return time.Duration(s.MaxBuildTimeSeconds) * time.Second
}

// HeartbeatInterval is how often a worker refreshes its liveness timestamp.
func (w Worker) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

// IdleExit returns how long a worker may sit idle before exiting,
// and whether idle exit is enabled at all.
func (w Worker) IdleExit() (time.Duration, bool) {
	if w.IdleExitSeconds <= 0 {
		return 0, false
	}
	return time.Duration(w.IdleExitSeconds) * time.Second, true
}

// Interval is how often the reaper sweeps.
func (r Reaper) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// StaleAfter is the heartbeat age beyond which a worker counts as dead.
func (r Reaper) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterSeconds) * time.Second
}

// JobStaleAfter is the update age beyond which a running job counts as
// abandoned.
func (r Reaper) JobStaleAfter() time.Duration {
	return time.Duration(r.JobStaleAfterSeconds) * time.Second
}

// -----------------------------------------------------------------------------
// Environment overrides
// -----------------------------------------------------------------------------

func applyEnv(cfg *Config) {
	setString(&cfg.Log.Level, "MLSEC_LOG_LEVEL")
	setString(&cfg.API.ListenAddr, "MLSEC_API_LISTEN_ADDR")
	setString(&cfg.Database.Driver, "MLSEC_DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "MLSEC_DATABASE_DSN")
	setString(&cfg.Redis.Addr, "MLSEC_REDIS_ADDR")
	setString(&cfg.Redis.Password, "MLSEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MLSEC_REDIS_DB")
	setString(&cfg.Broker.Queue, "MLSEC_BROKER_QUEUE")
	setString(&cfg.Blobstore.Endpoint, "MLSEC_BLOBSTORE_ENDPOINT")
	setString(&cfg.Blobstore.AccessKey, "MLSEC_BLOBSTORE_ACCESS_KEY")
	setString(&cfg.Blobstore.SecretKey, "MLSEC_BLOBSTORE_SECRET_KEY")
	setString(&cfg.Blobstore.Bucket, "MLSEC_BLOBSTORE_BUCKET")
	setBool(&cfg.Blobstore.UseSSL, "MLSEC_BLOBSTORE_USE_SSL")
	setString(&cfg.Gateway.URL, "MLSEC_GATEWAY_URL")
	setString(&cfg.Gateway.AuthSecret, "MLSEC_GATEWAY_AUTH_SECRET")
	setString(&cfg.Gateway.ListenAddr, "MLSEC_GATEWAY_LISTEN_ADDR")
	setString(&cfg.Gateway.AllowedTargetPrefix, "MLSEC_GATEWAY_ALLOWED_TARGET_PREFIX")
	setString(&cfg.Gateway.ContainerName, "MLSEC_GATEWAY_CONTAINER_NAME")
	setString(&cfg.Docker.Host, "MLSEC_DOCKER_HOST")
	setInt(&cfg.Worker.HeartbeatIntervalSeconds, "MLSEC_WORKER_HEARTBEAT_INTERVAL_SECONDS")
	setInt(&cfg.Worker.IdleExitSeconds, "MLSEC_WORKER_IDLE_EXIT_SECONDS")
	setString(&cfg.Worker.MetricsAddr, "MLSEC_WORKER_METRICS_ADDR")
	setInt(&cfg.Worker.Reaper.IntervalSeconds, "MLSEC_REAPER_INTERVAL_SECONDS")
	setInt(&cfg.Worker.Reaper.StaleAfterSeconds, "MLSEC_REAPER_STALE_AFTER_SECONDS")
	setInt(&cfg.Worker.Reaper.JobStaleAfterSeconds, "MLSEC_REAPER_JOB_STALE_AFTER_SECONDS")
	setString(&cfg.DefenseJob.MemLimit, "MLSEC_DEFENSE_JOB_MEM_LIMIT")
	setInt64(&cfg.DefenseJob.NanoCPUs, "MLSEC_DEFENSE_JOB_NANO_CPUS")
	setInt64(&cfg.DefenseJob.PidsLimit, "MLSEC_DEFENSE_JOB_PIDS_LIMIT")
	setInt(&cfg.DefenseJob.ContainerTimeoutSeconds, "MLSEC_DEFENSE_JOB_CONTAINER_TIMEOUT_SECONDS")
	setInt64(&cfg.DefenseJob.MaxUncompressedSizeMB, "MLSEC_DEFENSE_JOB_MAX_UNCOMPRESSED_SIZE_MB")
	setInt(&cfg.Evaluation.RequestsTimeoutSeconds, "MLSEC_EVALUATION_REQUESTS_TIMEOUT_SECONDS")
	setInt64(&cfg.Source.MaxZipSizeMB, "MLSEC_SOURCE_MAX_ZIP_SIZE_MB")
	setInt(&cfg.Source.MaxBuildTimeSeconds, "MLSEC_SOURCE_MAX_BUILD_TIME_SECONDS")
	setBool(&cfg.Source.NetworkDisabled, "MLSEC_SOURCE_NETWORK_DISABLED")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
