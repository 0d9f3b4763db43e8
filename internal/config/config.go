package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9091"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	QueuePrefix   string `env:"QUEUE_PREFIX" envDefault:"prodq"`
	JWTSigningKey string `env:"JWT_SIGNING_KEY"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Scraper Scraper
	Worker  Worker

	MonthlyCallLimit int           `env:"MONTHLY_CALL_LIMIT" envDefault:"1000"`
	SchedulerTick    time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Scraper configures the external scraping API client.
type Scraper struct {
	APIKey      string        `env:"SCRAPER_API_KEY"`
	BaseURL     string        `env:"SCRAPER_BASE_URL" envDefault:"https://api.scraperapi.com"`
	Country     string        `env:"SCRAPER_COUNTRY" envDefault:"us"`
	Timeout     time.Duration `env:"SCRAPER_TIMEOUT" envDefault:"60s"`
	MaxAttempts int           `env:"SCRAPER_MAX_ATTEMPTS" envDefault:"3"`
}

// Worker configures the collection worker pool and the queue retry policy.
type Worker struct {
	Concurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	RateMax     int           `env:"WORKER_RATE_MAX" envDefault:"10"`
	RateWindow  time.Duration `env:"WORKER_RATE_WINDOW" envDefault:"1m"`
	JobAttempts int           `env:"JOB_ATTEMPTS" envDefault:"3"`
	JobBackoff  time.Duration `env:"JOB_BACKOFF" envDefault:"5s"`
	JobTimeout  time.Duration `env:"JOB_TIMEOUT" envDefault:"10m"`
}

// Load reads an optional .env file and then parses the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if c.Worker.Concurrency < 1 {
		return Config{}, errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Worker.RateMax < 1 || c.Worker.RateWindow <= 0 {
		return Config{}, errors.New("WORKER_RATE_MAX and WORKER_RATE_WINDOW must be positive")
	}
	return c, nil
}

func (c Config) Production() bool { return c.AppEnv == "prod" || c.AppEnv == "production" }
