package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	WorkerBin     string        `env:"WORKER_BIN" envDefault:"taskmill-worker"`
	JobLogCap     int           `env:"JOB_LOG_CAP" envDefault:"500"`
	KillGrace     time.Duration `env:"KILL_GRACE" envDefault:"5s"`
	ScriptTimeout time.Duration `env:"SCRIPT_TIMEOUT" envDefault:"20m"`
	VideoTimeout  time.Duration `env:"VIDEO_TIMEOUT" envDefault:"60m"`
	CrawlTimeout  time.Duration `env:"CRAWL_TIMEOUT" envDefault:"30m"`
	JobTimeout    time.Duration `env:"JOB_TIMEOUT" envDefault:"30m"`

	CrawlWorkers     int           `env:"CRAWL_WORKERS" envDefault:"3"`
	CrawlPoll        time.Duration `env:"CRAWL_POLL" envDefault:"2s"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"2"`

	ScriptCost int64 `env:"SCRIPT_COST" envDefault:"50"`
	VideoCost  int64 `env:"VIDEO_COST" envDefault:"40"`
}

func Load() Config {
	_ = godotenv.Load()
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
