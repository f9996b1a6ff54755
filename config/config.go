package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Environment string

	// RunID tags every log line of one invocation; minted fresh by main
	// when not pinned through the environment.
	RunID string

	// Relational store connection
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	MaxConnections  int32
	MinConnections  int32
	MaxLifetimeSecs int
	IdleTimeoutSecs int

	// Ingestion pipeline
	ParseBatchSize           int
	DBInsertBatchSize        int
	ProgressUpdateIntervalMS int
	ChannelBufferSize        int

	// Object store (git-backed mailing-list archive)
	GitDir              string
	GitWorkTree         string
	ObjectReaderWorkers int

	// Resilience around the object store's external process calls
	BreakerFailureThreshold int
	BreakerTimeoutSecs      int

	// Optional query-accessor cache
	RedisURL    string
	CacheTTLMin int

	// Optional thread graph mirror
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string
}

func Load() (*Config, error) {
	return &Config{
		Environment: getEnv("ENV", "development"),
		RunID:       getEnv("RUN_ID", ""),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "mysecretpassword"),
		DBName:     getEnv("DB_NAME", "postgres"),

		MaxConnections:  int32(getEnvInt("MAX_CONNECTIONS", 500)),
		MinConnections:  int32(getEnvInt("MIN_CONNECTIONS", 50)),
		MaxLifetimeSecs: getEnvInt("MAX_LIFETIME_SECS", 300),
		IdleTimeoutSecs: getEnvInt("IDLE_TIMEOUT_SECS", 60),

		ParseBatchSize:           getEnvInt("PARSE_BATCH_SIZE", 1000),
		DBInsertBatchSize:        getEnvInt("DB_INSERT_BATCH_SIZE", 5000),
		ProgressUpdateIntervalMS: getEnvInt("PROGRESS_UPDATE_INTERVAL_MS", 100),
		ChannelBufferSize:        getEnvInt("CHANNEL_BUFFER_SIZE", 100),

		GitDir:              getEnv("GIT_DIR", ""),
		GitWorkTree:         getEnv("GIT_WORK_TREE", ""),
		ObjectReaderWorkers: getEnvInt("OBJECT_READER_WORKERS", 8),

		BreakerFailureThreshold: getEnvInt("OBJECT_READER_BREAKER_THRESHOLD", 5),
		BreakerTimeoutSecs:      getEnvInt("OBJECT_READER_BREAKER_TIMEOUT_SECS", 30),

		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTLMin: getEnvInt("CACHE_TTL_MIN", 5),

		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),
	}, nil
}

func (c *Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeSecs) * time.Second
}

func (c *Config) MaxConnIdleTime() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressUpdateIntervalMS) * time.Millisecond
}

func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutSecs) * time.Second
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMin) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
