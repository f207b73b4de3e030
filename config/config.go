package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	configPathEnv = "ETL_CONFIG"
)

var identRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds all application configuration.
type Config struct {
	CSVPath   string `yaml:"csvPath"`
	ChunkSize int    `yaml:"chunkSize"`
	MaxChunks int    `yaml:"maxChunks"`

	StoreDriver string `yaml:"storeDriver"`
	StoreTable  string `yaml:"storeTable"`
	DatabaseDSN string `yaml:"databaseDsn"`
	SQLitePath  string `yaml:"sqlitePath"`

	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     string `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	MaxRetries       int  `yaml:"maxRetries"`
	RetryBaseDelayMs int  `yaml:"retryBaseDelayMs"`
	ResumeFromStore  bool `yaml:"resumeFromStore"`

	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
}

// Load reads the .env file, an optional YAML file named by ETL_CONFIG, and
// environment variables, in increasing order of precedence.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			log.Printf("[config] %v (falling back to defaults)", err)
		}
	}
	cfg.applyEnv()
	return cfg
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		CSVPath:   "./data/listings.csv",
		ChunkSize: 100_000,

		StoreDriver: DriverPostgres,
		StoreTable:  "rental_prices",
		SQLitePath:  "./output/rental_prices.sqlite",

		PostgresHost:     "localhost",
		PostgresPort:     "5432",
		PostgresUser:     "etl",
		PostgresPassword: "etl123",
		PostgresDB:       "rental_db",
		PostgresSSLMode:  "disable",

		MaxRetries:       3,
		RetryBaseDelayMs: 500,

		LogLevel: "info",
	}
}

func (c *Config) loadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	// Unmarshal onto the defaults so absent keys keep their value.
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.CSVPath = getEnv("CSV_PATH", c.CSVPath)
	c.ChunkSize = getEnvInt("CHUNK_SIZE", c.ChunkSize)
	c.MaxChunks = getEnvInt("MAX_CHUNKS", c.MaxChunks)

	c.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", c.StoreDriver))
	c.StoreTable = getEnv("STORE_TABLE", c.StoreTable)
	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.PostgresHost = getEnv("POSTGRES_HOST", c.PostgresHost)
	c.PostgresPort = getEnv("POSTGRES_PORT", c.PostgresPort)
	c.PostgresUser = getEnv("POSTGRES_USER", c.PostgresUser)
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.PostgresPassword)
	c.PostgresDB = getEnv("POSTGRES_DB", c.PostgresDB)
	c.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.PostgresSSLMode)

	c.MaxRetries = getEnvInt("MAX_RETRIES", c.MaxRetries)
	c.RetryBaseDelayMs = getEnvInt("RETRY_BASE_DELAY_MS", c.RetryBaseDelayMs)
	c.ResumeFromStore = getEnvBool("RESUME_FROM_STORE", c.ResumeFromStore)

	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate reports the first setting that would make a run meaningless.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CSVPath) == "" {
		return fmt.Errorf("config: csv path is empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxChunks < 0 {
		return fmt.Errorf("config: max chunks must not be negative, got %d", c.MaxChunks)
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	if !identRegexp.MatchString(c.StoreTable) {
		return fmt.Errorf("config: invalid table name %q", c.StoreTable)
	}
	return nil
}

// DSN returns the connection string for the configured store driver.
func (c *Config) DSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	if c.StoreDriver == DriverSQLite {
		return c.SQLitePath
	}
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("[config] Invalid int for %s=%q, using default %d", key, val, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		log.Printf("[config] Invalid bool for %s=%q, using default %t", key, val, fallback)
		return fallback
	}
	return b
}
