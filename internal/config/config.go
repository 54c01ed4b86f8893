package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strings" // strings normalises enum-like values

	"github.com/joho/godotenv" // godotenv loads an optional .env file into the environment
)

// Backend names accepted by CAPACITY_BACKEND.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds the process-level configuration.  Component settings
// (checkout timings, merchant, rate limit, cache) have their own loaders
// with defaults; everything here is either required or has an obvious
// default.
type Config struct {
	Env             string // application environment (e.g. "dev", "prod")
	Port            string // HTTP port to listen on
	DBUser          string // database username
	DBPass          string // database password (optional)
	DBHost          string // database host address
	DBPort          string // database port number
	DBName          string // database name
	JWTSecret       string // secret used to verify buyer tokens
	LogLevel        string // debug, info, warn, error or off
	CapacityBackend string // redis (Redis + MySQL) or memory (everything in process)
	RabbitMQURL     string // AMQP URL of the issuance broker; empty disables publishing
	CatalogFile     string // optional JSON list of ticket types upserted at startup
}

// UsesDatabase reports whether catalog and orders live in MySQL.
func (c Config) UsesDatabase() bool { return c.CapacityBackend == BackendRedis }

// Load reads an optional .env file and then the environment.  Missing
// required variables are fatal.  The database variables are only required
// for the redis backend.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env not loaded: %v", err)
	}
	cfg := Config{
		Env:             must("APP_ENV"),                                           // environment (dev/test/prod)
		Port:            must("APP_PORT"),                                          // port to bind the HTTP server
		JWTSecret:       must("JWT_SECRET"),                                        // secret used for verifying JWTs
		LogLevel:        strings.ToLower(envStr("LOG_LEVEL", "info")),              // logger level
		CapacityBackend: strings.ToLower(envStr("CAPACITY_BACKEND", BackendRedis)), // storage backend
		RabbitMQURL:     os.Getenv("RABBITMQ_URL"),                                 // optional broker URL
		CatalogFile:     os.Getenv("CATALOG_FILE"),                                 // optional seed file
	}
	switch cfg.CapacityBackend {
	case BackendRedis, BackendMemory:
	default:
		log.Fatalf("invalid CAPACITY_BACKEND: %q", cfg.CapacityBackend)
	}
	if cfg.UsesDatabase() {
		cfg.DBUser = must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS") // empty allowed
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = must("DB_PORT")
		cfg.DBName = must("DB_NAME")
	}
	return cfg
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
