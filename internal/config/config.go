// internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ServerConfig holds all server-related settings
type ServerConfig struct {
	Port           int           `env:"PORT" envDefault:"8080"`
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	MetricsEnabled bool          `env:"METRICS_ENABLED" envDefault:"true"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database configuration settings
type DatabaseConfig struct {
	Type string `env:"DB_TYPE" envDefault:"mongo"` // "mongo", "postgres" or "memory"

	// MongoDB
	MongoURI      string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"gator_chat"`

	// PostgreSQL. URI wins over the individual parts.
	URI      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME" envDefault:"postgres"`
	SSLMode  string `env:"DB_SSL_MODE" envDefault:"require"`
}

// StorageConfig selects where uploaded attachments go.
type StorageConfig struct {
	UploadDir       string `env:"UPLOAD_DIR" envDefault:"uploads/chat-media"`
	PublicURLPrefix string `env:"UPLOAD_URL_PREFIX" envDefault:"/uploads/chat-media"`

	// Supabase storage is used when SupabaseURL is set.
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseBucket     string `env:"SUPABASE_BUCKET" envDefault:"chat-media"`
	SupabaseFolder     string `env:"SUPABASE_FOLDER" envDefault:"messages"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_KEY"`
}

// UseSupabase reports whether uploads go to Supabase instead of local disk.
func (s StorageConfig) UseSupabase() bool {
	return s.SupabaseURL != ""
}

// EngineConfig tunes the projection pool.
type EngineConfig struct {
	ProjectionPoolSize int           `env:"PROJECTION_POOL_SIZE" envDefault:"8"`
	ActorTimeout       time.Duration `env:"ACTOR_TIMEOUT" envDefault:"5s"`
}

// Config holds the complete application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Storage        StorageConfig
	Engine         EngineConfig
	JWTSecret      string   `env:"JWT_SECRET"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	Debug          bool     `env:"DEBUG" envDefault:"false"`
	OTELEndpoint   string   `env:"OTEL_ENDPOINT"`
}

// LoadConfig loads configuration from environment variables and applies defaults
func LoadConfig() (*Config, error) {
	// Try to load .env file from multiple possible locations
	envLocations := []string{
		".env",          // Current directory
		"../../.env",    // Project root when running from cmd/engine
		"../../../.env", // Even higher directory
		filepath.Join(os.Getenv("GOPATH"), "src/gator-chat/.env"), // GOPATH location
	}
	for _, location := range envLocations {
		if err := godotenv.Load(location); err == nil {
			break
		}
	}

	return Parse()
}

// Parse reads the process environment without looking for .env files.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Database.Type = strings.ToLower(cfg.Database.Type)
	switch cfg.Database.Type {
	case "mongo", "memory":
	case "postgres":
		if err := cfg.Database.buildPostgresURI(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.Database.Type)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.Engine.ProjectionPoolSize < 1 {
		return nil, fmt.Errorf("PROJECTION_POOL_SIZE must be positive, got %d", cfg.Engine.ProjectionPoolSize)
	}
	return cfg, nil
}

func (d *DatabaseConfig) buildPostgresURI() error {
	if d.URI != "" {
		d.SSLMode = getSSLModeFromURI(d.URI)
		return nil
	}
	if d.User == "" {
		return fmt.Errorf("DB_USER environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
	}
	if d.Password == "" {
		return fmt.Errorf("DB_PASSWORD environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
	}
	d.URI = fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(d.Password),
		d.Host,
		d.Port,
		d.Name,
		d.SSLMode,
	)
	return nil
}

// Helper function to extract sslmode from a DSN, defaults to "require"
func getSSLModeFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "require"
	}
	if mode := parsed.Query().Get("sslmode"); mode != "" {
		return mode
	}
	return "require"
}
