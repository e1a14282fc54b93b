// Package config loads gateway configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the top-level gateway configuration.
type Config struct {
	Env      string `validate:"oneof=development production"`
	HTTPAddr string `validate:"required"`

	Log       LogConfig
	Database  DatabaseConfig
	Docker    DockerConfig
	Workspace WorkspaceConfig
	Gateway   GatewayConfig
}

type LogConfig struct {
	Level  string
	Format string `validate:"oneof=json console"`
}

type DatabaseConfig struct {
	Host         string `validate:"required"`
	Port         int    `validate:"gt=0"`
	User         string `validate:"required"`
	Password     string
	Name         string `validate:"required"`
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	Migrate      bool
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DockerConfig controls the isolated network desktops are attached to.
type DockerConfig struct {
	Network         string `validate:"required"`
	NetworkInternal bool
}

// WorkspaceConfig locates student workspaces. Root is where the gateway
// writes; HostRoot is the same directory as seen by the Docker daemon, which
// differs when the gateway itself runs in a container.
type WorkspaceConfig struct {
	Root     string `validate:"required"`
	HostRoot string
	UID      int
	GID      int
}

type GatewayConfig struct {
	ProfilePath   string
	AuditPath     string
	SweepInterval time.Duration `validate:"gt=0"`
	ProbeTimeout  time.Duration `validate:"gt=0"`
	JWTSecret     string        `validate:"required"`
	ViewerPath    string        `validate:"required"`
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Env:      v.GetString("ENV"),
		HTTPAddr: v.GetString("HTTP_ADDR"),
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Database: DatabaseConfig{
			Host:         v.GetString("DB_HOST"),
			Port:         v.GetInt("DB_PORT"),
			User:         v.GetString("DB_USER"),
			Password:     v.GetString("DB_PASSWORD"),
			Name:         v.GetString("DB_NAME"),
			SSLMode:      v.GetString("DB_SSL_MODE"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
			Migrate:      v.GetBool("DB_MIGRATE"),
		},
		Docker: DockerConfig{
			Network:         v.GetString("DOCKER_NETWORK"),
			NetworkInternal: v.GetBool("DOCKER_NETWORK_INTERNAL"),
		},
		Workspace: WorkspaceConfig{
			Root:     v.GetString("WORKSPACE_ROOT"),
			HostRoot: v.GetString("WORKSPACE_HOST_ROOT"),
			UID:      v.GetInt("WORKSPACE_UID"),
			GID:      v.GetInt("WORKSPACE_GID"),
		},
		Gateway: GatewayConfig{
			ProfilePath:   v.GetString("PROFILE_PATH"),
			AuditPath:     v.GetString("AUDIT_PATH"),
			SweepInterval: parseDuration(v.GetString("SWEEP_INTERVAL"), time.Minute),
			ProbeTimeout:  parseDuration(v.GetString("PROBE_TIMEOUT"), 2*time.Second),
			JWTSecret:     v.GetString("JWT_SECRET"),
			ViewerPath:    v.GetString("VIEWER_PATH"),
		},
	}

	if cfg.Workspace.HostRoot == "" {
		cfg.Workspace.HostRoot = cfg.Workspace.Root
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "labgate")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_MIGRATE", true)

	v.SetDefault("DOCKER_NETWORK", "labgate-isolated")
	v.SetDefault("DOCKER_NETWORK_INTERNAL", true)

	v.SetDefault("WORKSPACE_ROOT", "/var/lib/labgate/workspaces")
	v.SetDefault("WORKSPACE_HOST_ROOT", "")
	v.SetDefault("WORKSPACE_UID", 1000)
	v.SetDefault("WORKSPACE_GID", 1000)

	v.SetDefault("PROFILE_PATH", "/etc/labgate/desktop.yaml")
	v.SetDefault("AUDIT_PATH", "/var/log/labgate/audit.log")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("PROBE_TIMEOUT", "2s")
	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("VIEWER_PATH", "vnc.html")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}
