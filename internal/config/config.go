package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"backupflow/backend/internal/objectstore"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`
	Server      struct {
		Addr string `mapstructure:"addr" validate:"required"`
	} `mapstructure:"server"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file" validate:"required_if=Enable true"`
		KeyFile   string   `mapstructure:"key_file" validate:"required_if=Enable true"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	} `mapstructure:"db"`
	Auth struct {
		Issuer        string `mapstructure:"issuer"`
		ClientID      string `mapstructure:"client_id"`
		DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	} `mapstructure:"auth"`
	Storage struct {
		objectstore.Config `mapstructure:",squash"`
		// Prefix is prepended to every artifact and meta document key.
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"storage"`
	// Destinations are the stores object_storage_upload steps may target.
	Destinations map[string]objectstore.Config `mapstructure:"destinations" validate:"dive"`
	Executor     struct {
		MaxParallel int64 `mapstructure:"max_parallel" validate:"gte=0"`
	} `mapstructure:"executor"`
	// Secrets maps references used in step configuration to their values.
	Secrets map[string]string `mapstructure:"secrets"`
	Logging struct {
		Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
		Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	} `mapstructure:"logging"`
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "backupflow")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "backupflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.dev_mode_bypass", false)
	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.root", "./data/artifacts")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.credentials_file", "")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("executor.max_parallel", 4)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadConfig loads the configuration from a file and the environment.
// Variables use the BACKUPFLOW_ prefix with "." replaced by "_", e.g.
// BACKUPFLOW_DB_HOST. When path is empty config.yaml is looked up in . and
// ./config and may be absent.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BACKUPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// normalize issuer url (strip trailing slash if any)
	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// normalizeIssuer removes surrounding space and trailing slashes so a URL
// pasted from an identity provider console matches the token's iss claim.
func normalizeIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
