package configuration

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config holds the configuration for a hassconn-based application.
type Config struct {
	GlobalSettings GlobalSettings `json:"global_settings"`
	Endpoint       Endpoint       `json:"endpoint"`
	Reconnect      Reconnect      `json:"reconnect"`
	Logging        Logging        `json:"logging"`
	RabbitMQ       RabbitMQ       `json:"rabbitmq,omitempty"`
	Database       Database       `json:"database,omitempty"`
}

// GlobalSettings names the application and its version; ValidateConfig
// requires app_name. The User-Agent header comes from Endpoint.UserAgent.
type GlobalSettings struct {
	AppName string `json:"app_name"`
	Version string `json:"version"`
}

// Endpoint configures the home-automation server this client connects to.
type Endpoint struct {
	BaseURL   string `json:"base_url"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Reconnect configures the exponential-backoff reconnect policy.
type Reconnect struct {
	BaseDelaySeconds int `json:"base_delay_seconds"`
	MaxDelaySeconds  int `json:"max_delay_seconds"`
}

// Logging struct
type Logging struct {
	Level         string `json:"level"` // e.g., "debug", "info", "warn", "error"
	FilePath      string `json:"file_path"`
	RotationSize  int    `json:"rotation_size"` // in MB
	MaxBackups    int    `json:"max_backups"`
	ConsoleOutput bool   `json:"console_output"`
}

// RabbitMQ configures the optional event bridge.
type RabbitMQ struct {
	Host        string           `json:"host,omitempty"`
	Port        int              `json:"port,omitempty"`
	Username    string           `json:"username,omitempty"`
	Password    string           `json:"password,omitempty"`
	VirtualHost string           `json:"virtual_host,omitempty"`
	Exchanges   []ExchangeConfig `json:"exchanges,omitempty"`
}

// ExchangeConfig describes one AMQP exchange the event bridge declares.
type ExchangeConfig struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // e.g., "direct", "topic", "fanout"
	Durable bool   `json:"durable"`
}

// Database configures the optional diagnostics journal.
type Database struct {
	Type   string `json:"type,omitempty"` // only "duckdb" is supported
	DBName string `json:"db_name,omitempty"`
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	return &config, nil
}

// ValidateConfig checks for the presence and correctness of required
// configuration fields, returning the first problem found.
func (c *Config) ValidateConfig() error {
	if c.GlobalSettings.AppName == "" {
		return fmt.Errorf("global_settings.app_name is required")
	}

	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}

	if c.Reconnect.BaseDelaySeconds < 0 {
		return fmt.Errorf("reconnect.base_delay_seconds cannot be negative")
	}
	if c.Reconnect.MaxDelaySeconds < 0 {
		return fmt.Errorf("reconnect.max_delay_seconds cannot be negative")
	}
	if c.Reconnect.MaxDelaySeconds > 0 && c.Reconnect.BaseDelaySeconds > c.Reconnect.MaxDelaySeconds {
		return fmt.Errorf("reconnect.base_delay_seconds cannot exceed reconnect.max_delay_seconds")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level is required")
	}
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	levelIsValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.Logging.Level) == level {
			levelIsValid = true
			break
		}
	}
	if !levelIsValid {
		return fmt.Errorf("logging.level is invalid: %s", c.Logging.Level)
	}
	if c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required")
	}
	if c.Logging.RotationSize <= 0 {
		return fmt.Errorf("logging.rotation_size must be positive")
	}
	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("logging.max_backups cannot be negative")
	}

	if len(c.RabbitMQ.Exchanges) > 0 {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq.host is required when exchanges are configured")
		}
		if c.RabbitMQ.Port <= 0 {
			return fmt.Errorf("rabbitmq.port must be positive when exchanges are configured")
		}
		validExchangeTypes := []string{"direct", "topic", "fanout", "headers"}
		for _, ex := range c.RabbitMQ.Exchanges {
			if ex.Name == "" {
				return fmt.Errorf("rabbitmq.exchanges.name is required")
			}
			typeIsValid := false
			for _, validType := range validExchangeTypes {
				if strings.ToLower(ex.Type) == validType {
					typeIsValid = true
					break
				}
			}
			if !typeIsValid {
				return fmt.Errorf("rabbitmq.exchanges.type is invalid for exchange %s: %s", ex.Name, ex.Type)
			}
		}
	}

	if c.Database.DBName != "" && c.Database.Type != "" && c.Database.Type != "duckdb" {
		return fmt.Errorf("database.type must be 'duckdb' if set, got %q", c.Database.Type)
	}

	return nil
}
