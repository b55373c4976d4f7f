package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the pickup-order platform
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Payment   PaymentConfig   `yaml:"payment"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Windows   WindowsConfig   `yaml:"windows"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PaymentConfig holds payment gateway client configuration
type PaymentConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	CaptureRetries int    `yaml:"capture_retries"`
	ReleaseRetries int    `yaml:"release_retries"`
	BackoffMillis  int    `yaml:"backoff_millis"`
}

// SchedulerConfig holds timeout sweep configuration
type SchedulerConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	MaxParallel          int `yaml:"max_parallel"`
}

// WindowsConfig holds the time windows driving time-triggered transitions
type WindowsConfig struct {
	AcceptMinutes               int `yaml:"accept_minutes"`
	CancelGraceMinutes          int `yaml:"cancel_grace_minutes"`
	GraceBufferSeconds          int `yaml:"grace_buffer_seconds"`
	CancellationResponseMinutes int `yaml:"cancellation_response_minutes"`
	NoShowGraceMinutes          int `yaml:"no_show_grace_minutes"`
	SoftReminderMinutes         int `yaml:"soft_reminder_minutes"`
	UrgentReminderMinutes       int `yaml:"urgent_reminder_minutes"`
}

// Load reads configuration from a YAML file
func Load(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := &Config{
		Payment: PaymentConfig{
			TimeoutSeconds: 10,
			CaptureRetries: 3,
			ReleaseRetries: 5,
			BackoffMillis:  500,
		},
		Scheduler: SchedulerConfig{
			SweepIntervalSeconds: 5,
			MaxParallel:          10,
		},
		Windows: WindowsConfig{
			AcceptMinutes:               10,
			CancelGraceMinutes:          5,
			GraceBufferSeconds:          30,
			CancellationResponseMinutes: 5,
			NoShowGraceMinutes:          15,
			SoftReminderMinutes:         5,
			UrgentReminderMinutes:       8,
		},
	}
	scanner := bufio.NewScanner(file)

	var currentSection string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Check for section headers
		if strings.HasSuffix(line, ":") && !strings.Contains(line, " ") {
			currentSection = strings.TrimSuffix(line, ":")
			continue
		}

		// Parse key-value pairs
		if strings.Contains(line, ":") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				continue
			}

			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])

			if err := config.setValue(currentSection, key, value); err != nil {
				return nil, fmt.Errorf("failed to set config value %s.%s: %w", currentSection, key, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return config, nil
}

// setValue sets a configuration value based on section and key
func (c *Config) setValue(section, key, value string) error {
	switch section {
	case "database":
		return c.setDatabaseValue(key, value)
	case "rabbitmq":
		return c.setRabbitMQValue(key, value)
	case "payment":
		return c.setPaymentValue(key, value)
	case "scheduler":
		return c.setSchedulerValue(key, value)
	case "windows":
		return c.setWindowsValue(key, value)
	default:
		return fmt.Errorf("unknown section: %s", section)
	}
}

// setDatabaseValue sets database configuration values
func (c *Config) setDatabaseValue(key, value string) error {
	switch key {
	case "host":
		c.Database.Host = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port value: %w", err)
		}
		c.Database.Port = port
	case "user":
		c.Database.User = value
	case "password":
		c.Database.Password = value
	case "database":
		c.Database.Database = value
	default:
		return fmt.Errorf("unknown database key: %s", key)
	}
	return nil
}

// setRabbitMQValue sets RabbitMQ configuration values
func (c *Config) setRabbitMQValue(key, value string) error {
	switch key {
	case "host":
		c.RabbitMQ.Host = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port value: %w", err)
		}
		c.RabbitMQ.Port = port
	case "user":
		c.RabbitMQ.User = value
	case "password":
		c.RabbitMQ.Password = value
	default:
		return fmt.Errorf("unknown rabbitmq key: %s", key)
	}
	return nil
}

// setPaymentValue sets payment gateway configuration values
func (c *Config) setPaymentValue(key, value string) error {
	switch key {
	case "base_url":
		c.Payment.BaseURL = value
	case "api_key":
		c.Payment.APIKey = value
	case "timeout_seconds", "capture_retries", "release_retries", "backoff_millis":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", key, err)
		}
		switch key {
		case "timeout_seconds":
			c.Payment.TimeoutSeconds = n
		case "capture_retries":
			c.Payment.CaptureRetries = n
		case "release_retries":
			c.Payment.ReleaseRetries = n
		case "backoff_millis":
			c.Payment.BackoffMillis = n
		}
	default:
		return fmt.Errorf("unknown payment key: %s", key)
	}
	return nil
}

// setSchedulerValue sets timeout sweep configuration values
func (c *Config) setSchedulerValue(key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", key, err)
	}
	switch key {
	case "sweep_interval_seconds":
		c.Scheduler.SweepIntervalSeconds = n
	case "max_parallel":
		c.Scheduler.MaxParallel = n
	default:
		return fmt.Errorf("unknown scheduler key: %s", key)
	}
	return nil
}

// setWindowsValue sets time window configuration values
func (c *Config) setWindowsValue(key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", key, err)
	}
	switch key {
	case "accept_minutes":
		c.Windows.AcceptMinutes = n
	case "cancel_grace_minutes":
		c.Windows.CancelGraceMinutes = n
	case "grace_buffer_seconds":
		c.Windows.GraceBufferSeconds = n
	case "cancellation_response_minutes":
		c.Windows.CancellationResponseMinutes = n
	case "no_show_grace_minutes":
		c.Windows.NoShowGraceMinutes = n
	case "soft_reminder_minutes":
		c.Windows.SoftReminderMinutes = n
	case "urgent_reminder_minutes":
		c.Windows.UrgentReminderMinutes = n
	default:
		return fmt.Errorf("unknown windows key: %s", key)
	}
	return nil
}

// DatabaseURL returns a PostgreSQL connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database)
}

// RabbitMQURL returns an AMQP connection URL
func (c *Config) RabbitMQURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/",
		c.RabbitMQ.User, c.RabbitMQ.Password, c.RabbitMQ.Host, c.RabbitMQ.Port)
}
