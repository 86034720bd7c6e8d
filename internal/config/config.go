package config

import (
	"os"
	"strconv"
)

type Config struct {
	// Kubernetes engine settings
	COMPUTER_PREFIX        string
	COMPUTER_IMAGE         string
	COMPUTER_STORAGE_SIZE  string
	COMPUTER_STORAGE_CLASS string
	COMPUTER_CPU_LIMIT     string
	COMPUTER_MEMORY_LIMIT  string

	COMPUTER_READY_TIMEOUT_SECONDS int

	// Otel
	OTEL_EXPORTER_OTLP_ENDPOINT string
}

func ReadConfig() *Config {
	readyTimeout := 120
	if timeoutStr := os.Getenv("COMPUTER_READY_TIMEOUT_SECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			readyTimeout = timeout
		}
	}

	return &Config{
		COMPUTER_PREFIX:        getEnvOrDefault("COMPUTER_PREFIX", "srchd"),
		COMPUTER_IMAGE:         getEnvOrDefault("COMPUTER_IMAGE", "ubuntu:24.04"),
		COMPUTER_STORAGE_SIZE:  getEnvOrDefault("COMPUTER_STORAGE_SIZE", "1Gi"),
		COMPUTER_STORAGE_CLASS: os.Getenv("COMPUTER_STORAGE_CLASS"),
		COMPUTER_CPU_LIMIT:     os.Getenv("COMPUTER_CPU_LIMIT"),
		COMPUTER_MEMORY_LIMIT:  os.Getenv("COMPUTER_MEMORY_LIMIT"),

		COMPUTER_READY_TIMEOUT_SECONDS: readyTimeout,

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
