/*
Package configs is responsible for loading and parsing the application's configuration settings.

It configures server parameters by reading operating system environment variables,
including the running environment, listen address, CORS allowed origins, debug mode,
and the overlay config store location.
*/
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AppConfig contains all configuration parameters required for the application to run.
// All configuration values are loaded from environment variables.
type AppConfig struct {
	// General Server Settings
	Environment string
	Host        string
	Port        int

	// Debug enables operator preview features: permissive websocket origins
	// and synthetic sample messages pushed to a room on every join.
	Debug bool

	// Security Settings
	AllowedOrigins []string

	// Overlay config store (sqlite file path).
	ConfigDBPath string

	// Frontend static asset directory.
	WebRoot string
}

// LoadConfig reads and parses the application configuration from environment variables.
// It provides default values for each configuration item and performs necessary type
// conversions and validation.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}

	// --- General Server Settings ---
	// Environment
	cfg.Environment = os.Getenv("ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	// Host
	cfg.Host = os.Getenv("HOST")
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	// Port
	portStr := os.Getenv("PORT")
	if portStr == "" {
		portStr = "12450"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT environment variable: %w", err)
	}
	cfg.Port = port

	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, 1024, 65535)
	}

	// Debug
	debugStr := os.Getenv("DEBUG")
	if debugStr != "" {
		debug, err := strconv.ParseBool(debugStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DEBUG environment variable: %w", err)
		}
		cfg.Debug = debug
	}

	// --- Security Settings ---
	// AllowedOrigins
	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr != "" {
		origins := strings.Split(originsStr, ",")
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{}
	}

	// --- Overlay Config Store ---
	cfg.ConfigDBPath = os.Getenv("CONFIG_DB_PATH")
	if cfg.ConfigDBPath == "" {
		cfg.ConfigDBPath = "data/blivecast.db"
	}

	// --- Static Assets ---
	cfg.WebRoot = os.Getenv("WEB_ROOT")
	if cfg.WebRoot == "" {
		cfg.WebRoot = "frontend/dist"
	}

	return cfg, nil
}
