package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string `yaml:"addr"`
	DBPath        string `yaml:"db_path"`
	ControlSocket string `yaml:"control_socket"`
	ReadTimeout   int    `yaml:"read_timeout_seconds"`
	WriteTimeout  int    `yaml:"write_timeout_seconds"`
	PingInterval  int    `yaml:"ping_interval_seconds"`
	SendBuffer    int    `yaml:"send_buffer"`
}

func Default() *Config {
	return &Config{
		Addr:          ":8480",
		DBPath:        "chatrelay.db",
		ControlSocket: "/tmp/chatrelay.sock",
		ReadTimeout:   120,
		WriteTimeout:  10,
		PingInterval:  45,
		SendBuffer:    64,
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if dbPath := os.Getenv("RELAY_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if sock := os.Getenv("RELAY_CONTROL_SOCKET"); sock != "" {
		cfg.ControlSocket = sock
	}
	if timeoutStr := os.Getenv("RELAY_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}
	if timeoutStr := os.Getenv("RELAY_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}
	if intervalStr := os.Getenv("RELAY_PING_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			cfg.PingInterval = interval
		}
	}

	return cfg, nil
}
