package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

type Config struct {
	DBPath    string   `json:"db_path"`
	Transport string   `json:"transport"`
	NATSURL   string   `json:"nats_url"`
	HTTPAddr  string   `json:"http_addr"`
	Workers   int      `json:"workers"`
	Queues    []string `json:"queues"`
}

func Default() *Config {
	return &Config{
		DBPath:    "tasks.db",
		Transport: TransportNATS,
		NATSURL:   "nats://127.0.0.1:4222",
		HTTPAddr:  ":8080",
		Workers:   4,
		Queues:    []string{"default", "heavy"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), nil
	}
	defer f.Close()
	c := Default()
	if err := json.NewDecoder(f).Decode(c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportMemory, TransportNATS:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("config: at least one queue required")
	}
	return nil
}
