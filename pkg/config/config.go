// Package config loads runtime settings from an optional TOML file overlaid
// by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration that decodes from strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Neo4j holds the graph store connection options.
type Neo4j struct {
	URI            string   `toml:"uri" validate:"required"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	Database       string   `toml:"database_name"`
	ConnectTimeout Duration `toml:"connect_timeout" validate:"gt=0"`
	QueryTimeout   Duration `toml:"query_timeout" validate:"gte=0"`
}

// NATS holds the message bus options used by the ingest consumer.
type NATS struct {
	URL   string `toml:"url" validate:"required"`
	Queue string `toml:"queue"`
}

// HTTP holds the API server options.
type HTTP struct {
	Port       string  `toml:"port" validate:"required,numeric"`
	CORSOrigin string  `toml:"cors_origin"`
	QueryRate  float64 `toml:"query_rate" validate:"gte=0"` // ad-hoc queries per second, 0 disables the limit
	QueryBurst int     `toml:"query_burst" validate:"gte=0"`
}

// Config is the full runtime configuration.
type Config struct {
	Neo4j Neo4j `toml:"neo4j"`
	NATS  NATS  `toml:"nats"`
	HTTP  HTTP  `toml:"http"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Neo4j: Neo4j{
			URI:            "bolt://localhost:7687",
			Username:       "neo4j",
			Password:       "password",
			Database:       "neo4j",
			ConnectTimeout: Duration(5 * time.Second),
			QueryTimeout:   Duration(30 * time.Second),
		},
		NATS: NATS{
			URL:   "nats://localhost:4222",
			Queue: "gridgraph-ingest",
		},
		HTTP: HTTP{
			Port:       "8080",
			CORSOrigin: "*",
			QueryRate:  5,
			QueryBurst: 10,
		},
	}
}

var validate = validator.New()

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Parse decodes TOML text on top of the defaults. Environment variables are
// not consulted.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		return nil
	}

	str("NEO4J_URI", &c.Neo4j.URI)
	str("NEO4J_USERNAME", &c.Neo4j.Username)
	str("NEO4J_PASSWORD", &c.Neo4j.Password)
	str("NEO4J_DATABASE", &c.Neo4j.Database)
	if err := dur("NEO4J_CONNECT_TIMEOUT", &c.Neo4j.ConnectTimeout); err != nil {
		return err
	}
	if err := dur("NEO4J_QUERY_TIMEOUT", &c.Neo4j.QueryTimeout); err != nil {
		return err
	}
	str("NATS_URL", &c.NATS.URL)
	str("NATS_QUEUE", &c.NATS.Queue)
	str("PORT", &c.HTTP.Port)
	str("CORS_ORIGIN", &c.HTTP.CORSOrigin)
	if v, ok := lookup("QUERY_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: QUERY_RATE: %w", err)
		}
		c.HTTP.QueryRate = f
	}
	return nil
}
