// Package config handles configuration loading for the multiscale image server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Images ImagesConfig `yaml:"images"`
	Fetch  FetchConfig  `yaml:"fetch"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// ImageConfig describes one served multiscale image.
type ImageConfig struct {
	// URL is an http(s) URL or a local directory of an OME-NGFF Zarr store.
	URL            string `yaml:"url"`
	Name           string `yaml:"name"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// ImagesConfig holds the configured images in file order. The first one is
// the default.
type ImagesConfig struct {
	Default string
	Images  map[string]ImageConfig
	order   []string
}

// IDs returns the image IDs in file order.
func (c ImagesConfig) IDs() []string {
	return c.order
}

// UnmarshalYAML decodes the images mapping, keeping key order.
func (c *ImagesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("images: expected a mapping, got line %d", node.Line)
	}
	c.Images = make(map[string]ImageConfig, len(node.Content)/2)
	c.order = c.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var img ImageConfig
		if err := node.Content[i+1].Decode(&img); err != nil {
			return fmt.Errorf("images.%s: %w", id, err)
		}
		if _, dup := c.Images[id]; dup {
			return fmt.Errorf("images: duplicate id %q", id)
		}
		c.Images[id] = img
		c.order = append(c.order, id)
	}
	if len(c.order) > 0 {
		c.Default = c.order[0]
	}
	return nil
}

// FetchConfig contains chunk retrieval settings.
type FetchConfig struct {
	// MaxConcurrency bounds in-flight chunk reads per image, unless the
	// image sets its own.
	MaxConcurrency  int `yaml:"max_concurrency"`
	AssemblyWorkers int `yaml:"assembly_workers"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ChunkSizeMB     int `yaml:"chunk_size_mb"`
	ChunkTTLMinutes int `yaml:"chunk_ttl_minutes"`
	ChunkShards     int `yaml:"chunk_shards"`
	QueryCacheSize  int `yaml:"query_cache_size"`
}

// ChunkTTL returns the chunk cache lifetime.
func (c CacheConfig) ChunkTTL() time.Duration {
	return time.Duration(c.ChunkTTLMinutes) * time.Minute
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	MinSize         int    `yaml:"min_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// LogConfig contains log output settings. An empty File logs to stderr.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Verbose    bool   `yaml:"verbose"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Images: ImagesConfig{
			Default: "default",
			Images: map[string]ImageConfig{
				"default": {URL: "./data/image.zarr"},
			},
			order: []string{"default"},
		},
		Fetch: FetchConfig{
			MaxConcurrency: 1000,
		},
		Cache: CacheConfig{
			ChunkSizeMB:     512,
			ChunkTTLMinutes: 10,
			ChunkShards:     64,
			QueryCacheSize:  1000,
		},
		Render: RenderConfig{
			MinSize:         256,
			DefaultColormap: "gray",
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 28,
			MaxBackups: 3,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Images.order) == 0 {
		cfg.Images = defaults.Images
	}
	if cfg.Fetch.MaxConcurrency == 0 {
		cfg.Fetch.MaxConcurrency = defaults.Fetch.MaxConcurrency
	}
	if cfg.Cache.ChunkSizeMB == 0 {
		cfg.Cache.ChunkSizeMB = defaults.Cache.ChunkSizeMB
	}
	if cfg.Cache.ChunkTTLMinutes == 0 {
		cfg.Cache.ChunkTTLMinutes = defaults.Cache.ChunkTTLMinutes
	}
	if cfg.Cache.ChunkShards == 0 {
		cfg.Cache.ChunkShards = defaults.Cache.ChunkShards
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.MinSize == 0 {
		cfg.Render.MinSize = defaults.Render.MinSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
}
