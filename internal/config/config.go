package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ServerCfg is the HTTP listen configuration for the admin/control-plane API.
type ServerCfg struct {
	HTTPAddr string `yaml:"httpAddr"` // listen address, e.g. ":8080" or "0.0.0.0:8080"
}

// RedisCfg is the Redis connection configuration backing the flag, route and
// backend stores.
type RedisCfg struct {
	Addr               string   `yaml:"addr"`           // Redis address, e.g. "127.0.0.1:6379"
	Addrs              []string `yaml:"addrs"`          // optional cluster shard addresses
	Password           string   `yaml:"password"`
	DB                 int      `yaml:"db"`
	Prefix             string   `yaml:"prefix"`         // key prefix for all dbd-gateway keys
	UpdatesChannel     string   `yaml:"updatesChannel"` // pub/sub channel for invalidation pushes
	PoolSize           int      `yaml:"poolSize"`
	MinIdleConns       int      `yaml:"minIdleConns"`
	ConnMaxLifetimeSec int      `yaml:"connMaxLifetimeSec"`
	ConnMaxIdleTimeSec int      `yaml:"connMaxIdleTimeSec"`
	MaxRetries         int      `yaml:"maxRetries"`
	MinRetryBackoffMs  int      `yaml:"minRetryBackoffMs"`
	MaxRetryBackoffMs  int      `yaml:"maxRetryBackoffMs"`
	ReadTimeoutMs      int      `yaml:"readTimeoutMs"`
	WriteTimeoutMs     int      `yaml:"writeTimeoutMs"`
	DialTimeoutMs      int      `yaml:"dialTimeoutMs"`
}

// BreakerCfg configures the circuit breaker guarding the Redis-backed
// refresh path.
type BreakerCfg struct {
	Enabled             bool    `yaml:"enabled"`
	ErrorRatioThreshold float64 `yaml:"errorRatioThreshold"` // e.g. 0.5
	MinRequestAmount    uint64  `yaml:"minRequestAmount"`    // samples required before tripping
	StatIntervalMs      uint32  `yaml:"statIntervalMs"`      // sliding window width
	RetryTimeoutMs      uint32  `yaml:"retryTimeoutMs"`      // time open before probing half-open
}

// WorkerPoolCfg sizes the long-lived worker pool that joins the dbd
// containers. Workers, not requests, are the unit that registers with Join.
type WorkerPoolCfg struct {
	Size int `yaml:"size"`
}

// Flag is a single feature flag, optionally rolled out to a percentage of
// clients via deterministic hashing, or pinned to a variant.
type Flag struct {
	Key     string `yaml:"key"     json:"key"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Rollout int    `yaml:"rollout" json:"rollout"` // 0-100, percentage of clients that get Enabled when true
	Variant string `yaml:"variant" json:"variant"` // optional named variant, e.g. "treatment-b"
}

// Route is a single routing table entry: a request matching Match (and,
// if set, Methods/Client) is dispatched to Backend.
type Route struct {
	RouteID  string   `yaml:"routeId"  json:"routeId"`
	Match    string   `yaml:"match"    json:"match"`    // e.g. "/api/login" or "*" or a prefix ending in "/*"
	Methods  []string `yaml:"methods"  json:"methods"`
	Client   string   `yaml:"client"   json:"client"`   // client kind filter, empty matches any
	Priority int      `yaml:"priority" json:"priority"` // higher wins on overlapping matches
	Enabled  bool     `yaml:"enabled"  json:"enabled"`
	Backend  string   `yaml:"backend"  json:"backend"`  // backend pool ID this route dispatches to
}

// Backend is a single dispatch target in a backend pool.
type Backend struct {
	ID      string `yaml:"id"      json:"id"`
	Addr    string `yaml:"addr"    json:"addr"`
	Weight  int    `yaml:"weight"  json:"weight"`
	Healthy bool   `yaml:"healthy" json:"healthy"`
}

// Config is the full gateway configuration.
type Config struct {
	Server           ServerCfg     `yaml:"server"`
	Redis            RedisCfg      `yaml:"redis"`
	Breaker          BreakerCfg    `yaml:"breaker"`
	WorkerPool       WorkerPoolCfg `yaml:"workerPool"`
	BootstrapFlags   []Flag        `yaml:"bootstrapFlags"`
	BootstrapRoutes  []Route       `yaml:"bootstrapRoutes"`
	BootstrapBackend []Backend     `yaml:"bootstrapBackends"`
}

// Load reads path, expands environment variables of the form $VAR or
// ${VAR}, and unmarshals the result as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
