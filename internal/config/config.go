package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver kinds accepted by Config.Driver.
const (
	DriverList      = "list"
	DriverSet       = "set"
	DriverSortedSet = "sortedset"
	DriverStream    = "stream"
)

// RedisConfig locates the Redis deployment. Several Addrs select a cluster client.
type RedisConfig struct {
	Addrs    []string `json:"addrs" yaml:"addrs"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	DB       int      `json:"db" yaml:"db"`
}

// QueueConfig binds a queue key to a priority.
type QueueConfig struct {
	Name     string `json:"name" yaml:"name"`
	Priority int    `json:"priority" yaml:"priority"`
}

// MonitorConfig controls ownership tracking. Key is the monitor hash;
// the stream driver always needs one, the other drivers only when Reliable.
type MonitorConfig struct {
	Key             string `json:"key" yaml:"key"`
	Reliable        bool   `json:"reliable" yaml:"reliable"`
	KeepAliveTTLSec int    `json:"keepAliveTTLSec" yaml:"keepAliveTTLSec"`
	MaxClaims       int    `json:"maxClaims" yaml:"maxClaims"`
}

// WorkerConfig shapes the wait loop and the worker pool around it.
type WorkerConfig struct {
	Workers           int  `json:"workers" yaml:"workers"`
	RefreshIntervalMs int  `json:"refreshIntervalMs" yaml:"refreshIntervalMs"`
	RestartDelayMs    int  `json:"restartDelayMs" yaml:"restartDelayMs"`
	MaxItems          int  `json:"maxItems" yaml:"maxItems"`
	DelayedQueues     bool `json:"delayedQueues" yaml:"delayedQueues"`
	ForkProcess       bool `json:"forkProcess" yaml:"forkProcess"`
}

// LogConfig selects zerolog level and output format ("json" or "console").
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the full worker process configuration.
type Config struct {
	Redis        RedisConfig   `json:"redis" yaml:"redis"`
	Driver       string        `json:"driver" yaml:"driver"`
	Queue        string        `json:"queue" yaml:"queue"`
	Queues       []QueueConfig `json:"queues" yaml:"queues"`
	EventPrefix  string        `json:"eventPrefix" yaml:"eventPrefix"`
	HeartbeatKey string        `json:"heartbeatKey" yaml:"heartbeatKey"`
	ShutdownKey  string        `json:"shutdownKey" yaml:"shutdownKey"`
	Monitor      MonitorConfig `json:"monitor" yaml:"monitor"`
	Worker       WorkerConfig  `json:"worker" yaml:"worker"`
	Log          LogConfig     `json:"log" yaml:"log"`
	StatusAddr   string        `json:"statusAddr" yaml:"statusAddr"`
}

// Default returns the baseline configuration: a single list queue on a local Redis.
func Default() Config {
	return Config{
		Redis:        RedisConfig{Addrs: []string{"127.0.0.1:6379"}},
		Driver:       DriverList,
		Queue:        "redqueue:default",
		EventPrefix:  "redqueue",
		HeartbeatKey: "redqueue_heartbeat",
		ShutdownKey:  "redqueue_shutdown",
		Monitor: MonitorConfig{
			Key:             "redqueue:monitor",
			KeepAliveTTLSec: 60,
			MaxClaims:       3,
		},
		Worker: WorkerConfig{
			Workers:           1,
			RefreshIntervalMs: 1000,
			RestartDelayMs:    1000,
		},
		Log:        LogConfig{Level: "info", Format: "console"},
		StatusAddr: ":8080",
	}
}

// Load reads a configuration file on top of Default(). The format follows
// the extension: .json, .yaml or .yml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	return cfg, nil
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if len(c.Redis.Addrs) == 0 {
		return errors.New("config: redis.addrs is empty")
	}
	switch c.Driver {
	case DriverList, DriverSet, DriverSortedSet, DriverStream:
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}
	if c.Queue == "" {
		return errors.New("config: queue is empty")
	}
	names := map[string]int{}
	priorities := map[int]bool{}
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("config: queue at priority %d has no name", q.Priority)
		}
		if p, ok := names[q.Name]; ok && p != q.Priority {
			return fmt.Errorf("config: queue %q bound to priorities %d and %d", q.Name, p, q.Priority)
		}
		if priorities[q.Priority] {
			return fmt.Errorf("config: priority %d declared twice", q.Priority)
		}
		names[q.Name] = q.Priority
		priorities[q.Priority] = true
	}
	if c.Driver == DriverStream && c.Monitor.Key == "" {
		return errors.New("config: stream driver needs monitor.key")
	}
	if c.Monitor.Reliable {
		if c.Driver == DriverSet {
			return errors.New("config: set driver does not support reliable handling")
		}
		if c.Monitor.Key == "" {
			return errors.New("config: reliable handling needs monitor.key")
		}
	}
	if c.Monitor.MaxClaims < 0 {
		return errors.New("config: monitor.maxClaims must be >= 0")
	}
	if c.Worker.Workers < 1 {
		return errors.New("config: worker.workers must be >= 1")
	}
	if c.Worker.MaxItems < 0 {
		return errors.New("config: worker.maxItems must be >= 0")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c Config) KeepAliveTTL() time.Duration {
	return time.Duration(c.Monitor.KeepAliveTTLSec) * time.Second
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Worker.RefreshIntervalMs) * time.Millisecond
}

func (c Config) RestartDelay() time.Duration {
	return time.Duration(c.Worker.RestartDelayMs) * time.Millisecond
}
