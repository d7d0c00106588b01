package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays REDQUEUE_* environment variables onto cfg.
// Unparseable numbers and booleans are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("REDQUEUE_REDIS_ADDRS"); v != "" {
		cfg.Redis.Addrs = splitList(v)
	}
	if v := os.Getenv("REDQUEUE_REDIS_USERNAME"); v != "" {
		cfg.Redis.Username = v
	}
	if v := os.Getenv("REDQUEUE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	envInt("REDQUEUE_REDIS_DB", &cfg.Redis.DB)
	if v := os.Getenv("REDQUEUE_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("REDQUEUE_QUEUE"); v != "" {
		cfg.Queue = v
	}
	// REDQUEUE_QUEUES=name=priority,name=priority
	if v := os.Getenv("REDQUEUE_QUEUES"); v != "" {
		cfg.Queues = nil
		for _, p := range splitList(v) {
			name, prio, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(prio))
			if err != nil {
				continue
			}
			cfg.Queues = append(cfg.Queues, QueueConfig{Name: strings.TrimSpace(name), Priority: n})
		}
	}
	if v := os.Getenv("REDQUEUE_EVENT_PREFIX"); v != "" {
		cfg.EventPrefix = v
	}
	if v := os.Getenv("REDQUEUE_HEARTBEAT_KEY"); v != "" {
		cfg.HeartbeatKey = v
	}
	if v := os.Getenv("REDQUEUE_SHUTDOWN_KEY"); v != "" {
		cfg.ShutdownKey = v
	}
	if v := os.Getenv("REDQUEUE_MONITOR_KEY"); v != "" {
		cfg.Monitor.Key = v
	}
	envBool("REDQUEUE_RELIABLE", &cfg.Monitor.Reliable)
	envInt("REDQUEUE_KEEPALIVE_TTL_SEC", &cfg.Monitor.KeepAliveTTLSec)
	envInt("REDQUEUE_MAX_CLAIMS", &cfg.Monitor.MaxClaims)
	envInt("REDQUEUE_WORKERS", &cfg.Worker.Workers)
	envInt("REDQUEUE_REFRESH_INTERVAL_MS", &cfg.Worker.RefreshIntervalMs)
	envInt("REDQUEUE_RESTART_DELAY_MS", &cfg.Worker.RestartDelayMs)
	envInt("REDQUEUE_MAX_ITEMS", &cfg.Worker.MaxItems)
	envBool("REDQUEUE_DELAYED_QUEUES", &cfg.Worker.DelayedQueues)
	envBool("REDQUEUE_FORK_PROCESS", &cfg.Worker.ForkProcess)
	if v := os.Getenv("REDQUEUE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REDQUEUE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("REDQUEUE_STATUS_ADDR"); v != "" {
		cfg.StatusAddr = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
