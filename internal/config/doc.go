// Package config provides loading and environment overlay for redqueue
// worker configuration. It exposes a Default() baseline that Load and
// FromEnv refine.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/redqueue.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
