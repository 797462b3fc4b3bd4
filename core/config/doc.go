// Package config provides type-safe environment variable loading with
// caching using Go generics. Each configuration type is loaded once and
// cached for subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	type SessionPolicy struct {
//		Duration    time.Duration `env:"SESSION_DURATION" envDefault:"30m"`
//		IdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"10m"`
//	}
//
//	var policy SessionPolicy
//	if err := config.Load(&policy); err != nil {
//		log.Fatal(err)
//	}
//
// Each configuration type is loaded only once per process; later calls for
// the same type return the cached value.
package config
