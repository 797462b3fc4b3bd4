package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	dotenvOnce sync.Once

	cacheMu sync.RWMutex
	cache   = make(map[reflect.Type]any)
)

// Load parses environment variables into cfg, which must be a non-nil
// pointer to a struct. The first Load for a given struct type reads the
// environment; subsequent loads return the cached value.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return fmt.Errorf("config: nil target")
	}

	// .env files are developer convenience; a missing file is not an error.
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})

	t := reflect.TypeOf(*cfg)

	cacheMu.RLock()
	cached, ok := cache[t]
	cacheMu.RUnlock()
	if ok {
		*cfg = cached.(T)
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", t.Name(), err)
	}

	cacheMu.Lock()
	cache[t] = *cfg
	cacheMu.Unlock()

	return nil
}

// MustLoad is Load but panics on failure. Useful during startup where a
// missing required variable should halt the process.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
