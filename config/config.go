// Package config loads the tunables that Biscuit hard-codes as
// constants (the block cache's MAX_CACHE_SIZE, the write-back worker's
// period, the user frame count) into an overridable configuration object,
// backing the cmd/ Cobra commands with github.com/spf13/viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults mirror the constants spec.md §2 and §4.4 name explicitly:
// a 512-byte sector, a 64-entry block cache, a ~10-tick
// write-back period (approximated here as a wall-clock duration since
// this module has no scheduler tick counter of its own).
const (
	DefaultSectorSize     = 512
	DefaultCacheEntries    = 64
	DefaultUserFrames      = 64
	DefaultWritebackPeriod = 100 * time.Millisecond
	DefaultSwapPath        = "swap.img"
	DefaultFSPath          = "fs.img"
)

// Config holds every tunable this module exposes to its command-line
// front ends.
type Config struct {
	SectorSize      int
	CacheEntries    int
	UserFrames      int
	WritebackPeriod time.Duration
	SwapPath        string
	FSPath          string
}

// Load reads configuration from environment variables prefixed EDUOS_
// and an optional config file discovered by viper, falling back to the
// package defaults for anything unset.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDUOS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("sector-size", DefaultSectorSize)
	v.SetDefault("cache-entries", DefaultCacheEntries)
	v.SetDefault("user-frames", DefaultUserFrames)
	v.SetDefault("writeback-period", DefaultWritebackPeriod)
	v.SetDefault("swap-path", DefaultSwapPath)
	v.SetDefault("fs-path", DefaultFSPath)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Config{
		SectorSize:      v.GetInt("sector-size"),
		CacheEntries:    v.GetInt("cache-entries"),
		UserFrames:      v.GetInt("user-frames"),
		WritebackPeriod: v.GetDuration("writeback-period"),
		SwapPath:        v.GetString("swap-path"),
		FSPath:          v.GetString("fs-path"),
	}, nil
}
