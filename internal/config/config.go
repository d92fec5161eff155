// Package config loads the daemon's environment-driven configuration
// (SPEC_FULL.md §6), optionally layered under an on-disk TOML file the
// way runsc/config layers a Config struct under command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Prefix is the environment variable prefix named in SPEC_FULL.md §6.
const Prefix = "NCK"

// IDMapBounds is the [min, max) range of one sub-id allocator pool.
type IDMapBounds struct {
	Min uint32
	Max uint32
}

// Sandbox holds the core-relevant configuration: where sockets and
// working directories live, and the bounds of the uid/gid allocators.
type Sandbox struct {
	RuntimeDir string      `toml:"runtime_dir"`
	StoreDir   string      `toml:"store_dir"`
	UIDMap     IDMapBounds `toml:"-"`
	GIDMap     IDMapBounds `toml:"-"`
}

// fileConfig mirrors the on-disk TOML shape: [sandbox] and
// [sandbox.id_map] tables.
type fileConfig struct {
	Sandbox struct {
		RuntimeDir string `toml:"runtime_dir"`
		StoreDir   string `toml:"store_dir"`
		IDMap      struct {
			UIDMin uint32 `toml:"uid_min"`
			UIDMax uint32 `toml:"uid_max"`
			GIDMin uint32 `toml:"gid_min"`
			GIDMax uint32 `toml:"gid_max"`
		} `toml:"id_map"`
	} `toml:"sandbox"`
}

// Config is the fully resolved daemon configuration.
type Config struct {
	Sandbox Sandbox
}

// Default returns conservative defaults used when neither a config file
// nor environment variables are present.
func Default() Config {
	return Config{
		Sandbox: Sandbox{
			RuntimeDir: "/run/nckd",
			StoreDir:   "/var/lib/nckd/store",
			UIDMap:     IDMapBounds{Min: 100000, Max: 165536},
			GIDMap:     IDMapBounds{Min: 100000, Max: 165536},
		},
	}
}

// Load resolves the configuration: defaults, then an optional TOML file
// at tomlPath (skipped if it does not exist), then environment
// variables, which take precedence over both.
func Load(tomlPath string) (Config, error) {
	cfg := Default()

	if tomlPath != "" {
		if _, err := os.Stat(tomlPath); err == nil {
			var fc fileConfig
			if _, err := toml.DecodeFile(tomlPath, &fc); err != nil {
				return Config{}, fmt.Errorf("config: decoding %s: %w", tomlPath, err)
			}
			if fc.Sandbox.RuntimeDir != "" {
				cfg.Sandbox.RuntimeDir = fc.Sandbox.RuntimeDir
			}
			if fc.Sandbox.StoreDir != "" {
				cfg.Sandbox.StoreDir = fc.Sandbox.StoreDir
			}
			if fc.Sandbox.IDMap.UIDMax != 0 {
				cfg.Sandbox.UIDMap = IDMapBounds{Min: fc.Sandbox.IDMap.UIDMin, Max: fc.Sandbox.IDMap.UIDMax}
			}
			if fc.Sandbox.IDMap.GIDMax != 0 {
				cfg.Sandbox.GIDMap = IDMapBounds{Min: fc.Sandbox.IDMap.GIDMin, Max: fc.Sandbox.IDMap.GIDMax}
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", tomlPath, err)
		}
	}

	if v, ok := lookupEnv("sandbox__runtime_dir"); ok {
		cfg.Sandbox.RuntimeDir = v
	}
	if v, ok := lookupEnv("sandbox__store_dir"); ok {
		cfg.Sandbox.StoreDir = v
	}
	if err := overrideUint32(&cfg.Sandbox.UIDMap.Min, "sandbox__id_map__uid_min"); err != nil {
		return Config{}, err
	}
	if err := overrideUint32(&cfg.Sandbox.UIDMap.Max, "sandbox__id_map__uid_max"); err != nil {
		return Config{}, err
	}
	if err := overrideUint32(&cfg.Sandbox.GIDMap.Min, "sandbox__id_map__gid_min"); err != nil {
		return Config{}, err
	}
	if err := overrideUint32(&cfg.Sandbox.GIDMap.Max, "sandbox__id_map__gid_max"); err != nil {
		return Config{}, err
	}

	if cfg.Sandbox.UIDMap.Max <= cfg.Sandbox.UIDMap.Min {
		return Config{}, fmt.Errorf("config: empty uid range [%d, %d)", cfg.Sandbox.UIDMap.Min, cfg.Sandbox.UIDMap.Max)
	}
	if cfg.Sandbox.GIDMap.Max <= cfg.Sandbox.GIDMap.Min {
		return Config{}, fmt.Errorf("config: empty gid range [%d, %d)", cfg.Sandbox.GIDMap.Min, cfg.Sandbox.GIDMap.Max)
	}
	return cfg, nil
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(Prefix + "__" + key)
}

func overrideUint32(dst *uint32, key string) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("config: parsing %s%s: %w", Prefix+"__", key, err)
	}
	*dst = uint32(n)
	return nil
}
