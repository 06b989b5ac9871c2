// Package config loads daemon and CLI settings from defaults, an optional
// YAML file, VED_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/kdf"
	"github.com/nace/ved/internal/sector"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "VED"
	DefaultConfigFile = "/etc/ved/config.yaml"
	DefaultSocket     = "/run/ved/ved.sock"
	DefaultStateDir   = "/var/lib/ved"

	FacilityNBD    = "nbd"
	FacilityMemory = "memory"
)

// Config is the merged configuration.
type Config struct {
	Socket          string        `mapstructure:"socket"`
	StateDir        string        `mapstructure:"state_dir"`
	SettingsFile    string        `mapstructure:"settings_file"`
	Facility        string        `mapstructure:"facility"`
	NBD             NBDConfig     `mapstructure:"nbd"`
	KDF             KDFConfig     `mapstructure:"kdf"`
	SectorSize      uint32        `mapstructure:"sector_size"`
	Log             LogConfig     `mapstructure:"log"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type NBDConfig struct {
	Autoload bool          `mapstructure:"autoload"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type KDFConfig struct {
	Algorithm string `mapstructure:"algorithm"`
	Time      uint32 `mapstructure:"time"`
	MemoryKiB uint32 `mapstructure:"memory_kib"`
	Threads   uint8  `mapstructure:"threads"`
}

type LogConfig struct {
	JSON    bool   `mapstructure:"json"`
	Debug   bool   `mapstructure:"debug"`
	UID     bool   `mapstructure:"uid"`
	Service string `mapstructure:"service"`
}

// New returns a viper instance carrying every default, ready for flag
// binding.
func New() *viper.Viper {
	v := viper.New()
	defaults := kdf.DefaultParams()

	v.SetDefault("socket", DefaultSocket)
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("settings_file", defaultSettingsFile())
	v.SetDefault("facility", FacilityNBD)
	v.SetDefault("nbd.autoload", true)
	v.SetDefault("nbd.timeout", 30*time.Second)
	v.SetDefault("kdf.algorithm", defaults.Algorithm.String())
	v.SetDefault("kdf.time", defaults.Time)
	v.SetDefault("kdf.memory_kib", defaults.Memory)
	v.SetDefault("kdf.threads", defaults.Threads)
	v.SetDefault("sector_size", sector.DefaultSectorSize)
	v.SetDefault("log.json", false)
	v.SetDefault("log.debug", false)
	v.SetDefault("log.uid", false)
	v.SetDefault("log.service", "ved")
	v.SetDefault("shutdown_timeout", 30*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func defaultSettingsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("/etc/ved", "disks.yaml")
	}
	return filepath.Join(dir, "ved", "disks.yaml")
}

// Load reads file (if set) into v and decodes the result. A missing file
// is only an error when explicit is true.
func Load(v *viper.Viper, file string, explicit bool) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if !missing || explicit {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Facility {
	case FacilityNBD, FacilityMemory:
	default:
		return errs.New(errs.KindInput, errs.InvalidParams, "unknown facility %q (use nbd or memory)", c.Facility)
	}
	if !sector.ValidSectorSize(int(c.SectorSize)) {
		return errs.New(errs.KindInput, errs.InvalidParams, "invalid sector_size %d", c.SectorSize)
	}
	if c.Socket == "" || c.StateDir == "" {
		return errs.New(errs.KindInput, errs.InvalidParams, "socket and state_dir must be set")
	}
	if _, err := c.KDFParams(); err != nil {
		return err
	}
	return nil
}

// KDFParams converts the kdf section into derivation parameters.
func (c *Config) KDFParams() (kdf.Params, error) {
	alg, err := kdf.ParseAlgorithm(c.KDF.Algorithm)
	if err != nil {
		return kdf.Params{}, err
	}
	p := kdf.Params{
		Algorithm: alg,
		Time:      c.KDF.Time,
		Memory:    c.KDF.MemoryKiB,
		Threads:   c.KDF.Threads,
	}
	if alg == kdf.Scrypt && c.KDF.Time == kdf.DefaultParams().Time && c.KDF.MemoryKiB == kdf.DefaultParams().Memory {
		// argon2 defaults make no sense for scrypt
		p = kdf.DefaultScryptParams()
	}
	return p, p.Validate()
}

// JournalPath is where the daemon records live mounts.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "mounts.yaml")
}

// LockPath is the daemon's single-instance lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "ved.lock")
}
