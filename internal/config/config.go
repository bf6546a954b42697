package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/micro-ha/device-mounter/internal/mounttable"
)

const (
	envPrefix = "MOUNTER"

	defaultLabelDir         = "/dev/disk/by-label"
	defaultMountRoot        = "/run/mount"
	defaultStaticMountTable = "/etc/fstab"
	defaultLiveMountTable   = "/proc/mounts"
	defaultMountBinary      = "mount"
	defaultUnmountBinary    = "umount"
	defaultPollInterval     = time.Second
	defaultHTTPAddr         = ":8099"
	defaultRegistryDSN      = ":memory:"
)

// Config stores runtime settings loaded from flags, MOUNTER_* environment
// variables and an optional config file, in that order of precedence.
type Config struct {
	LabelDir         string        `mapstructure:"label_dir"`
	MountRoot        string        `mapstructure:"mount_root"`
	StaticMountTable string        `mapstructure:"static_mount_table"`
	LiveMountTable   string        `mapstructure:"live_mount_table"`
	MatchMode        string        `mapstructure:"match_mode"`
	MountBinary      string        `mapstructure:"mount_binary"`
	UnmountBinary    string        `mapstructure:"unmount_binary"`
	DevicePattern    string        `mapstructure:"device_pattern"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	RegistryDSN      string        `mapstructure:"registry_dsn"`
	LogLevel         string        `mapstructure:"log_level"`
}

// FlagBindings maps config keys to command line flag names.
var FlagBindings = map[string]string{
	"device_pattern": "device-pattern",
	"http_addr":      "http-addr",
	"log_level":      "log-level",
	"poll_interval":  "poll-interval",
	"match_mode":     "match-mode",
}

// Load builds Config. configPath may be empty; flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range FlagBindings {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("label_dir", defaultLabelDir)
	v.SetDefault("mount_root", defaultMountRoot)
	v.SetDefault("static_mount_table", defaultStaticMountTable)
	v.SetDefault("live_mount_table", defaultLiveMountTable)
	v.SetDefault("match_mode", string(mounttable.MatchFields))
	v.SetDefault("mount_binary", defaultMountBinary)
	v.SetDefault("unmount_binary", defaultUnmountBinary)
	v.SetDefault("device_pattern", "")
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("http_addr", defaultHTTPAddr)
	v.SetDefault("registry_dsn", defaultRegistryDSN)
	v.SetDefault("log_level", "info")
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.LabelDir) == "" {
		errs = append(errs, errors.New("label_dir must not be empty"))
	}
	if strings.TrimSpace(c.MountRoot) == "" {
		errs = append(errs, errors.New("mount_root must not be empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if _, err := mounttable.ParseMatchMode(c.MatchMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Pattern(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Pattern compiles DevicePattern; an empty pattern yields nil.
func (c Config) Pattern() (*regexp.Regexp, error) {
	if strings.TrimSpace(c.DevicePattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.DevicePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid device_pattern: %w", err)
	}
	return re, nil
}

func (c Config) Match() mounttable.MatchMode {
	mode, _ := mounttable.ParseMatchMode(c.MatchMode)
	return mode
}

func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
