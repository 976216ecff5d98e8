// Package config builds the run configuration once at startup from flags,
// environment, an optional TOML file and defaults, in that precedence.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "TELEMLOG"
	ConfigName      = "telemlog"
	DefaultLogLevel = LogLevelInfo
)

type HWiNFOConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Name     string   `mapstructure:"name"`
	Path     string   `mapstructure:"path"`
	Size     int      `mapstructure:"size"`
	Keywords []string `mapstructure:"keywords"`
}

type ProbeConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
	Sudo    string        `mapstructure:"sudo"`
}

type ToggleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TableConfig struct {
	Precision        int    `mapstructure:"precision"`
	Placeholder      string `mapstructure:"placeholder"`
	RunIDPlaceholder string `mapstructure:"run_id_placeholder"`
	RetrofitExisting bool   `mapstructure:"retrofit_existing"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is constructed once and passed to every component that needs it.
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	Output   string        `mapstructure:"output"`
	RunID    string        `mapstructure:"run_id"`
	Target   Target        `mapstructure:"target"`
	PID      int32         `mapstructure:"pid"`
	Process  string        `mapstructure:"process"`
	LogLevel LogLevel      `mapstructure:"log_level"`

	HWiNFO  HWiNFOConfig  `mapstructure:"hwinfo"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	NVML    ToggleConfig  `mapstructure:"nvml"`
	Battery ToggleConfig  `mapstructure:"battery"`
	Thermal ToggleConfig  `mapstructure:"thermal"`
	Table   TableConfig   `mapstructure:"table"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"interval":     "interval",
	"out":          "output",
	"run-id":       "run_id",
	"target":       "target",
	"pid":          "pid",
	"process":      "process",
	"log-level":    "log_level",
	"hwinfo":       "hwinfo.enabled",
	"nvml":         "nvml.enabled",
	"store":        "store.enabled",
	"metrics-addr": "metrics.addr",
}

// RegisterFlags defines the command line flags Load understands.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Configuration file (TOML)")
	flags.Duration("interval", time.Second, "Sampling interval")
	flags.String("out", "system_metrics.csv", "Output table path")
	flags.String("run-id", "", "Run identifier stamped on every row")
	flags.String("target", string(TargetSystem), "What to sample: system or process")
	flags.Int32("pid", 0, "Process target by PID")
	flags.String("process", "", "Process target by name or command line substring")
	flags.String("log-level", string(DefaultLogLevel), "Log level: debug, info, warning, error")
	flags.Bool("hwinfo", false, "Read the HWiNFO shared memory block")
	flags.Bool("no-gpu", false, "Disable the qmassa GPU probe")
	flags.Bool("nvml", false, "Read NVIDIA GPUs through NVML")
	flags.Bool("store", false, "Mirror every row into SQLite")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", time.Second)
	v.SetDefault("output", "system_metrics.csv")
	v.SetDefault("run_id", "")
	v.SetDefault("target", string(TargetSystem))
	v.SetDefault("pid", 0)
	v.SetDefault("process", "")
	v.SetDefault("log_level", string(DefaultLogLevel))

	v.SetDefault("hwinfo.enabled", false)
	v.SetDefault("hwinfo.name", `Global\HWiNFO_SENS_SM2`)
	v.SetDefault("hwinfo.path", "/dev/shm/HWiNFO_SENS_SM2")
	v.SetDefault("hwinfo.size", 500000)
	v.SetDefault("hwinfo.keywords", []string{})

	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.command", "qmassa")
	v.SetDefault("probe.args", []string{"-x", "-n", "2", "-m", "500", "-t", "{output}"})
	v.SetDefault("probe.timeout", 10*time.Second)
	v.SetDefault("probe.sudo", "auto")

	v.SetDefault("nvml.enabled", false)
	v.SetDefault("battery.enabled", true)
	v.SetDefault("thermal.enabled", true)

	v.SetDefault("table.precision", 2)
	v.SetDefault("table.placeholder", "")
	v.SetDefault("table.run_id_placeholder", "N/A")
	v.SetDefault("table.retrofit_existing", false)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "telemlog.db")
	v.SetDefault("store.batch_size", 1)

	v.SetDefault("metrics.addr", "")
}

// Load reads the configuration. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	errFactory := errors.New()
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
	}

	file, err := readConfigFile(v, configPath(flags))
	if err != nil {
		return nil, err
	}

	if flags != nil {
		if noGPU, err := flags.GetBool("no-gpu"); err == nil && noGPU {
			v.Set("probe.enabled", false)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	config.File = file

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func configPath(flags *pflag.FlagSet) string {
	if flags != nil {
		if path, err := flags.GetString("config"); err == nil && path != "" {
			return path
		}
	}
	return os.Getenv(EnvPrefix + "_CONFIG")
}

// readConfigFile reads path, or telemlog.toml from /etc or the working
// directory when path is empty. Only an explicitly named file must exist.
func readConfigFile(v *viper.Viper, path string) (string, error) {
	errFactory := errors.New()
	v.SetConfigType("toml")

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return "", errFactory.WithMessage(errors.ErrReadConfig, "config file not found: "+path)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return "", nil
		}
		return "", errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return v.ConfigFileUsed(), nil
}

// Validate checks values that no component can repair.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval.String())
	}

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, string(c.LogLevel))
	}

	if c.Output == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "output path must not be empty")
	}

	if !c.Target.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value string
		}{
			Field: "target",
			Value: string(c.Target),
		})
	}

	if c.Target == TargetProcess && c.PID <= 0 && c.Process == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "process target requires pid or process")
	}

	if c.Table.Precision < -1 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{
			Field: "table.precision",
			Value: c.Table.Precision,
		})
	}

	if c.Store.Enabled && (c.Store.Path == "" || c.Store.BatchSize < 1) {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "store requires a path and batch_size >= 1")
	}

	return nil
}
