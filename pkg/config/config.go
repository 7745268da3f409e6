// Package config resolves the collector's options: an explicit flag wins over
// the environment, which wins over the built-in default.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	KeySocket      = "socket"
	KeyCache       = "cache"
	KeyDaemonize   = "daemonize"
	KeySlots       = "slots"
	KeyInterval    = "interval"
	KeyMaxClients  = "max-clients"
	KeyLogFile     = "log-file"
	KeyLogFormat   = "log-format"
	KeyDebug       = "debug"
	KeyMetricsAddr = "metrics-addr"
	KeyProcRoot    = "proc-root"
)

const (
	EnvSocket      = "GATOTRAY_SOCKET_NAME"
	EnvCache       = "GATOTRAY_CACHE_FILE"
	EnvSlots       = "GATOTRAY_SLOTS"
	EnvMetricsAddr = "GATOTRAY_METRICS_ADDR"
)

const (
	DefaultSocket     = "gatotray_collector"
	DefaultCache      = "/tmp/gatotray_top.cache"
	DefaultSlots      = 60
	DefaultInterval   = time.Second
	DefaultMaxClients = 10
	DefaultLogFormat  = "text"
	DefaultProcRoot   = "/proc"

	// MaxSocketName is sun_path (108 bytes) minus the leading NUL of an
	// abstract address.
	MaxSocketName = 107
)

var envKeys = map[string]string{
	KeySocket:      EnvSocket,
	KeyCache:       EnvCache,
	KeySlots:       EnvSlots,
	KeyMetricsAddr: EnvMetricsAddr,
}

// Config is the resolved daemon configuration.
type Config struct {
	Socket      string
	CacheFile   string
	Daemonize   bool
	Slots       int
	Interval    time.Duration
	MaxClients  int
	LogFile     string
	LogFormat   string
	Debug       bool
	MetricsAddr string
	ProcRoot    string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Socket:     DefaultSocket,
		CacheFile:  DefaultCache,
		Slots:      DefaultSlots,
		Interval:   DefaultInterval,
		MaxClients: DefaultMaxClients,
		LogFormat:  DefaultLogFormat,
		ProcRoot:   DefaultProcRoot,
	}
}

// BindSocketFlag registers only -s/--socket, for commands that just connect.
func BindSocketFlag(fs *pflag.FlagSet) {
	fs.StringP(KeySocket, "s", DefaultSocket, "abstract socket name (env "+EnvSocket+")")
}

// BindFlags registers every daemon option on fs.
func BindFlags(fs *pflag.FlagSet) {
	BindSocketFlag(fs)
	fs.StringP(KeyCache, "c", DefaultCache, "cache file path (env "+EnvCache+")")
	fs.BoolP(KeyDaemonize, "d", false, "detach from the terminal and run in the background")
	fs.Int(KeySlots, DefaultSlots, "snapshots kept in the ring (env "+EnvSlots+")")
	fs.Duration(KeyInterval, DefaultInterval, "sampling interval")
	fs.Int(KeyMaxClients, DefaultMaxClients, "maximum connected clients")
	fs.String(KeyLogFile, "", "write logs to this file, rotated by size")
	fs.String(KeyLogFormat, DefaultLogFormat, "log format: text or json")
	fs.Bool(KeyDebug, false, "enable debug logging")
	fs.String(KeyMetricsAddr, "", "serve prometheus metrics on this address (env "+EnvMetricsAddr+")")
	fs.String(KeyProcRoot, DefaultProcRoot, "procfs mount point")
	_ = fs.MarkHidden(KeyProcRoot)
}

// Load resolves a Config from fs, the environment and the defaults. Options
// that fs does not define keep their default. The cache and log paths are
// made absolute so they stay valid after a daemon changes directory.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault(KeySocket, d.Socket)
	v.SetDefault(KeyCache, d.CacheFile)
	v.SetDefault(KeyDaemonize, d.Daemonize)
	v.SetDefault(KeySlots, d.Slots)
	v.SetDefault(KeyInterval, d.Interval)
	v.SetDefault(KeyMaxClients, d.MaxClients)
	v.SetDefault(KeyLogFile, d.LogFile)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyDebug, d.Debug)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyProcRoot, d.ProcRoot)

	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, errors.Wrapf(err, "bind env %s", env)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, errors.Wrap(err, "bind flags")
		}
	}

	cfg := Config{
		Socket:      v.GetString(KeySocket),
		CacheFile:   v.GetString(KeyCache),
		Daemonize:   v.GetBool(KeyDaemonize),
		Slots:       v.GetInt(KeySlots),
		Interval:    v.GetDuration(KeyInterval),
		MaxClients:  v.GetInt(KeyMaxClients),
		LogFile:     v.GetString(KeyLogFile),
		LogFormat:   strings.ToLower(v.GetString(KeyLogFormat)),
		Debug:       v.GetBool(KeyDebug),
		MetricsAddr: v.GetString(KeyMetricsAddr),
		ProcRoot:    v.GetString(KeyProcRoot),
	}
	for _, p := range []*string{&cfg.CacheFile, &cfg.LogFile} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return Config{}, errors.Wrapf(err, "resolve path %s", *p)
		}
		*p = abs
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	switch {
	case c.Socket == "":
		return errors.Wrap(ErrInvalid, "socket name is empty")
	case len(c.Socket) > MaxSocketName:
		return errors.Wrapf(ErrInvalid, "socket name longer than %d bytes", MaxSocketName)
	case c.CacheFile == "":
		return errors.Wrap(ErrInvalid, "cache path is empty")
	case c.Slots < 1:
		return errors.Wrapf(ErrInvalid, "slots must be at least 1, got %d", c.Slots)
	case c.Interval <= 0:
		return errors.Wrapf(ErrInvalid, "interval must be positive, got %s", c.Interval)
	case c.MaxClients < 1:
		return errors.Wrapf(ErrInvalid, "max clients must be at least 1, got %d", c.MaxClients)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return errors.Wrapf(ErrInvalid, "unknown log format %q", c.LogFormat)
	}
	return nil
}
