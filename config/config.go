// Package config resolves akseed's settings from flags, the environment and
// defaults, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/psanford/akseed/initdata"
	"github.com/psanford/akseed/server"
	"github.com/psanford/akseed/tpm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "AKSEED"

// Keys double as flag names.
const (
	KeyTPMPath  = "tpm-path"
	KeyFIFOPath = "fifo-path"
	KeyInitData = "init-data"
	KeyLogLevel = "log-level"
)

var DefaultLogLevel = "info"

type Config struct {
	TPMPath      string
	FIFOPath     string
	InitDataPath string
	LogLevel     string
}

// New returns a viper instance with defaults and environment bindings for
// every setting. AKSEED_<KEY> overrides the default for each key; the init
// data path additionally honours CC_INIT_DATA.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyTPMPath, tpm.DevicePath)
	v.SetDefault(KeyFIFOPath, server.DefaultPath)
	v.SetDefault(KeyInitData, initdata.DefaultPath)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)

	// BindEnv with an explicit name replaces the AKSEED_ binding, so list
	// both.
	v.BindEnv(KeyInitData, EnvPrefix+"_INIT_DATA", initdata.PathEnv)

	return v
}

// BindFlags registers flags so a flag set on the command line wins over
// the environment.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, key := range []string{KeyTPMPath, KeyFIFOPath, KeyInitData, KeyLogLevel} {
		f := flags.Lookup(key)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s err: %w", key, err)
		}
	}
	return nil
}

func Load(v *viper.Viper) Config {
	return Config{
		TPMPath:      v.GetString(KeyTPMPath),
		FIFOPath:     v.GetString(KeyFIFOPath),
		InitDataPath: v.GetString(KeyInitData),
		LogLevel:     v.GetString(KeyLogLevel),
	}
}

// SetupLogging applies the configured level to the standard logrus logger.
func (c Config) SetupLogging() error {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}
