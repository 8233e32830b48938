package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// overrideKeys maps config-file keys to the CLI flags that share them.
var overrideKeys = map[string]string{
	"env_file":     "env-file",
	"http_addr":    "listen",
	"log_level":    "log-level",
	"database_url": "database-url",
	"audio_dir":    "audio-dir",
	"model_path":   "model",
}

// ResolveOverrides merges an optional config file (YAML, TOML or JSON) with
// the command's flags. Flags that were set win over the file; the result
// then wins over env vars in Load.
func ResolveOverrides(configFile string, flags *pflag.FlagSet) (Overrides, error) {
	v := viper.New()
	for key, flag := range overrideKeys {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Overrides{}, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Overrides{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return Overrides{
		EnvFile:     v.GetString("env_file"),
		HTTPAddr:    v.GetString("http_addr"),
		LogLevel:    v.GetString("log_level"),
		DatabaseURL: v.GetString("database_url"),
		AudioDir:    v.GetString("audio_dir"),
		ModelPath:   v.GetString("model_path"),
	}, nil
}
