package config

import (
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// envPrefix is the environment variable prefix used by all settings.
const envPrefix = "IC50"

// newViper builds a Viper instance with YAML input, the IC50_ env prefix and a
// "." → "_" key replacer, so "trainer.num_epochs" resolves to
// IC50_TRAINER_NUM_EPOCHS. Every Config key is bound explicitly; AutomaticEnv
// alone does not reach keys missing from the file during Unmarshal.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range presetDefaults() {
		v.SetDefault(key, value)
	}
	for _, key := range configKeys(reflect.TypeOf(Config{}), "") {
		_ = v.BindEnv(key)
	}
	return v
}

// configKeys lists the dotted mapstructure keys of every leaf field of t.
// Squashed embedded structs share their parent's prefix.
func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("mapstructure")
		name, opts, _ := strings.Cut(tag, ",")
		if name == "-" {
			continue
		}
		if f.Type.Kind() == reflect.Struct && f.Type.String() != "time.Time" {
			if opts == "squash" {
				keys = append(keys, configKeys(f.Type, prefix)...)
				continue
			}
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			keys = append(keys, configKeys(f.Type, prefix+name+".")...)
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		keys = append(keys, prefix+name)
	}
	return keys
}

// Load reads the YAML file at configPath, merges IC50_* environment
// overrides, applies defaults for unset fields, and validates the result.
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "failed to read config file "+configPath)
	}
	return unmarshalAndFinalize(v)
}

// LoadFromEnv builds a Config entirely from IC50_* environment variables.
//
//	IC50_<SECTION>_<FIELD>   e.g.  IC50_DATA_PATH, IC50_TRAINER_NUM_EPOCHS
func LoadFromEnv() (*Config, error) {
	return unmarshalAndFinalize(newViper())
}

func unmarshalAndFinalize(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "failed to unmarshal configuration")
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-reads configPath whenever it is written and hands the new Config
// to onChange. Changes that fail to parse or validate are logged and
// skipped. Callers apply only the settings that are safe to change mid-run.
// Watch returns after the initial read; the watcher runs in the background.
func Watch(configPath string, onChange func(*Config), log logging.Logger) error {
	log = logging.OrNop(log)
	v := newViper()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "failed to read config file "+configPath)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshalAndFinalize(v)
		if err != nil {
			log.Warn("ignoring invalid config change", logging.String("path", e.Name), logging.Err(err))
			return
		}
		log.Info("config reloaded", logging.String("path", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// MustLoad is Load for main(): any error panics.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic("config: MustLoad failed: " + err.Error())
	}
	return cfg
}
