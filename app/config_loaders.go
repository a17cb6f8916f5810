package directchat

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "DIRECTCHAT"

type ConfigLoader interface {
	Load() (*Config, error)
}

// FileConfigLoader loads the configuration from a config.yaml file and environment variables.
// Environment variables take precedence and are named after the key with "." replaced
// by "_" and a DIRECTCHAT_ prefix, e.g. DIRECTCHAT_STORAGE_SQLITE_FILE. EnvFiles are loaded into the environment first;
// missing env files are ignored, and so is a missing config file.
type FileConfigLoader struct {
	// Paths are searched for config.yaml. The default is the working directory.
	Paths    []string
	EnvFiles []string
}

func (l *FileConfigLoader) Load() (*Config, error) {
	for _, file := range l.EnvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("godotenv.Load(%s): %w", file, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	paths := l.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decodeConfig(v)
}

// DefaultConfigLoader loads the defaults only, with a random secret.
type DefaultConfigLoader struct {
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	return decodeConfig(v)
}

func setDefaults(v *viper.Viper) error {
	// a random secret only verifies tokens signed by this process, which is enough for dev
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}

	v.SetDefault("mode", DevMode)
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("storage.driver", SQLiteDriver)
	v.SetDefault("storage.sqlite_file", "./directchat.db")
	v.SetDefault("storage.badger_dir", "")
	v.SetDefault("chat.max_message_length", 4000)
	v.SetDefault("ratelimit.messages_per_second", 5)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("allowed_origins", []string{"*"})
	return nil
}

// decodeConfig unmarshals the viper settings. Values that cannot be decoded are
// reported as an error rather than deferred to validation.
func decodeConfig(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}
