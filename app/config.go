package directchat

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DevMode  = "dev"
	ProdMode = "prod"

	SQLiteDriver = "sqlite"
	BadgerDriver = "badger"
)

type Config struct {
	// Mode is either dev or prod. The default is dev.
	Mode string `validate:"oneof=dev prod"`
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// LogLevel is one of debug, info, warn and error. The default is info.
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Auth     struct {
		// Secret is the key shared with the auth service to verify JWT tokens.
		// The secret must be a base64 encoded string.
		Secret Base64Encoded `validate:"required"`
	}
	Storage struct {
		// Driver selects the chat store, sqlite or badger. The default is sqlite.
		Driver string `validate:"oneof=sqlite badger"`
		// SQLiteFile is the path to the SQLite database file.
		SQLiteFile string `mapstructure:"sqlite_file" validate:"required_if=Driver sqlite"`
		// BadgerDir is the directory of the badger database. Empty keeps the database in memory.
		BadgerDir string `mapstructure:"badger_dir"`
	}
	Chat struct {
		// MaxMessageLength is the maximum number of characters in a message. The default is 4000.
		MaxMessageLength int `mapstructure:"max_message_length" validate:"gte=1"`
	}
	RateLimit struct {
		// MessagesPerSecond is the sustained rate at which one participant may send
		// messages. Zero disables rate limiting. The default is 5.
		MessagesPerSecond float64 `mapstructure:"messages_per_second" validate:"gte=0"`
		// Burst is the number of messages that may be sent at once. The default is 10.
		Burst int `validate:"gte=1"`
	}
	TLS struct {
		Crt string
		Key string `validate:"required_with=Crt"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// SlogLevel converts LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
