package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config holds the application configuration
type Config struct {
	Azure    ConnectionInfo `mapstructure:"azure"`
	Model    ModelConfig    `mapstructure:"model"`
	Server   ServerConfig   `mapstructure:"server"`
	History  HistoryConfig  `mapstructure:"history"`
	LogLevel string         `mapstructure:"log_level"`
}

// ConnectionInfo describes where the Azure OpenAI resource lives.
type ConnectionInfo struct {
	APIVersion string `mapstructure:"api_version" validate:"required"`
	Endpoint   string `mapstructure:"endpoint" validate:"required,url"`
}

// ModelConfig holds the deployment name, decoding parameters and the static prompt set.
type ModelConfig struct {
	Model               string          `mapstructure:"model" validate:"required"`
	MaxCompletionTokens int             `mapstructure:"max_completion_tokens" validate:"gt=0"`
	Temperature         float32         `mapstructure:"temperature" validate:"gte=0,lte=2"`
	Messages            []PromptMessage `mapstructure:"messages" validate:"dive"`
}

// PromptMessage is one configured prompt entry. Only entries whose role is
// "system" (any case) are sent.
type PromptMessage struct {
	Role    string `mapstructure:"role" validate:"required"`
	Content string `mapstructure:"content"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HistoryConfig holds the transcript store configuration
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Validate checks the connection settings.
func (c ConnectionInfo) Validate() error {
	return validate.Struct(c)
}

// Validate checks the model settings.
func (m ModelConfig) Validate() error {
	return validate.Struct(m)
}

// Load reads the configuration from path, or from CONFIG_PATH, or from
// config.yaml in the working directory. CHATBOT_* environment variables
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("history.db_path", "history.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("model.max_completion_tokens", 800)

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHATBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Azure.Validate(); err != nil {
		return nil, err
	}
	if err := config.Model.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
