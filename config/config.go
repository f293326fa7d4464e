package config

import (
	"errors"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Endpoints struct {
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
	OpenRouterAPIKey string        `env:"OPENROUTER_API_KEY"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env-default:"60s"`
}

type Chat struct {
	DefaultModel      string        `yaml:"default_model" env:"DEFAULT_MODEL" env-default:"gpt-4.1-mini"`
	ModelTemperature  float32       `yaml:"model_temperature" env:"MODEL_TEMPERATURE" env-default:"1"`
	HistoryTokenLimit int           `yaml:"history_token_limit" env-default:"3500"`
	IdleTimeout       time.Duration `yaml:"conversation_idle_timeout" env-default:"30m"`
}

type Response struct {
	RegexTimeout        time.Duration `yaml:"regex_timeout" env-default:"5s"`
	ControlTimeout      time.Duration `yaml:"control_timeout" env-default:"5m"`
	ReactionWindow      time.Duration `yaml:"reaction_window" env-default:"24h"`
	RatingRetentionDays int           `yaml:"rating_retention_days" env-default:"30"`
}

type Telegram struct {
	TelegramAPIToken    string  `env:"TELEGRAM_APITOKEN,required"`
	AdminTelegramIDList []int64 `yaml:"admin_telegram_id_list" env:"ADMIN_TELEGRAM_ID" envSeparator:","`
}

type Redis struct {
	Endpoint string `yaml:"endpoint" env:"REDIS_ENDPOINT" env-default:"localhost:6379"`
}

type Config struct {
	Endpoints Endpoints `yaml:"endpoints"`
	Chat      Chat      `yaml:"chat"`
	Response  Response  `yaml:"response"`
	Telegram  Telegram  `yaml:"telegram"`
	Redis     Redis     `yaml:"redis"`
}

func LoadConfig(cfgPath string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err = cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadConfig(cfgPath, &cfg); err != nil {
		return nil, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
