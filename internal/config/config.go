package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Config содержит конфигурацию сервера генерации.
type Config struct {
	Env         string `envconfig:"ENV" default:"development"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"narrative-server"`
	SecretsDir  string `envconfig:"SECRETS_DIR" default:"/run/secrets"`

	// HTTP
	Port               string        `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout        time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout       time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"150s"`
	IdleTimeout        time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	CORSAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// GenerateRateLimit - запросов генерации в минуту на IP, 0 отключает ограничение
	GenerateRateLimit uint `envconfig:"GENERATE_RATE_LIMIT" default:"30"`

	// Логирование
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// Хранилище статусов: postgres или memory
	StoreBackend  string        `envconfig:"STORE_BACKEND" default:"postgres"`
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"postgres"`
	DBName        string        `envconfig:"DB_NAME" default:"narrative_db"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int32         `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE" default:"5m"`
	DBPassword    string        `ignored:"true"`

	// Redis и RabbitMQ опциональны: пустой адрес отключает компонент
	RedisAddr          string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword      string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB            int    `envconfig:"REDIS_DB" default:"0"`
	RedisChangeChannel string `envconfig:"REDIS_CHANGE_CHANNEL" default:"narrative:changes"`
	RabbitMQURL        string `envconfig:"RABBITMQ_URL" default:""`
	ChangeExchange     string `envconfig:"RABBITMQ_CHANGE_EXCHANGE" default:"narrative_changes"`

	// Повторы подключения к внешним сервисам при старте
	ConnectMaxRetries uint64        `envconfig:"CONNECT_MAX_RETRIES" default:"20"`
	ConnectRetryDelay time.Duration `envconfig:"CONNECT_RETRY_DELAY" default:"3s"`

	// Цепочки провайдеров в порядке попыток
	TextProviders  []string      `envconfig:"TEXT_PROVIDERS" default:"openai,ollama"`
	ImageProviders []string      `envconfig:"IMAGE_PROVIDERS" default:"sana,openai-image"`
	AudioProviders []string      `envconfig:"AUDIO_PROVIDERS" default:"sovits,openai-speech"`
	TextTimeout    time.Duration `envconfig:"TEXT_PROVIDER_TIMEOUT" default:"60s"`
	ImageTimeout   time.Duration `envconfig:"IMAGE_PROVIDER_TIMEOUT" default:"120s"`
	AudioTimeout   time.Duration `envconfig:"AUDIO_PROVIDER_TIMEOUT" default:"120s"`

	// Настройки провайдеров
	OpenAIBaseURL     string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAITextModel   string `envconfig:"OPENAI_TEXT_MODEL" default:"gpt-4o-mini"`
	OpenAIImageModel  string `envconfig:"OPENAI_IMAGE_MODEL" default:"dall-e-3"`
	OpenAISpeechModel string `envconfig:"OPENAI_SPEECH_MODEL" default:"tts-1"`
	OpenAIVoice       string `envconfig:"OPENAI_VOICE" default:"alloy"`
	OllamaBaseURL     string `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	OllamaModel       string `envconfig:"OLLAMA_MODEL" default:"llama3"`
	SanaBaseURL       string `envconfig:"SANA_BASE_URL" default:"http://localhost:8000"`
	SovitsBaseURL     string `envconfig:"SOVITS_BASE_URL" default:"http://localhost:9880"`
	SovitsRefAudio    string `envconfig:"SOVITS_REF_AUDIO" default:""`
	SovitsLanguage    string `envconfig:"SOVITS_LANGUAGE" default:"en"`
	AIAPIKey          string `ignored:"true"`

	// Оркестратор
	HistoryTokenBudget int           `envconfig:"HISTORY_TOKEN_BUDGET" default:"3000"`
	HistoryEncoding    string        `envconfig:"HISTORY_TOKEN_ENCODING" default:"cl100k_base"`
	MaxStageTasks      int           `envconfig:"MAX_STAGE_TASKS" default:"32"`
	StaleStageTimeout  time.Duration `envconfig:"STALE_STAGE_TIMEOUT" default:"15m"`
	StaleSweepInterval time.Duration `envconfig:"STALE_SWEEP_INTERVAL" default:"1m"`
	DedupLeaseTTL      time.Duration `envconfig:"DEDUP_LEASE_TTL" default:"3m"`

	// Медиа
	MediaSavePath      string `envconfig:"MEDIA_SAVE_PATH" default:"./media"`
	MediaPublicBaseURL string `envconfig:"MEDIA_PUBLIC_BASE_URL" default:"http://localhost:8080/media"`
}

// GetDSN возвращает строку подключения к PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MaskedDSN возвращает DSN с замаскированным паролем для логов.
func (c *Config) MaskedDSN() string {
	return fmt.Sprintf("postgres://%s:********@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// UsesPostgres сообщает, выбран ли Postgres в качестве хранилища.
func (c *Config) UsesPostgres() bool {
	return strings.EqualFold(c.StoreBackend, "postgres")
}

// NeedsAPIKey сообщает, использует ли какая-либо цепочка OpenAI-совместимый API.
func (c *Config) NeedsAPIKey() bool {
	for _, chain := range [][]string{c.TextProviders, c.ImageProviders, c.AudioProviders} {
		for _, name := range chain {
			if strings.HasPrefix(strings.TrimSpace(name), "openai") {
				return true
			}
		}
	}
	return false
}

// Load загружает .env (если есть), переменные окружения и секреты.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ошибка чтения .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var err error
	if cfg.UsesPostgres() {
		if cfg.DBPassword, err = ReadSecret(cfg.SecretsDir, "db_password"); err != nil {
			return nil, err
		}
	}
	if cfg.NeedsAPIKey() {
		if cfg.AIAPIKey, err = ReadSecret(cfg.SecretsDir, "ai_api_key"); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// textStageMargin - запас на дедупликацию и сохранение сегмента сверх попыток текстовой цепочки.
const textStageMargin = 15 * time.Second

// TextStageBudget - худшее время синхронной генерации текста: все провайдеры цепочки по таймауту.
func (c *Config) TextStageBudget() time.Duration {
	return time.Duration(len(c.TextProviders))*c.TextTimeout + textStageMargin
}

func (c *Config) validate() error {
	switch strings.ToLower(c.StoreBackend) {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if len(c.TextProviders) == 0 {
		return errors.New("TEXT_PROVIDERS must list at least one provider")
	}
	if c.TextTimeout <= 0 || c.ImageTimeout <= 0 || c.AudioTimeout <= 0 {
		return errors.New("provider timeouts must be positive")
	}
	// Ответ на генерацию пишется только после текстовой цепочки; 0 отключает дедлайн записи.
	if c.WriteTimeout > 0 && c.WriteTimeout <= c.TextStageBudget() {
		return fmt.Errorf("SERVER_WRITE_TIMEOUT %s must exceed %s (TEXT_PROVIDERS x TEXT_PROVIDER_TIMEOUT + %s)",
			c.WriteTimeout, c.TextStageBudget(), textStageMargin)
	}
	return nil
}

// ReadSecret читает секрет из файла в каталоге Docker Secrets.
func ReadSecret(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

// LogFields возвращает несекретную часть конфигурации для лога старта.
func (c *Config) LogFields() []zap.Field {
	fields := []zap.Field{
		zap.String("env", c.Env),
		zap.String("port", c.Port),
		zap.String("storeBackend", c.StoreBackend),
		zap.Strings("textProviders", c.TextProviders),
		zap.Strings("imageProviders", c.ImageProviders),
		zap.Strings("audioProviders", c.AudioProviders),
		zap.Duration("textTimeout", c.TextTimeout),
		zap.Duration("imageTimeout", c.ImageTimeout),
		zap.Duration("audioTimeout", c.AudioTimeout),
		zap.String("redisAddr", c.RedisAddr),
		zap.Bool("rabbitmqEnabled", c.RabbitMQURL != ""),
		zap.String("mediaSavePath", c.MediaSavePath),
		zap.Bool("aiAPIKeyLoaded", c.AIAPIKey != ""),
	}
	if c.UsesPostgres() {
		fields = append(fields, zap.String("dbDSN", c.MaskedDSN()))
	}
	return fields
}
