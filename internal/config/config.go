// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env"`
	StorageConnectionString string `yaml:"storage_connection_string"`
	MigrationsPath          string `yaml:"migrations_path"`
	RedisConnection         `yaml:"redis_connection"`
	RabbitMQ                `yaml:"rabbitmq"`
	HTTPServer              `yaml:"http_server"`
	JWTToken                `yaml:"jwttoken"`
	SMTP                    `yaml:"smtp"`
	RoleGateway             `yaml:"role_gateway"`
	PaymentProvider         `yaml:"payment_provider"`
	Lifecycle               `yaml:"lifecycle"`
	Reconciliation          `yaml:"reconciliation"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
}

// RabbitMQ структура для настройки подключения к брокеру уведомлений
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"3s"`
}

// JWTToken структура для проверки токенов админской панели
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// SMTP структура для отправки почтовых уведомлений
type SMTP struct {
	SMTPHost string `yaml:"host"`
	SMTPPort string `yaml:"port"`
	SMTPUser string `yaml:"user"`
	SMTPPass string `yaml:"pass"`
}

// RoleGateway структура для настройки клиента чат-платформы
type RoleGateway struct {
	GatewayURL     string            `yaml:"url"`
	GatewayToken   string            `yaml:"token"`
	GuildID        string            `yaml:"guild_id"`
	AdminChannelID string            `yaml:"admin_channel_id"`
	ManagedRoles   []string          `yaml:"managed_roles"`
	DebtorRole     string            `yaml:"debtor_role" env-default:"Debtor"`
	BaselineRole   string            `yaml:"baseline_role" env-default:"Knight"`
	TierRoles      map[string]string `yaml:"tier_roles"`
	RequestTimeout time.Duration     `yaml:"request_timeout" env-default:"10s"`
	BatchSize      int               `yaml:"batch_size" env-default:"5"`
	BatchDelay     time.Duration     `yaml:"batch_delay" env-default:"2s"`
	CallMaxRetries uint64            `yaml:"call_max_retries" env-default:"3"`
	CallRetryDelay time.Duration     `yaml:"call_retry_delay" env-default:"1s"`
}

// PaymentProvider структура для клиента платёжного провайдера
type PaymentProvider struct {
	ProviderURL     string        `yaml:"url"`
	ProviderSecret  string        `yaml:"secret_key"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	PageSize        int           `yaml:"page_size" env-default:"100"`
	ProviderTimeout time.Duration `yaml:"timeout" env-default:"10s"`
}

// Lifecycle структура с интервалами машины состояний оплаты
type Lifecycle struct {
	PollInterval  time.Duration `yaml:"poll_interval" env-default:"5m"`
	GracePeriod   time.Duration `yaml:"grace_period" env-default:"48h"`
	DebtorPeriod  time.Duration `yaml:"debtor_period" env-default:"720h"`
	EventDedupTTL time.Duration `yaml:"event_dedup_ttl" env-default:"72h"`
}

// Reconciliation структура с настройками сверки
type Reconciliation struct {
	ReconcileInterval time.Duration `yaml:"interval" env-default:"24h"`
	AutoFix           bool          `yaml:"auto_fix"`
	ReverifyDelay     time.Duration `yaml:"reverify_delay" env-default:"1h"`
	AdminEmail        string        `yaml:"admin_email"`
}

// MustLoad функция для загрузки конфига, путь берётся из CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}

// RoleForTier возвращает роль, положенную тарифу; если тариф неизвестен,
// используется базовая роль.
func (rg *RoleGateway) RoleForTier(tier string) string {
	if role, ok := rg.TierRoles[tier]; ok {
		return role
	}
	return rg.BaselineRole
}
